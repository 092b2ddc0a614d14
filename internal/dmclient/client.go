// Package dmclient 从 IoTtalk 项目服务读取设备对象（设备模型及其功能）
package dmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// 服务端没有提供参数类型时使用
const defaultParamType = "float"

// DeviceModel 设备模型
type DeviceModel struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// DeviceFeatureInfo 设备功能
type DeviceFeatureInfo struct {
	Name   string   `json:"name"`
	DfType []string `json:"df_type"`
	Used   bool     `json:"used"`
}

// DeviceObject 设备对象
type DeviceObject struct {
	DM  DeviceModel         `json:"dm"`
	IDF []DeviceFeatureInfo `json:"idf"`
	ODF []DeviceFeatureInfo `json:"odf"`
}

type dfParameter struct {
	ParamType string `json:"param_type"`
}

type dfEntry struct {
	DfName      string        `json:"df_name"`
	DfType      string        `json:"df_type"`
	DfParameter []dfParameter `json:"df_parameter"`
}

type deviceObjectResponse struct {
	Data struct {
		DmName string `json:"dm_name"`
		DmID   int64  `json:"dm_id"`
		Do     struct {
			Dfo []string `json:"dfo"`
		} `json:"do"`
		DfList []dfEntry `json:"df_list"`
	} `json:"data"`
}

// APIError 服务返回非 200
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device object API returned %d: %s", e.StatusCode, e.Body)
}

// Client 设备对象 API 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建客户端
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// FetchDeviceObject 获取设备对象，功能按方向分组并标记是否被使用
func (c *Client) FetchDeviceObject(ctx context.Context, projectID, doID string) (*DeviceObject, error) {
	var body deviceObjectResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"pid": projectID, "doid": doID}).
		SetResult(&body).
		Get("/api/v0/project/{pid}/deviceobject/{doid}")
	if err != nil {
		c.logger.Error("device object API call failed",
			zap.String("project_id", projectID),
			zap.String("do_id", doID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to call device object API: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	data := body.Data
	used := make(map[string]bool, len(data.Do.Dfo))
	for _, name := range data.Do.Dfo {
		used[name] = true
	}

	do := &DeviceObject{
		DM:  DeviceModel{Name: data.DmName, ID: data.DmID},
		IDF: []DeviceFeatureInfo{},
		ODF: []DeviceFeatureInfo{},
	}
	for _, df := range data.DfList {
		info := DeviceFeatureInfo{Name: df.DfName, DfType: paramTypes(df.DfParameter), Used: used[df.DfName]}
		switch df.DfType {
		case "input":
			do.IDF = append(do.IDF, info)
		case "output":
			do.ODF = append(do.ODF, info)
		default:
			c.logger.Debug("skip device feature with unknown type",
				zap.String("df_name", df.DfName),
				zap.String("df_type", df.DfType),
			)
		}
	}

	c.logger.Info("fetched device object",
		zap.String("dm_name", do.DM.Name),
		zap.Int("idf_count", len(do.IDF)),
		zap.Int("odf_count", len(do.ODF)),
	)
	return do, nil
}

func paramTypes(params []dfParameter) []string {
	if len(params) == 0 {
		return []string{defaultParamType}
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.ParamType
		if out[i] == "" {
			out[i] = defaultParamType
		}
	}
	return out
}

// Features 转为新设备的设备功能（还没有候选函数）
func (d *DeviceObject) Features() []models.DeviceFeature {
	out := make([]models.DeviceFeature, 0, len(d.IDF)+len(d.ODF))
	add := func(list []DeviceFeatureInfo, dir models.DfDirection) {
		for _, f := range list {
			out = append(out, models.DeviceFeature{
				Name: f.Name,
				Type: models.DfType{Direction: dir, Params: append([]string(nil), f.DfType...)},
			})
		}
	}
	add(d.IDF, models.DfInput)
	add(d.ODF, models.DfOutput)
	return out
}

// UsedFeatures 被设备对象使用的功能名称（IDF 在前）
func (d *DeviceObject) UsedFeatures() []string {
	var out []string
	for _, list := range [][]DeviceFeatureInfo{d.IDF, d.ODF} {
		for _, f := range list {
			if f.Used {
				out = append(out, f.Name)
			}
		}
	}
	return out
}
