package assembly

import (
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/render"
)

// SAContext SA 基本信息
type SAContext struct {
	DeviceName          string
	GlobalVariableSetup string
}

// DAContext 设备连接信息
type DAContext struct {
	ServerURL    string
	DeviceModel  string
	DeviceAddr   string
	PushInterval float64
}

// DfInfo 单个设备功能的模板信息
type DfInfo struct {
	Name     string
	FuncName string
	Params   render.ParamsContext
}

// DfContext 某一方向上使用中的设备功能
type DfContext struct {
	NameList []string
	Info     []DfInfo
}

// Context 基础文件模板的渲染上下文
type Context struct {
	SA        SAContext
	DA        DAContext
	Functions []render.FeatureFunction
	IDF       DfContext
	ODF       DfContext
}

// BuildContext 由设备构建渲染上下文
// 无法渲染的功能函数记为 Op = "function" 的错误，不影响其他功能
func BuildContext(device *models.Device, logger *zap.Logger) (Context, []AssemblyFileError) {
	c := Context{
		SA: SAContext{
			DeviceName:          device.Name,
			GlobalVariableSetup: device.VarSetup.Text(),
		},
		DA: DAContext{
			ServerURL:    device.ServerURL,
			DeviceModel:  device.DMName,
			DeviceAddr:   device.DeviceAddr,
			PushInterval: device.PushInterval,
		},
		IDF: DfContext{NameList: []string{}, Info: []DfInfo{}},
		ODF: DfContext{NameList: []string{}, Info: []DfInfo{}},
	}

	var errs []AssemblyFileError
	for _, f := range device.Features {
		if !device.UsesFeature(f.Name) {
			continue
		}

		info := DfInfo{
			Name:     f.Name,
			FuncName: f.ReName(),
			Params:   render.NewParamsContext(f.Type.Params),
		}
		switch f.Type.Direction {
		case models.DfInput:
			c.IDF.NameList = append(c.IDF.NameList, f.Name)
			c.IDF.Info = append(c.IDF.Info, info)
		case models.DfOutput:
			c.ODF.NameList = append(c.ODF.NameList, f.Name)
			c.ODF.Info = append(c.ODF.Info, info)
		}

		if n := len(f.Selected()); n > 1 {
			logger.Warn("device feature has more than one selected function, using the first",
				zap.String("device", device.Name),
				zap.String("feature", f.Name),
				zap.Int("selected", n),
			)
		}
		ff, err := render.RenderFeatureFunction(f)
		if err != nil {
			errs = append(errs, AssemblyFileError{Path: f.Name, Op: OpFunction, Err: err})
			continue
		}
		c.Functions = append(c.Functions, ff)
	}
	return c, errs
}
