// Package notify 通过 MQTT 发布构建结果
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultTopicPrefix 构建事件主题前缀，完整主题为 <prefix>/<device_id>
const DefaultTopicPrefix = "devicetalk/build"

// Publisher MQTT 发布接口（common/mqtt.Client 实现了它）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// FileError 构建中失败的文件
type FileError struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

// BuildEvent 构建完成事件
type BuildEvent struct {
	DeviceID   int64       `json:"device_id"`
	DeviceName string      `json:"device_name"`
	Archive    string      `json:"archive"`
	Digest     string      `json:"digest"`
	Written    int         `json:"written"`
	Errors     []FileError `json:"errors"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Notifier 构建事件发布器
type Notifier struct {
	pub         Publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewNotifier 创建发布器；pub 为 nil 时只记录日志
func NewNotifier(pub Publisher, topicPrefix string, qos byte, logger *zap.Logger) *Notifier {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &Notifier{pub: pub, topicPrefix: topicPrefix, qos: qos, logger: logger}
}

// Topic 设备的构建事件主题
func (n *Notifier) Topic(deviceID int64) string {
	return fmt.Sprintf("%s/%d", n.topicPrefix, deviceID)
}

// PublishBuild 发布构建事件
func (n *Notifier) PublishBuild(ev BuildEvent) error {
	if ev.Errors == nil {
		ev.Errors = []FileError{}
	}
	if ev.FinishedAt.IsZero() {
		ev.FinishedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal build event: %w", err)
	}

	topic := n.Topic(ev.DeviceID)
	if n.pub == nil {
		n.logger.Debug("MQTT disabled, build event not published", zap.String("topic", topic))
		return nil
	}
	if err := n.pub.Publish(topic, n.qos, false, payload); err != nil {
		return err
	}

	n.logger.Info("Published build event",
		zap.String("topic", topic),
		zap.Int64("device_id", ev.DeviceID),
		zap.Int("written", ev.Written),
		zap.Int("errors", len(ev.Errors)),
	)
	return nil
}
