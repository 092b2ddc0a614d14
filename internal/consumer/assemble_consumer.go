// Package consumer 从 Redis Streams 消费生成请求
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/IoTtalk/DeviceTalk-to-v1/common/redis"
)

// AssembleRequest 生成请求
type AssembleRequest struct {
	DeviceID    int64 `json:"device_id"`
	RequestedAt int64 `json:"requested_at"`
}

// Handler 处理一条请求；返回 nil 时消息被确认
type Handler func(ctx context.Context, req AssembleRequest) error

// AssembleConsumer 生成请求消费者
type AssembleConsumer struct {
	redisClient  *redis.Client
	handler      Handler
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration

	// 失败的请求留在 pending 列表，每隔 retryInterval 重新处理一次（启动时立即处理）
	retryInterval time.Duration
	maxAttempts   int
	lastRetry     time.Time
	attempts      map[string]int
}

// NewAssembleConsumer 创建消费者
func NewAssembleConsumer(
	redisClient *redis.Client,
	handler Handler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *AssembleConsumer {
	return &AssembleConsumer{
		redisClient:  redisClient,
		handler:      handler,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		block:        2 * time.Second,

		retryInterval: 30 * time.Second,
		maxAttempts:   5,
		attempts:      make(map[string]int),
	}
}

// SetRetryPolicy 设置 pending 请求的重试间隔和最多处理次数（达到后确认并丢弃）
func (c *AssembleConsumer) SetRetryPolicy(interval time.Duration, maxAttempts int) {
	c.retryInterval = interval
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
}

// Enqueue 发布生成请求，返回消息 ID
func Enqueue(ctx context.Context, client *redis.Client, stream string, deviceID int64) (string, error) {
	return rediscommon.PublishJSONToStream(ctx, client, stream, AssembleRequest{
		DeviceID:    deviceID,
		RequestedAt: time.Now().Unix(),
	})
}

// Start 启动消费者，ctx 取消后返回
func (c *AssembleConsumer) Start(ctx context.Context) error {
	// 创建消费者组
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Assemble consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 消费请求（带指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeRequests(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to consume requests",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}
		}
	}
}

// consumeRequests 先按间隔重试 pending 请求，再读取一批新请求并依次处理
func (c *AssembleConsumer) consumeRequests(ctx context.Context) error {
	if c.lastRetry.IsZero() || time.Since(c.lastRetry) >= c.retryInterval {
		pending, err := rediscommon.ReadPending(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read pending requests: %w", err)
		}
		c.lastRetry = time.Now()
		if len(pending) > 0 {
			c.logger.Info("Retrying pending assemble requests", zap.Int("count", len(pending)))
		}
		c.handleBatch(ctx, pending)
	}

	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
		c.block,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	c.handleBatch(ctx, messages)
	return nil
}

func (c *AssembleConsumer) handleBatch(ctx context.Context, messages []rediscommon.StreamMessage) {
	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.attempts[msg.ID]++
			if c.attempts[msg.ID] < c.maxAttempts {
				// 不确认，消息留在 pending 列表中等待重试
				c.logger.Error("Failed to process assemble request",
					zap.String("message_id", msg.ID),
					zap.Int("attempt", c.attempts[msg.ID]),
					zap.Error(err),
				)
				continue
			}
			c.logger.Error("Drop assemble request after repeated failures",
				zap.String("message_id", msg.ID),
				zap.Int("attempts", c.attempts[msg.ID]),
				zap.Error(err),
			)
		}
		delete(c.attempts, msg.ID)
		if err := rediscommon.AckMessage(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

func (c *AssembleConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	req, err := ParseRequest(msg)
	if err != nil {
		// 格式错误的消息重试也不会成功，记录后确认
		c.logger.Warn("Drop invalid assemble request",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	c.logger.Info("Processing assemble request",
		zap.String("message_id", msg.ID),
		zap.Int64("device_id", req.DeviceID),
	)
	return c.handler(ctx, req)
}

// ParseRequest 解析消息：优先 data 字段中的 JSON，其次直接读取字段
func ParseRequest(msg rediscommon.StreamMessage) (AssembleRequest, error) {
	var req AssembleRequest
	if dataStr, ok := msg.Values["data"].(string); ok {
		if err := json.Unmarshal([]byte(dataStr), &req); err != nil {
			return req, fmt.Errorf("invalid request payload: %w", err)
		}
	} else if idStr, ok := msg.Values["device_id"].(string); ok {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid device_id %q", idStr)
		}
		req.DeviceID = id
	}

	if req.DeviceID <= 0 {
		return req, fmt.Errorf("invalid request: missing device_id")
	}
	return req, nil
}
