package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams（字段: data, timestamp）
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
}

// ReadFromStream 从 Redis Streams 读取新消息（XREADGROUP ">"，阻塞 block）
func ReadFromStream(ctx context.Context, client *redis.Client, stream, consumerGroup, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	return readGroup(ctx, client, stream, consumerGroup, consumer, ">", count, block)
}

// ReadPending 重新读取本消费者已投递但未确认的消息（XREADGROUP "0"，不阻塞）
// 每次读取都会增加消息的投递次数
func ReadPending(ctx context.Context, client *redis.Client, stream, consumerGroup, consumer string, count int64) ([]StreamMessage, error) {
	// Block < 0 时不发送 BLOCK 参数
	return readGroup(ctx, client, stream, consumerGroup, consumer, "0", count, -1)
}

func readGroup(ctx context.Context, client *redis.Client, stream, consumerGroup, consumer, id string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// AckMessage 确认消息
func AckMessage(ctx context.Context, client *redis.Client, stream, consumerGroup, id string) error {
	return client.XAck(ctx, stream, consumerGroup, id).Err()
}

// CreateConsumerGroup 创建消费者组（stream 不存在时一并创建，组已存在视为成功）
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
