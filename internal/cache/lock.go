package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLocked 设备正在被其他进程构建
var ErrLocked = errors.New("build in progress")

// BuildLock 跨进程的设备构建锁
type BuildLock struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewBuildLock 创建构建锁，key 为 <prefix><device id>
func NewBuildLock(kv KVStore, prefix string, ttl time.Duration, logger *zap.Logger) *BuildLock {
	return &BuildLock{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

// Key 设备的锁 key
func (l *BuildLock) Key(deviceID int64) string {
	return fmt.Sprintf("%s%d", l.prefix, deviceID)
}

// Acquire 获取锁；已被占用时返回 ErrLocked
// 返回的 release 只会删除自己持有的锁（锁过期后被别人拿到时不删除）
func (l *BuildLock) Acquire(ctx context.Context, deviceID int64) (release func(), err error) {
	key := l.Key(deviceID)
	token := uuid.NewString()

	ok, err := l.kv.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire build lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, ErrLocked)
	}

	release = func() {
		// 调用方的 ctx 可能已取消
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deleted, err := l.kv.DelIfEqual(rctx, key, token)
		if err != nil {
			l.logger.Warn("failed to release build lock", zap.String("key", key), zap.Error(err))
			return
		}
		if !deleted {
			l.logger.Warn("build lock expired before release", zap.String("key", key))
		}
	}
	return release, nil
}
