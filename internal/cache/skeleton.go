package cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// SkeletonCache 缓存渲染好的新函数骨架
// 模板文本与参数完全相同时渲染结果不变，因此 key 只由输入内容决定
type SkeletonCache struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewSkeletonCache(kv KVStore, prefix string, ttl time.Duration, logger *zap.Logger) *SkeletonCache {
	return &SkeletonCache{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

// Key 对输入做 BLAKE3（每段带长度前缀，避免拼接歧义）
func (c *SkeletonCache) Key(parts ...string) string {
	h := blake3.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return c.prefix + hex.EncodeToString(h.Sum(nil))
}

// GetOrRender 命中缓存时直接返回，否则调用 render 并写回
// 缓存读写失败只记录日志，不影响结果
func (c *SkeletonCache) GetOrRender(ctx context.Context, key string, render func() models.CodeUnit) models.CodeUnit {
	val, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		var u models.CodeUnit
		if jerr := json.Unmarshal([]byte(val), &u); jerr == nil {
			return u
		}
		c.logger.Warn("invalid skeleton cache entry", zap.String("key", key))
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Warn("failed to read skeleton cache", zap.String("key", key), zap.Error(err))
	}

	u := render()
	if err := c.put(ctx, key, u); err != nil {
		c.logger.Warn("failed to write skeleton cache", zap.String("key", key), zap.Error(err))
	}
	return u
}

func (c *SkeletonCache) put(ctx context.Context, key string, u models.CodeUnit) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal skeleton: %w", err)
	}
	return c.kv.Set(ctx, key, string(data), c.ttl)
}
