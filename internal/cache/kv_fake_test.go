package cache_test

import (
	"context"
	"sync"
	"time"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/cache"
)

// fakeKVStore 仅用于单元测试（内存 KV + TTL）
type fakeKVStore struct {
	mu   sync.Mutex
	data map[string]fakeKVItem
	gets int
}

type fakeKVItem struct {
	value   string
	expires time.Time // zero = no ttl
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{
		data: make(map[string]fakeKVItem),
	}
}

func (f *fakeKVStore) lookup(key string) (fakeKVItem, bool) {
	item, ok := f.data[key]
	if !ok {
		return item, false
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(f.data, key)
		return item, false
	}
	return item, true
}

func (f *fakeKVStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	item, ok := f.lookup(key)
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return item.value, nil
}

func (f *fakeKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.data[key] = fakeKVItem{value: value, expires: exp}
	return nil
}

func (f *fakeKVStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	if _, ok := f.lookup(key); ok {
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return true, f.Set(ctx, key, value, ttl)
}

func (f *fakeKVStore) DelIfEqual(ctx context.Context, key string, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.lookup(key)
	if !ok || item.value != value {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}
