// Package blobstore 文件内容的读取与写入（文件系统 / 内存）
package blobstore

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrPathInvalid 路径为空、绝对路径或越出根目录
	ErrPathInvalid = errors.New("invalid path")
	// ErrNotFound 句柄不存在
	ErrNotFound = errors.New("blob not found")
)

// Reader 按句柄读取文本
type Reader interface {
	Open(ctx context.Context, handle string) (string, error)
}

// Writer 写入文本到相对路径
type Writer interface {
	Write(ctx context.Context, path, text string) error
}

// Store 读写
type Store interface {
	Reader
	Writer
}

// cleanRel 清理相对路径（统一使用 /），拒绝越界
func cleanRel(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrPathInvalid
	}
	rel := path.Clean(p)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrPathInvalid
	}
	return rel, nil
}

// MemoryStore 内存实现（测试和 dry-run 使用）
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemoryStore 可选初始内容
func NewMemoryStore(files map[string]string) *MemoryStore {
	m := &MemoryStore{files: make(map[string]string, len(files))}
	for k, v := range files {
		m.files[k] = v
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Open(ctx context.Context, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := cleanRel(handle)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.files[rel]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

func (m *MemoryStore) Write(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := cleanRel(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.files[rel] = text
	m.mu.Unlock()
	return nil
}

// Files 当前内容的拷贝
func (m *MemoryStore) Files() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}

// Paths 排序后的路径列表
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
