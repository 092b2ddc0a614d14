package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore 以 root 为根目录的文件存储，写入使用临时文件 + rename
type FSStore struct {
	root  string
	permF os.FileMode
	permD os.FileMode
}

// NewFSStore 创建存储，root 不存在时自动创建
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob store root: %w", err)
	}
	return &FSStore{root: root, permF: 0o644, permD: 0o755}, nil
}

var _ Store = (*FSStore)(nil)

// Root 根目录
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) resolve(p string) (string, error) {
	rel, err := cleanRel(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

func (s *FSStore) Open(ctx context.Context, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(handle)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", handle, ErrNotFound)
		}
		return "", err
	}
	return string(data), nil
}

// Write 目录按需创建；失败时不留下部分写入的文件
func (s *FSStore) Write(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.resolve(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, s.permD); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, s.permF)

	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
