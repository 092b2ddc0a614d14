// Package archive 输出目录的打包与摘要
package archive

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// epoch zip 条目的固定修改时间，保证相同内容得到相同的压缩包
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// digestKey 摘要的域分隔 key（ASCII，0 填充到 32 字节）
var digestKey = [32]byte{
	'd', 'e', 'v', 'i', 'c', 'e', 't', 'a', 'l', 'k', '.', 't', 'r', 'e', 'e',
}

// File 目录中的一个文件
type File struct {
	Path string
	Data []byte
}

// ReadTree 读取目录下所有普通文件，路径使用 / 并排序
func ReadTree(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Digest BLAKE3 摘要：依次写入 路径长度、路径、内容长度、内容
func Digest(files []File) string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("archive: blake3 keyed hash initialization failed: " + err.Error())
	}
	var n [8]byte
	for _, f := range files {
		binary.BigEndian.PutUint64(n[:], uint64(len(f.Path)))
		h.Write(n[:])
		h.Write([]byte(f.Path))
		binary.BigEndian.PutUint64(n[:], uint64(len(f.Data)))
		h.Write(n[:])
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TreeDigest 目录内容的摘要，相同的目录树得到相同的结果
func TreeDigest(dir string) (string, error) {
	files, err := ReadTree(dir)
	if err != nil {
		return "", err
	}
	return Digest(files), nil
}

// Zip 将 dir 打包为 dest，条目以 dir 的目录名为前缀
// 返回目录摘要
func Zip(dir, dest string) (string, error) {
	files, err := ReadTree(dir)
	if err != nil {
		return "", err
	}
	prefix := filepath.Base(filepath.Clean(dir))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		hdr := &zip.FileHeader{
			Name:     path.Join(prefix, f.Path),
			Method:   zip.Deflate,
			Modified: epoch,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			cleanup()
			return "", fmt.Errorf("failed to add %s: %w", f.Path, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return Digest(files), nil
}
