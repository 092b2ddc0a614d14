package library

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/blobstore"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// Importer 将上传的文件整理为 Library
type Importer struct {
	store  blobstore.Store
	logger *zap.Logger
}

// NewImporter 创建导入器
func NewImporter(store blobstore.Store, logger *zap.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// Import 根据上传文件构建库
// 文件路径均以库名开头：
//   - <lib>/<lib>/... 为库文件，路径去掉第一级后保存
//   - <lib>/<example-dir>... 为示例文件，解析为库函数；gvs 文件为全局变量设置
//   - 其他文件忽略
func (im *Importer) Import(ctx context.Context, basicFileID int64, exampleDir string, files []models.FileRef) (*models.Library, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files uploaded")
	}
	name := strings.SplitN(files[0].Path, "/", 2)[0]
	if name == "" {
		return nil, fmt.Errorf("invalid library file path %q", files[0].Path)
	}

	lib := &models.Library{
		Name:        name,
		DirPath:     name + "/",
		BasicFileID: basicFileID,
	}
	libPrefix := name + "/" + name + "/"
	examplePrefix := name + "/" + exampleDir

	for _, f := range files {
		switch {
		case strings.HasPrefix(f.Path, libPrefix):
			lib.Files = append(lib.Files, models.FileRef{
				Path:   strings.SplitN(f.Path, "/", 2)[1],
				Handle: f.Handle,
			})
		case exampleDir != "" && strings.HasPrefix(f.Path, examplePrefix):
			if err := im.addExample(ctx, lib, f); err != nil {
				return nil, err
			}
		default:
			im.logger.Debug("ignore uploaded file", zap.String("library", name), zap.String("path", f.Path))
		}
	}
	return lib, nil
}

func (im *Importer) addExample(ctx context.Context, lib *models.Library, f models.FileRef) error {
	text, err := im.store.Open(ctx, f.Handle)
	if err != nil {
		return fmt.Errorf("failed to read example %s: %w", f.Path, err)
	}
	base := path.Base(f.Path)
	fnName := strings.SplitN(base, ".", 2)[0]
	sections := ParseExample(text)

	if fnName == GVSFileName {
		vs, err := sections.VarSetup()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", f.Path, err)
		}
		lib.VarSetup = vs
		return nil
	}

	fields, ok := sections.Fields()
	if !ok {
		return nil
	}
	lib.Functions = append(lib.Functions, models.LibraryFunction{
		LibraryID: lib.ID,
		Name:      fnName,
		Fields:    fields,
	})
	return nil
}

// UploadDir 将本地库目录写入 store，返回以目录名开头的文件列表（按路径排序）
func UploadDir(ctx context.Context, store blobstore.Writer, dir string) ([]models.FileRef, error) {
	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)

	var files []models.FileRef
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		handle := "uploads/" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if ext := path.Ext(rel); len(ext) > 2 {
			handle += ext
		}
		if err := store.Write(ctx, handle, string(data)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", rel, err)
		}
		files = append(files, models.FileRef{Path: rel, Handle: handle})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
