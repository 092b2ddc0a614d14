// Package assembly 将基础文件、库文件和生成的函数组合为输出目录
package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/basicfile"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/blobstore"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/render"
)

// 错误发生的阶段
const (
	OpRead     = "read"
	OpRender   = "render"
	OpWrite    = "write"
	OpFunction = "function"
)

// AssemblyFileError 单个文件失败
type AssemblyFileError struct {
	Path string
	Op   string
	Err  error
}

func (e AssemblyFileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// MarshalJSON 错误以字符串输出
func (e AssemblyFileError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Path  string `json:"path"`
		Op    string `json:"op"`
		Error string `json:"error"`
	}{e.Path, e.Op, msg})
}

func (e AssemblyFileError) Unwrap() error {
	return e.Err
}

// Request 一次生成的输入
type Request struct {
	Device       *models.Device
	Descriptor   *basicfile.Descriptor
	BasicFiles   []models.FileRef
	LibraryFiles [][]models.FileRef
	OutputRoot   string
}

// Report 生成结果，Written 为输出目录内的相对路径（按写入顺序）
type Report struct {
	OutputDir string
	Written   []string
	Errors    []AssemblyFileError
}

// OK 没有任何失败
func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

// SinkFactory 为输出目录创建 Writer
type SinkFactory func(dir string) (blobstore.Writer, error)

// Pipeline 组装流水线
type Pipeline struct {
	store   blobstore.Store
	newSink SinkFactory
	logger  *zap.Logger
}

// Option 可选配置
type Option func(*Pipeline)

// WithSink 替换输出目录的写入方式
func WithSink(f SinkFactory) Option {
	return func(p *Pipeline) {
		p.newSink = f
	}
}

// NewPipeline 创建流水线；store 用于读取基础文件和库文件，并保存设备库文件
func NewPipeline(store blobstore.Store, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		logger: logger,
		newSink: func(dir string) (blobstore.Writer, error) {
			return blobstore.NewFSStore(dir)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Assemble 生成输出目录 OutputRoot/<device name>/，每次生成都整体替换该目录
// 单个文件的失败记录在 Report 中；只有输出目录无法准备或替换时返回 error
func (p *Pipeline) Assemble(ctx context.Context, req Request) (*Report, error) {
	if req.Device == nil || req.Descriptor == nil {
		return nil, fmt.Errorf("device and descriptor are required")
	}
	name := req.Device.Name
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid device name %q: %w", name, blobstore.ErrPathInvalid)
	}

	outDir := filepath.Join(req.OutputRoot, name)
	if err := os.MkdirAll(req.OutputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output root: %w", err)
	}
	// 先写到同级的临时目录，完成后整体替换 outDir，上一次生成的文件不会残留
	staging, err := os.MkdirTemp(req.OutputRoot, "."+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			_ = os.RemoveAll(staging)
		}
	}()
	if err := os.Chmod(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare staging dir: %w", err)
	}
	sink, err := p.newSink(staging)
	if err != nil {
		return nil, fmt.Errorf("failed to open output dir: %w", err)
	}

	report := &Report{OutputDir: outDir}
	renderCtx, errs := BuildContext(req.Device, p.logger)
	report.Errors = append(report.Errors, errs...)

	desc := req.Descriptor
	for _, f := range req.BasicFiles {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch {
		case desc.IsSkipped(f.Path):
			continue
		case desc.IsTemplate(f.Path):
			p.emit(ctx, sink, report, f.Path, f.Handle, func(text string) (string, error) {
				return render.RenderString(f.Path, text, renderCtx)
			})
		default:
			p.emit(ctx, sink, report, f.Path, f.Handle, nil)
		}
	}

	for _, group := range req.LibraryFiles {
		for _, f := range group {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			p.emit(ctx, sink, report, path.Join(desc.LibRoot, f.Path), f.Handle, nil)
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return report, fmt.Errorf("failed to clear output dir: %w", err)
	}
	if err := os.Rename(staging, outDir); err != nil {
		return report, fmt.Errorf("failed to replace output dir: %w", err)
	}
	promoted = true

	if !report.OK() {
		p.logger.Warn("assembly finished with errors",
			zap.String("device", name),
			zap.Int("written", len(report.Written)),
			zap.Int("errors", len(report.Errors)),
		)
	}
	return report, nil
}

// emit 读取、（可选）渲染后写入；内容在内存中完整生成后才写入
func (p *Pipeline) emit(ctx context.Context, sink blobstore.Writer, report *Report, dst, handle string, transform func(string) (string, error)) {
	text, err := p.store.Open(ctx, handle)
	if err != nil {
		report.Errors = append(report.Errors, AssemblyFileError{Path: dst, Op: OpRead, Err: err})
		return
	}
	if transform != nil {
		text, err = transform(text)
		if err != nil {
			report.Errors = append(report.Errors, AssemblyFileError{Path: dst, Op: OpRender, Err: err})
			return
		}
	}
	if err := sink.Write(ctx, dst, text); err != nil {
		report.Errors = append(report.Errors, AssemblyFileError{Path: dst, Op: OpWrite, Err: err})
		return
	}
	report.Written = append(report.Written, dst)
}

// DeviceLibraryFile 设备库文件
type DeviceLibraryFile struct {
	// Name 设备库名称（库根目录下的第一级目录）
	Name string
	File models.FileRef
}

// DeviceLibraryPath 渲染设备库路径模板，返回设备库名称和相对库根目录的文件路径
func DeviceLibraryPath(req Request) (name, rel string, err error) {
	if req.Device == nil || req.Descriptor == nil {
		return "", "", fmt.Errorf("device and descriptor are required")
	}
	tplPath, err := req.Descriptor.DeviceLibTemplate()
	if err != nil {
		return "", "", err
	}
	renderCtx, _ := BuildContext(req.Device, zap.NewNop())
	libPath, err := render.RenderString("device-lib-path", tplPath, renderCtx)
	if err != nil {
		return "", "", err
	}
	if rel, err = relativeTo(req.Descriptor.LibRoot, libPath); err != nil {
		return "", "", err
	}
	return strings.SplitN(rel, "/", 2)[0], rel, nil
}

// MaterializeDeviceLibrary 渲染设备库路径和内容并保存到 store
// existing 不为空时覆盖原有文件，否则生成新的句柄
func (p *Pipeline) MaterializeDeviceLibrary(ctx context.Context, req Request, existing *models.FileRef) (DeviceLibraryFile, error) {
	var out DeviceLibraryFile
	name, rel, err := DeviceLibraryPath(req)
	if err != nil {
		return out, err
	}
	tplPath, _ := req.Descriptor.DeviceLibTemplate()
	renderCtx, _ := BuildContext(req.Device, zap.NewNop())

	var handle string
	for _, f := range req.BasicFiles {
		if f.Path == tplPath {
			handle = f.Handle
			break
		}
	}
	if handle == "" {
		return out, fmt.Errorf("device library template %s not found", tplPath)
	}
	tplText, err := p.store.Open(ctx, handle)
	if err != nil {
		return out, fmt.Errorf("failed to read device library template: %w", err)
	}
	content, err := render.RenderString(tplPath, tplText, renderCtx)
	if err != nil {
		return out, err
	}

	out.Name = name
	out.File = models.FileRef{Path: rel}
	if existing != nil && existing.Handle != "" {
		out.File.Handle = existing.Handle
	} else {
		out.File.Handle = newHandle(rel)
	}
	if err := p.store.Write(ctx, out.File.Handle, content); err != nil {
		return out, fmt.Errorf("failed to save device library file: %w", err)
	}
	return out, nil
}

// relativeTo 返回 p 相对 root 的路径，p 不在 root 下时报错
func relativeTo(root, p string) (string, error) {
	root = path.Clean(strings.TrimSpace(root))
	p = path.Clean(strings.TrimSpace(p))
	if root == "." {
		return p, nil
	}
	rel := strings.TrimPrefix(p, root+"/")
	if rel == p || rel == "" {
		return "", fmt.Errorf("device library path %s is not under lib root %s", p, root)
	}
	return rel, nil
}

// newHandle uploads/<uuid>[.ext]
func newHandle(rel string) string {
	h := "uploads/" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext := path.Ext(rel); len(ext) > 2 {
		h += ext
	}
	return h
}
