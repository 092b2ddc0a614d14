package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/assembly"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/basicfile"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/dmclient"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/library"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/render"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/repository"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/selection"
)

// loadBasicFile 读取基础文件组及其 config.ini
func (s *CodegenService) loadBasicFile(ctx context.Context, id int64) (*models.BasicFile, *basicfile.Descriptor, error) {
	bf, err := s.repo.GetBasicFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range bf.Files {
		if f.Path != basicfile.ConfigFileName {
			continue
		}
		text, err := s.store.Open(ctx, f.Handle)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", basicfile.ConfigFileName, err)
		}
		desc, err := basicfile.Parse([]byte(text))
		if err != nil {
			return nil, nil, err
		}
		if err := desc.Validate(); err != nil {
			return nil, nil, fmt.Errorf("basic file %d: %w", id, err)
		}
		return bf, desc, nil
	}
	return nil, nil, fmt.Errorf("basic file %d has no %s", id, basicfile.ConfigFileName)
}

// selectStack 加载库栈并计算生效的函数
func (s *CodegenService) selectStack(ctx context.Context, keys []models.LibraryKey) ([]models.StackEntry, selection.Result, error) {
	stack, err := s.repo.LoadStack(ctx, keys)
	if err != nil {
		return nil, selection.Result{}, err
	}
	var fnIDs []int64
	for _, e := range stack {
		if e.Library == nil {
			continue
		}
		for _, fn := range e.Library.Functions {
			fnIDs = append(fnIDs, fn.ID)
		}
	}
	derived := map[int64][]*models.SaFunction{}
	if len(fnIDs) > 0 {
		if derived, err = s.repo.ListDerivedFunctions(ctx, fnIDs); err != nil {
			return nil, selection.Result{}, err
		}
	}
	return stack, selection.Select(selection.Input{Stack: stack, Derived: derived}), nil
}

// dependencies 栈中的静态库，以及设备库依赖的静态库（去重，保持顺序）
func dependencies(stack []models.StackEntry) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range stack {
		switch {
		case e.Library != nil:
			add(e.Library.ID)
		case e.DeviceLibrary != nil:
			for _, id := range e.DeviceLibrary.Dependencies {
				add(id)
			}
		}
	}
	return out
}

func sameOwner(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// saveDeviceLibrary 生成并保存设备库
// 同名设备库属于同一用户时覆盖；已有同名库但属于别人时新建用户自己的库；没有同名库时新建全局库
func (s *CodegenService) saveDeviceLibrary(
	ctx context.Context,
	req assembly.Request,
	bf *models.BasicFile,
	stack []models.StackEntry,
	active []*models.SaFunction,
) (*models.DeviceLibrary, error) {
	device := req.Device
	name, rel, err := assembly.DeviceLibraryPath(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindDeviceLibrary(ctx, bf.ID, name, device.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	dl := &models.DeviceLibrary{
		Name:         name,
		DirPath:      name + "/",
		BasicFileID:  bf.ID,
		VarSetup:     device.VarSetup,
		Functions:    active,
		Dependencies: dependencies(stack),
		Features:     device.Features,
	}
	var prior *models.FileRef
	switch {
	case existing == nil:
		dl.UserID = nil
	case sameOwner(existing.UserID, device.UserID):
		dl.ID = existing.ID
		dl.UserID = existing.UserID
		for i := range existing.Files {
			if existing.Files[i].Path == rel {
				prior = &existing.Files[i]
				break
			}
		}
	default:
		dl.UserID = device.UserID
	}

	file, err := s.pipeline.MaterializeDeviceLibrary(ctx, req, prior)
	if err != nil {
		return nil, err
	}
	dl.Files = []models.FileRef{file.File}
	id, err := s.repo.SaveDeviceLibrary(ctx, dl)
	if err != nil {
		return nil, err
	}
	dl.ID = id

	s.logger.Info("Device library saved",
		zap.Int64("device_library_id", id),
		zap.String("name", name),
		zap.Bool("overwrite", prior != nil),
		zap.Int("functions", len(active)),
	)
	return dl, nil
}

// Selection 计算库栈的选择结果（不保存）
func (s *CodegenService) Selection(ctx context.Context, keys []models.LibraryKey) (selection.Result, error) {
	_, res, err := s.selectStack(ctx, keys)
	return res, err
}

// Catalog 库栈中可导入的库函数
func (s *CodegenService) Catalog(ctx context.Context, keys []models.LibraryKey) ([]selection.CatalogEntry, error) {
	res, err := s.Selection(ctx, keys)
	if err != nil {
		return nil, err
	}
	return res.Catalog, nil
}

// NewFunctionRequest 新建函数所需参数
type NewFunctionRequest struct {
	BasicFileID int64
	Direction   models.DfDirection
	Params      []string
	// LibraryID 和 LibraryFunctionID 同时大于 0 时从库函数生成
	LibraryID         int64
	LibraryFunctionID int64
}

// NewFunction 生成新函数的骨架
func (s *CodegenService) NewFunction(ctx context.Context, req NewFunctionRequest) (render.FunctionContent, error) {
	bf, desc, err := s.loadBasicFile(ctx, req.BasicFileID)
	if err != nil {
		return render.FunctionContent{}, err
	}

	if req.LibraryID > 0 && req.LibraryFunctionID > 0 {
		lib, err := s.repo.GetLibrary(ctx, req.LibraryID)
		if err != nil {
			return render.FunctionContent{}, err
		}
		for i := range lib.Functions {
			if lib.Functions[i].ID == req.LibraryFunctionID {
				return render.LibraryFunctionContent(ctx, s.store, bf, desc, &lib.Functions[i], lib.Name, req.Direction, req.Params), nil
			}
		}
		return render.FunctionContent{}, fmt.Errorf("library function %d not found in library %d: %w",
			req.LibraryFunctionID, req.LibraryID, repository.ErrNotFound)
	}

	renderFn := func() models.CodeUnit {
		return render.NewFunctionSkeleton(ctx, s.store, bf, desc, req.Direction, req.Params, nil, nil)
	}
	handle := templateHandle(bf, desc, req.Direction)
	if s.skeletons == nil || handle == "" {
		return render.NewFunctionContent(renderFn()), nil
	}
	key := s.skeletons.Key(handle, string(req.Direction), strings.Join(req.Params, ","))
	return render.NewFunctionContent(s.skeletons.GetOrRender(ctx, key, renderFn)), nil
}

// templateHandle 新函数模板的句柄，找不到时为空
func templateHandle(bf *models.BasicFile, desc *basicfile.Descriptor, dir models.DfDirection) string {
	p, err := desc.NewFunctionTemplate(dir)
	if err != nil {
		return ""
	}
	for _, f := range bf.Files {
		if f.Path == p {
			return f.Handle
		}
	}
	return ""
}

// FunctionContent 已保存函数的编辑内容
func (s *CodegenService) FunctionContent(ctx context.Context, id int64) (render.FunctionContent, error) {
	fn, err := s.repo.GetSaFunction(ctx, id)
	if err != nil {
		return render.FunctionContent{}, err
	}
	return render.SaFunctionContent(fn), nil
}

// SaveFunction 保存函数，返回实际保存的 ID（共享函数内容改变时会得到新 ID）
func (s *CodegenService) SaveFunction(ctx context.Context, fn *models.SaFunction) (int64, error) {
	if fn == nil {
		return 0, fmt.Errorf("function is required")
	}
	if fn.ID <= 0 {
		return s.repo.CreateSaFunction(ctx, fn)
	}
	return s.repo.SaveSaFunction(ctx, fn)
}

// ImportLibrary 上传本地库目录并建立库
func (s *CodegenService) ImportLibrary(ctx context.Context, basicFileID int64, dir string) (*models.Library, error) {
	_, desc, err := s.loadBasicFile(ctx, basicFileID)
	if err != nil {
		return nil, err
	}
	files, err := library.UploadDir(ctx, s.store, dir)
	if err != nil {
		return nil, err
	}
	lib, err := s.importer.Import(ctx, basicFileID, desc.ExampleDir, files)
	if err != nil {
		return nil, err
	}
	if lib.ID, err = s.repo.CreateLibrary(ctx, lib); err != nil {
		return nil, err
	}
	s.logger.Info("Library imported",
		zap.Int64("library_id", lib.ID),
		zap.String("name", lib.Name),
		zap.Int("functions", len(lib.Functions)),
		zap.Int("files", len(lib.Files)),
	)
	return lib, nil
}

// DeviceModel 读取设备对象
func (s *CodegenService) DeviceModel(ctx context.Context, projectID, doID string) (*dmclient.DeviceObject, error) {
	if s.dm == nil {
		return nil, fmt.Errorf("device model service not configured")
	}
	return s.dm.FetchDeviceObject(ctx, projectID, doID)
}

// DeviceRequest 建立或更新设备
type DeviceRequest struct {
	// ID 大于 0 时更新已有设备
	ID           int64
	Name         string
	UserID       *int64
	BasicFileID  int64
	ServerURL    string
	DeviceAddr   string
	PushInterval float64
	ProjectID    string
	DeviceObject string
	LibraryStack []models.LibraryKey
	VarSetup     models.VarSetupBlock
}

// RegisterDevice 从设备对象建立设备，已有设备的函数关系按功能名称保留
func (s *CodegenService) RegisterDevice(ctx context.Context, req DeviceRequest) (*models.Device, error) {
	obj, err := s.DeviceModel(ctx, req.ProjectID, req.DeviceObject)
	if err != nil {
		return nil, err
	}

	device := &models.Device{
		ID:           req.ID,
		Name:         req.Name,
		DMName:       obj.DM.Name,
		UserID:       req.UserID,
		BasicFileID:  req.BasicFileID,
		ServerURL:    req.ServerURL,
		DeviceAddr:   req.DeviceAddr,
		PushInterval: req.PushInterval,
		VarSetup:     req.VarSetup,
		LibraryStack: req.LibraryStack,
		Features:     obj.Features(),
		UsedFeatures: obj.UsedFeatures(),
	}
	if device.Name == "" {
		device.Name = obj.DM.Name
	}

	if req.ID > 0 {
		prev, err := s.repo.GetDevice(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		carryRelations(device, prev)
		device.FunctionIDs = prev.FunctionIDs
	}

	if device.ID, err = s.repo.SaveDevice(ctx, device); err != nil {
		return nil, err
	}
	s.logger.Info("Device registered",
		zap.Int64("device_id", device.ID),
		zap.String("device", device.Name),
		zap.String("dm_name", device.DMName),
		zap.Int("features", len(device.Features)),
	)
	return device, nil
}

// carryRelations 方向和名称相同的功能沿用原有的函数关系
func carryRelations(device, prev *models.Device) {
	old := make(map[string][]models.FunctionRelation, len(prev.Features))
	for _, f := range prev.Features {
		old[string(f.Type.Direction)+"/"+f.Name] = f.Relations
	}
	for i := range device.Features {
		f := &device.Features[i]
		if rels, ok := old[string(f.Type.Direction)+"/"+f.Name]; ok {
			f.Relations = rels
		}
	}
}
