package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/blobstore"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/config"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/consumer"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/dmclient"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/notify"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/render"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/repository"
)

// MockRepository 是 Repository 的 mock 实现
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetBasicFile(ctx context.Context, id int64) (*models.BasicFile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BasicFile), args.Error(1)
}

func (m *MockRepository) GetLibrary(ctx context.Context, id int64) (*models.Library, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Library), args.Error(1)
}

func (m *MockRepository) CreateLibrary(ctx context.Context, lib *models.Library) (int64, error) {
	args := m.Called(ctx, lib)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) FindDeviceLibrary(ctx context.Context, basicFileID int64, name string, userID *int64) (*models.DeviceLibrary, error) {
	args := m.Called(ctx, basicFileID, name, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DeviceLibrary), args.Error(1)
}

func (m *MockRepository) SaveDeviceLibrary(ctx context.Context, dl *models.DeviceLibrary) (int64, error) {
	args := m.Called(ctx, dl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) LoadStack(ctx context.Context, keys []models.LibraryKey) ([]models.StackEntry, error) {
	args := m.Called(ctx, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StackEntry), args.Error(1)
}

func (m *MockRepository) ListDerivedFunctions(ctx context.Context, libraryFunctionIDs []int64) (map[int64][]*models.SaFunction, error) {
	args := m.Called(ctx, libraryFunctionIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64][]*models.SaFunction), args.Error(1)
}

func (m *MockRepository) ListLibraryFiles(ctx context.Context, libraryIDs []int64) ([][]models.FileRef, error) {
	args := m.Called(ctx, libraryIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]models.FileRef), args.Error(1)
}

func (m *MockRepository) GetSaFunction(ctx context.Context, id int64) (*models.SaFunction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SaFunction), args.Error(1)
}

func (m *MockRepository) CreateSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error) {
	args := m.Called(ctx, fn)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) SaveSaFunction(ctx context.Context, fn *models.SaFunction) (int64, error) {
	args := m.Called(ctx, fn)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Device), args.Error(1)
}

func (m *MockRepository) SaveDevice(ctx context.Context, d *models.Device) (int64, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) SaveDeviceSelection(ctx context.Context, deviceID int64, functionIDs []int64, vs models.VarSetupBlock) error {
	args := m.Called(ctx, deviceID, functionIDs, vs)
	return args.Error(0)
}

type fakeLocker struct {
	acquired []int64
	released int
	err      error
}

func (f *fakeLocker) Acquire(ctx context.Context, deviceID int64) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, deviceID)
	return func() { f.released++ }, nil
}

type fakeNotifier struct {
	events []notify.BuildEvent
	err    error
}

func (f *fakeNotifier) PublishBuild(ev notify.BuildEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

type fakeSkeletons struct {
	keys  []string
	units map[string]models.CodeUnit
}

func (f *fakeSkeletons) Key(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += p + "|"
	}
	return key
}

func (f *fakeSkeletons) GetOrRender(ctx context.Context, key string, render func() models.CodeUnit) models.CodeUnit {
	f.keys = append(f.keys, key)
	if u, ok := f.units[key]; ok {
		return u
	}
	u := render()
	f.units[key] = u
	return u
}

type fakeDM struct {
	obj *dmclient.DeviceObject
	err error
}

func (f *fakeDM) FetchDeviceObject(ctx context.Context, projectID, doID string) (*dmclient.DeviceObject, error) {
	return f.obj, f.err
}

const configINI = `[templates]
sa = SA.py
safuncs = libraries/{{ .SA.DeviceName }}_library/funcs.py
[new-function]
IDF = idf.tpl
ODF = odf.tpl
[manual]
url = https://example.org
[lib]
root = libraries/
example-dir = examples/
`

const basicFileID int64 = 10

func newStore() *blobstore.MemoryStore {
	return blobstore.NewMemoryStore(map[string]string{
		"bf/config.ini": configINI,
		"bf/SA.py":      "# {{ .SA.DeviceName }}\n{{ .SA.GlobalVariableSetup }}\n",
		"bf/idf.tpl":    "def {*df_name*}():\n{{ if .LibRef.IsRef }}    {{ .LibRef.LibraryName }}.{{ .LibRef.FunctionName }}(){{ else }}    pass{{ end }}\n# {{ .Params.Len }}",
		"bf/odf.tpl":    "def {*df_name*}(v):\n    pass",
		"bf/funcs.tpl":  "# functions of {{ .SA.DeviceName }}\n",
		"lib/gpio.py":   "GPIO = 1\n",
	})
}

func basicFile() *models.BasicFile {
	return &models.BasicFile{
		ID:   basicFileID,
		Name: "python",
		Files: []models.FileRef{
			{Path: "config.ini", Handle: "bf/config.ini"},
			{Path: "SA.py", Handle: "bf/SA.py"},
			{Path: "idf.tpl", Handle: "bf/idf.tpl"},
			{Path: "odf.tpl", Handle: "bf/odf.tpl"},
			{Path: "libraries/{{ .SA.DeviceName }}_library/funcs.py", Handle: "bf/funcs.tpl"},
		},
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Codegen.OutputRoot = filepath.Join(t.TempDir(), "out")
	cfg.Codegen.ArchiveRoot = filepath.Join(t.TempDir(), "archives")
	return cfg
}

func int64p(n int64) *int64 { return &n }

func testDevice() *models.Device {
	return &models.Device{
		ID:           1,
		Name:         "Dummy",
		DMName:       "DummyModel",
		UserID:       int64p(7),
		BasicFileID:  basicFileID,
		ServerURL:    "http://iottalk:9999",
		VarSetup:     models.NewVarSetupBlock("import time", []int{0}),
		LibraryStack: []models.LibraryKey{{Kind: models.KindLibrary, ID: 5}},
	}
}

func gpioStack() []models.StackEntry {
	return []models.StackEntry{{Library: &models.Library{
		ID:          5,
		Name:        "gpio",
		BasicFileID: basicFileID,
		Functions:   []models.LibraryFunction{{ID: 50, LibraryID: 5, Name: "blink"}},
	}}}
}

func expectBuild(repo *MockRepository, device *models.Device) {
	repo.On("GetDevice", mock.Anything, device.ID).Return(device, nil)
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(basicFile(), nil)
	repo.On("LoadStack", mock.Anything, device.LibraryStack).Return(gpioStack(), nil)
	repo.On("ListDerivedFunctions", mock.Anything, []int64{50}).Return(map[int64][]*models.SaFunction{}, nil)
	repo.On("SaveDeviceSelection", mock.Anything, device.ID, mock.Anything, device.VarSetup).Return(nil)
	repo.On("ListLibraryFiles", mock.Anything, []int64{5}).
		Return([][]models.FileRef{{{Path: "gpio/gpio.py", Handle: "lib/gpio.py"}}}, nil)
}

func TestAssembleDevice_NewGlobalDeviceLibrary(t *testing.T) {
	repo := new(MockRepository)
	store := newStore()
	locker := &fakeLocker{}
	notifier := &fakeNotifier{}
	device := testDevice()
	expectBuild(repo, device)

	repo.On("FindDeviceLibrary", mock.Anything, basicFileID, "Dummy_library", device.UserID).
		Return(nil, repository.ErrNotFound)
	repo.On("SaveDeviceLibrary", mock.Anything, mock.MatchedBy(func(dl *models.DeviceLibrary) bool {
		return dl.ID == 0 && dl.UserID == nil && dl.Name == "Dummy_library" &&
			assert.ObjectsAreEqual([]int64{5}, dl.Dependencies) &&
			len(dl.Files) == 1 && dl.Files[0].Path == "Dummy_library/funcs.py"
	})).Return(int64(99), nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{
		Repo:     repo,
		Store:    store,
		Lock:     locker,
		Notifier: notifier,
	})

	res, err := svc.AssembleDevice(context.Background(), device.ID)
	require.NoError(t, err)
	repo.AssertExpectations(t)

	assert.Equal(t, []int64{1}, locker.acquired)
	assert.Equal(t, 1, locker.released)
	assert.Empty(t, res.Errors)
	assert.Contains(t, res.Written, "SA.py")
	assert.Contains(t, res.Written, "libraries/gpio/gpio.py")
	assert.Contains(t, res.Written, "libraries/Dummy_library/funcs.py")
	assert.FileExists(t, res.Archive)
	assert.NotEmpty(t, res.Digest)

	data, err := os.ReadFile(filepath.Join(res.OutputDir, "libraries", "Dummy_library", "funcs.py"))
	require.NoError(t, err)
	assert.Equal(t, "# functions of Dummy\n", string(data))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, int64(1), notifier.events[0].DeviceID)
	assert.Equal(t, res.Digest, notifier.events[0].Digest)
	assert.Equal(t, len(res.Written), notifier.events[0].Written)
}

func TestAssembleDevice_OverwritesOwnDeviceLibrary(t *testing.T) {
	repo := new(MockRepository)
	store := newStore()
	device := testDevice()
	expectBuild(repo, device)

	existing := &models.DeviceLibrary{
		ID:          42,
		Name:        "Dummy_library",
		BasicFileID: basicFileID,
		UserID:      int64p(7),
		Files:       []models.FileRef{{Path: "Dummy_library/funcs.py", Handle: "dl/old.py"}},
	}
	repo.On("FindDeviceLibrary", mock.Anything, basicFileID, "Dummy_library", device.UserID).Return(existing, nil)
	repo.On("SaveDeviceLibrary", mock.Anything, mock.MatchedBy(func(dl *models.DeviceLibrary) bool {
		return dl.ID == 42 && dl.UserID != nil && *dl.UserID == 7 && dl.Files[0].Handle == "dl/old.py"
	})).Return(int64(42), nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: store})
	_, err := svc.AssembleDevice(context.Background(), device.ID)
	require.NoError(t, err)
	repo.AssertExpectations(t)

	assert.Equal(t, "# functions of Dummy\n", store.Files()["dl/old.py"])
}

func TestAssembleDevice_OtherOwnerCreatesUserLibrary(t *testing.T) {
	repo := new(MockRepository)
	device := testDevice()
	expectBuild(repo, device)

	global := &models.DeviceLibrary{ID: 3, Name: "Dummy_library", BasicFileID: basicFileID}
	repo.On("FindDeviceLibrary", mock.Anything, basicFileID, "Dummy_library", device.UserID).Return(global, nil)
	repo.On("SaveDeviceLibrary", mock.Anything, mock.MatchedBy(func(dl *models.DeviceLibrary) bool {
		return dl.ID == 0 && dl.UserID != nil && *dl.UserID == 7
	})).Return(int64(43), nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})
	_, err := svc.AssembleDevice(context.Background(), device.ID)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestAssembleDevice_Locked(t *testing.T) {
	repo := new(MockRepository)
	lockErr := errors.New("device 1 is being built")
	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{
		Repo:  repo,
		Store: newStore(),
		Lock:  &fakeLocker{err: lockErr},
	})

	_, err := svc.AssembleDevice(context.Background(), 1)
	assert.ErrorIs(t, err, lockErr)
	repo.AssertNotCalled(t, "GetDevice", mock.Anything, mock.Anything)
}

func TestAssembleDevice_NotifyFailureIgnored(t *testing.T) {
	repo := new(MockRepository)
	device := testDevice()
	expectBuild(repo, device)
	repo.On("FindDeviceLibrary", mock.Anything, basicFileID, "Dummy_library", device.UserID).
		Return(nil, repository.ErrNotFound)
	repo.On("SaveDeviceLibrary", mock.Anything, mock.Anything).Return(int64(99), nil)

	notifier := &fakeNotifier{err: errors.New("broker down")}
	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore(), Notifier: notifier})

	_, err := svc.AssembleDevice(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Len(t, notifier.events, 1)
}

func TestHandleRequest_MissingDeviceDropped(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetDevice", mock.Anything, int64(404)).Return(nil, repository.ErrNotFound)
	repo.On("GetDevice", mock.Anything, int64(500)).Return(nil, errors.New("connection reset"))

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})
	assert.NoError(t, svc.handleRequest(context.Background(), consumer.AssembleRequest{DeviceID: 404}))
	assert.Error(t, svc.handleRequest(context.Background(), consumer.AssembleRequest{DeviceID: 500}))
}

func TestLoadBasicFile_MissingConfig(t *testing.T) {
	repo := new(MockRepository)
	bf := basicFile()
	bf.Files = bf.Files[1:]
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(bf, nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})
	_, _, err := svc.loadBasicFile(context.Background(), basicFileID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.ini")
}

func TestDependencies(t *testing.T) {
	stack := []models.StackEntry{
		{Library: &models.Library{ID: 5}},
		{DeviceLibrary: &models.DeviceLibrary{ID: 9, Dependencies: []int64{6, 5}}},
		{Library: &models.Library{ID: 6}},
	}
	assert.Equal(t, []int64{5, 6}, dependencies(stack))
}

func TestNewFunction_CachedSkeleton(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(basicFile(), nil)
	skeletons := &fakeSkeletons{units: map[string]models.CodeUnit{}}

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore(), Skeletons: skeletons})
	req := NewFunctionRequest{BasicFileID: basicFileID, Direction: models.DfInput, Params: []string{"float", "int"}}

	first, err := svc.NewFunction(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.NewFunction(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(-1), first.FuncID)
	assert.Equal(t, "def {*df_name*}():\n    pass\n# 2", first.Code)
	assert.Equal(t, models.LineSet{0, 1, 2}, first.ReadonlyLines)
	require.Len(t, skeletons.keys, 2)
	assert.Equal(t, "bf/idf.tpl|idf|float,int|", skeletons.keys[0])
}

func TestNewFunction_FromLibraryFunction(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(basicFile(), nil)
	repo.On("GetLibrary", mock.Anything, int64(5)).Return(gpioStack()[0].Library, nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})
	content, err := svc.NewFunction(context.Background(), NewFunctionRequest{
		BasicFileID:       basicFileID,
		Direction:         models.DfInput,
		LibraryID:         5,
		LibraryFunctionID: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), content.FuncID)
	assert.Contains(t, content.Code, "gpio.blink()")

	_, err = svc.NewFunction(context.Background(), NewFunctionRequest{
		BasicFileID:       basicFileID,
		Direction:         models.DfInput,
		LibraryID:         5,
		LibraryFunctionID: 51,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNewFunction_MissingTemplateNotCached(t *testing.T) {
	repo := new(MockRepository)
	bf := basicFile()
	bf.Files = bf.Files[:2]
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(bf, nil)
	skeletons := &fakeSkeletons{units: map[string]models.CodeUnit{}}

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore(), Skeletons: skeletons})
	content, err := svc.NewFunction(context.Background(), NewFunctionRequest{BasicFileID: basicFileID, Direction: models.DfOutput})
	require.NoError(t, err)
	assert.Equal(t, render.SkeletonPlaceholder, content.Code)
	assert.Empty(t, skeletons.keys)
}

func TestSaveFunction(t *testing.T) {
	repo := new(MockRepository)
	fresh := &models.SaFunction{Name: "acc"}
	existing := &models.SaFunction{ID: 8, Name: "acc"}
	repo.On("CreateSaFunction", mock.Anything, fresh).Return(int64(11), nil)
	repo.On("SaveSaFunction", mock.Anything, existing).Return(int64(12), nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})

	id, err := svc.SaveFunction(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	id, err = svc.SaveFunction(context.Background(), existing)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = svc.SaveFunction(context.Background(), nil)
	assert.Error(t, err)
}

func TestFunctionContent(t *testing.T) {
	repo := new(MockRepository)
	fn := &models.SaFunction{
		ID:            8,
		Name:          "acc",
		Code:          "def {*df_name*}():\n    return 1",
		ReadonlyLines: models.LineSet{0},
		LibraryRef:    &models.LibraryRef{FunctionID: 50, LibraryID: 5},
	}
	repo.On("GetSaFunction", mock.Anything, int64(8)).Return(fn, nil)

	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore()})
	content, err := svc.FunctionContent(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), content.FuncID)
	assert.Equal(t, int64(50), content.LibraryRef)
	assert.Equal(t, models.LineSet{0}, content.ReadonlyLines)
}

func TestImportLibrary(t *testing.T) {
	repo := new(MockRepository)
	repo.On("GetBasicFile", mock.Anything, basicFileID).Return(basicFile(), nil)
	repo.On("CreateLibrary", mock.Anything, mock.MatchedBy(func(lib *models.Library) bool {
		return lib.Name == "gpio" && len(lib.Files) == 1 && lib.Files[0].Path == "gpio/gpio.py"
	})).Return(int64(5), nil)

	dir := filepath.Join(t.TempDir(), "gpio")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "gpio"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gpio", "gpio.py"), []byte("GPIO = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	store := newStore()
	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: store})
	lib, err := svc.ImportLibrary(context.Background(), basicFileID, dir)
	require.NoError(t, err)
	repo.AssertExpectations(t)

	assert.Equal(t, int64(5), lib.ID)
	assert.Equal(t, "GPIO = 1\n", store.Files()[lib.Files[0].Handle])
}

func TestRegisterDevice_CarriesRelations(t *testing.T) {
	repo := new(MockRepository)
	acc := &models.SaFunction{ID: 8, Name: "acc"}
	prev := testDevice()
	prev.FunctionIDs = []int64{8}
	prev.Features = []models.DeviceFeature{{
		Name:      "Acc-I",
		Type:      models.DfType{Direction: models.DfInput, Params: []string{"float"}},
		Relations: []models.FunctionRelation{{Function: acc, Selected: true}},
	}}
	repo.On("GetDevice", mock.Anything, int64(1)).Return(prev, nil)
	repo.On("SaveDevice", mock.Anything, mock.Anything).Return(int64(1), nil)

	dm := &fakeDM{obj: &dmclient.DeviceObject{
		DM:  dmclient.DeviceModel{Name: "DummyModel", ID: 3},
		IDF: []dmclient.DeviceFeatureInfo{{Name: "Acc-I", DfType: []string{"float"}, Used: true}},
		ODF: []dmclient.DeviceFeatureInfo{{Name: "Acc-I", DfType: []string{"int"}}},
	}}
	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: repo, Store: newStore(), DM: dm})

	device, err := svc.RegisterDevice(context.Background(), DeviceRequest{
		ID:           1,
		BasicFileID:  basicFileID,
		ProjectID:    "1",
		DeviceObject: "2",
	})
	require.NoError(t, err)

	assert.Equal(t, "DummyModel", device.Name)
	assert.Equal(t, []string{"Acc-I"}, device.UsedFeatures)
	assert.Equal(t, []int64{8}, device.FunctionIDs)
	require.Len(t, device.Features, 2)
	assert.Len(t, device.Features[0].Relations, 1)
	assert.Empty(t, device.Features[1].Relations)
}

func TestDeviceModel_NotConfigured(t *testing.T) {
	svc := NewCodegenService(testConfig(t), zap.NewNop(), Options{Repo: new(MockRepository), Store: newStore()})
	_, err := svc.DeviceModel(context.Background(), "1", "2")
	assert.Error(t, err)

	_, err = svc.RequestAssembly(context.Background(), 1)
	assert.Error(t, err)
}
