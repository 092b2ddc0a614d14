// Package selection 根据库栈决定生效的函数、设备功能和变量设置
package selection

import (
	"sort"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/varsetup"
)

// Input 选择所需的数据
type Input struct {
	// Stack 按用户选择顺序排列
	Stack []models.StackEntry
	// Derived 库函数 ID -> 由它派生的所有 SaFunction
	Derived map[int64][]*models.SaFunction
}

// CatalogEntry 可导入函数的库
type CatalogEntry struct {
	Key       models.LibraryKey
	Name      string
	Functions []models.LibraryFunction
}

// Features 按方向分组的设备功能
type Features struct {
	Inputs  []models.DeviceFeature
	Outputs []models.DeviceFeature
}

// Result 选择结果
type Result struct {
	ActiveFunctions []*models.SaFunction
	Features        Features
	Catalog         []CatalogEntry
	VarSetup        models.VarSetupBlock
	// Excluded 因库不在栈中而被排除的函数
	Excluded []*models.SaFunction
}

type featureKey struct {
	dir  models.DfDirection
	name string
}

type selector struct {
	libraries map[int64]bool
	names     map[string]bool
	claimed   map[int64]bool
	features  map[featureKey]bool
	merger    varsetup.Merger
	res       Result
}

// Select 从栈顶（最后加入的库）往下处理
// 输入不会被修改，相同输入得到相同结果
func Select(in Input) Result {
	s := &selector{
		libraries: make(map[int64]bool),
		names:     make(map[string]bool),
		claimed:   make(map[int64]bool),
		features:  make(map[featureKey]bool),
	}
	for _, e := range in.Stack {
		if e.Library != nil {
			s.libraries[e.Library.ID] = true
		}
	}

	for i := len(in.Stack) - 1; i >= 0; i-- {
		s.visit(in.Stack[i])
	}
	for i := len(in.Stack) - 1; i >= 0; i-- {
		if lib := in.Stack[i].Library; lib != nil {
			s.repair(lib, in.Derived)
		}
	}

	s.res.VarSetup = s.merger.Block()
	return s.res
}

func (s *selector) visit(e models.StackEntry) {
	s.merger.Add(e.VarSetup())

	for _, fn := range e.SaFunctions() {
		if fn == nil || s.names[fn.Name] {
			continue
		}
		if fn.LibraryRef != nil && !s.libraries[fn.LibraryRef.LibraryID] {
			s.res.Excluded = append(s.res.Excluded, fn)
			continue
		}
		s.accept(fn)
	}

	for _, f := range e.Features() {
		k := featureKey{dir: f.Type.Direction, name: f.Name}
		if s.features[k] {
			continue
		}
		s.features[k] = true
		switch f.Type.Direction {
		case models.DfInput:
			s.res.Features.Inputs = append(s.res.Features.Inputs, f)
		case models.DfOutput:
			s.res.Features.Outputs = append(s.res.Features.Outputs, f)
		}
	}

	if lib := e.Library; lib != nil && len(lib.Functions) > 0 {
		s.res.Catalog = append(s.res.Catalog, CatalogEntry{
			Key:       lib.Key(),
			Name:      lib.Name,
			Functions: append([]models.LibraryFunction(nil), lib.Functions...),
		})
	}
}

func (s *selector) accept(fn *models.SaFunction) {
	s.names[fn.Name] = true
	s.res.ActiveFunctions = append(s.res.ActiveFunctions, fn)
	if fn.LibraryRef != nil {
		s.claimed[fn.LibraryRef.FunctionID] = true
	}
}

// repair 保证库中被派生过的库函数至少有一个生效的 SaFunction
func (s *selector) repair(lib *models.Library, derived map[int64][]*models.SaFunction) {
	for _, lf := range lib.Functions {
		if s.claimed[lf.ID] {
			continue
		}
		fn := latest(derived[lf.ID])
		if fn == nil {
			continue
		}
		s.claimed[lf.ID] = true
		if s.names[fn.Name] {
			continue
		}
		s.accept(fn)
	}
}

// latest 最近创建的函数，时间相同取 ID 最大
func latest(fns []*models.SaFunction) *models.SaFunction {
	cands := make([]*models.SaFunction, 0, len(fns))
	for _, fn := range fns {
		if fn != nil {
			cands = append(cands, fn)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].CreatedAt.Equal(cands[j].CreatedAt) {
			return cands[i].CreatedAt.After(cands[j].CreatedAt)
		}
		return cands[i].ID > cands[j].ID
	})
	return cands[0]
}

// FunctionIDs 生效函数的 ID（按接受顺序）
func (r Result) FunctionIDs() []int64 {
	ids := make([]int64, len(r.ActiveFunctions))
	for i, fn := range r.ActiveFunctions {
		ids[i] = fn.ID
	}
	return ids
}

// Feature 按方向和名称查找设备功能
func (r Result) Feature(dir models.DfDirection, name string) (models.DeviceFeature, bool) {
	list := r.Features.Inputs
	if dir == models.DfOutput {
		list = r.Features.Outputs
	}
	for _, f := range list {
		if f.Name == name {
			return f, true
		}
	}
	return models.DeviceFeature{}, false
}
