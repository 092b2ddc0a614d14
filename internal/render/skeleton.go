package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/basicfile"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// SkeletonPlaceholder 模板缺失或出错时返回的唯一一行
const SkeletonPlaceholder = "(config.ini | new function file not found or template error)"

// ParamsContext 参数列表及其去重集合
type ParamsContext struct {
	List   []string
	Set    []string
	Len    int
	SetLen int
}

// NewParamsContext 构建参数上下文，Set 按首次出现顺序去重
func NewParamsContext(params []string) ParamsContext {
	seen := make(map[string]struct{}, len(params))
	set := make([]string, 0, len(params))
	for _, p := range params {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		set = append(set, p)
	}
	return ParamsContext{
		List:   append([]string{}, params...),
		Set:    set,
		Len:    len(params),
		SetLen: len(set),
	}
}

// LibRefContext 骨架是否由库函数派生
type LibRefContext struct {
	IsRef        bool
	FunctionName string
	LibraryName  string
}

// SkeletonContext 骨架模板的渲染上下文
type SkeletonContext struct {
	Params ParamsContext
	Lib    models.LibraryFunctionFields
	LibRef LibRefContext
}

// RenderSkeleton 展开函数骨架模板
// lib / libRef 为 nil 表示新建函数；结果删除所有空行，全部行只读。
// 模板无效时返回占位行（只读行 {0}），不返回错误。
func RenderSkeleton(templateText string, params []string, lib *models.LibraryFunctionFields, libRef *LibRefContext) models.CodeUnit {
	data := SkeletonContext{Params: NewParamsContext(params)}
	if lib != nil {
		data.Lib = *lib
	}
	if libRef != nil {
		data.LibRef = *libRef
		data.LibRef.IsRef = true
	}

	out, err := RenderString("skeleton", templateText, data)
	if err != nil {
		return placeholderUnit()
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	var u models.CodeUnit
	u.SetCode(lines, models.RangeLineSet(len(lines)))
	return u
}

func placeholderUnit() models.CodeUnit {
	return models.CodeUnit{
		Code:          []string{SkeletonPlaceholder},
		ReadonlyLines: models.LineSet{0},
	}
}

// NewFunctionSkeleton 从基础文件读取 idf/odf 新函数模板并展开
func NewFunctionSkeleton(
	ctx context.Context,
	opener FileOpener,
	bf *models.BasicFile,
	desc *basicfile.Descriptor,
	dir models.DfDirection,
	params []string,
	lib *models.LibraryFunctionFields,
	libRef *LibRefContext,
) models.CodeUnit {
	text, err := loadNewFunctionTemplate(ctx, opener, bf, desc, dir)
	if err != nil {
		return placeholderUnit()
	}
	return RenderSkeleton(text, params, lib, libRef)
}

func loadNewFunctionTemplate(ctx context.Context, opener FileOpener, bf *models.BasicFile, desc *basicfile.Descriptor, dir models.DfDirection) (string, error) {
	if bf == nil || desc == nil {
		return "", fmt.Errorf("basic file not configured")
	}
	path, err := desc.NewFunctionTemplate(dir)
	if err != nil {
		return "", err
	}
	for _, f := range bf.Files {
		if f.Path == path {
			return opener.Open(ctx, f.Handle)
		}
	}
	return "", fmt.Errorf("new function template %s not found in basic file %d", path, bf.ID)
}

// FunctionContent 函数编辑器需要的内容
type FunctionContent struct {
	FuncID        int64          `json:"func_id"`
	VarSetup      string         `json:"var_setup"`
	Code          string         `json:"code"`
	ReadonlyLines models.LineSet `json:"readonly_line"`
	LibraryRef    int64          `json:"library_ref"`
}

// NewFunctionContent 新建函数（func_id = -1）
func NewFunctionContent(u models.CodeUnit) FunctionContent {
	return FunctionContent{
		FuncID:        -1,
		Code:          u.Text(),
		ReadonlyLines: u.ReadonlyLines,
		LibraryRef:    -1,
	}
}

// SaFunctionContent 已保存函数的内容
func SaFunctionContent(fn *models.SaFunction) FunctionContent {
	u := fn.CodeUnit()
	return FunctionContent{
		FuncID:        fn.ID,
		VarSetup:      fn.VarSetup,
		Code:          u.Text(),
		ReadonlyLines: u.ReadonlyLines,
		LibraryRef:    fn.LibraryRefID(),
	}
}

// LibraryFunctionContent 由库函数生成骨架
func LibraryFunctionContent(
	ctx context.Context,
	opener FileOpener,
	bf *models.BasicFile,
	desc *basicfile.Descriptor,
	fn *models.LibraryFunction,
	libraryName string,
	dir models.DfDirection,
	params []string,
) FunctionContent {
	fields := fn.Fields
	u := NewFunctionSkeleton(ctx, opener, bf, desc, dir, params, &fields, &LibRefContext{
		FunctionName: fn.Name,
		LibraryName:  libraryName,
	})
	return FunctionContent{
		FuncID:        fn.ID,
		VarSetup:      fn.Fields.VarDefine,
		Code:          u.Text(),
		ReadonlyLines: u.ReadonlyLines,
		LibraryRef:    -1,
	}
}
