package models

import (
	"fmt"
	"time"
)

// DfDirection 设备功能方向
type DfDirection string

const (
	DfInput  DfDirection = "idf"
	DfOutput DfDirection = "odf"
)

// ParseDfDirection 解析 "idf" / "odf"
func ParseDfDirection(s string) (DfDirection, error) {
	switch DfDirection(s) {
	case DfInput, DfOutput:
		return DfDirection(s), nil
	default:
		return "", fmt.Errorf("unknown df type: %q", s)
	}
}

// DfType 功能类型：方向 + 参数类型列表
type DfType struct {
	Direction DfDirection `json:"df_type"`
	Params    []string    `json:"params"`
}

// LibraryFunctionFields 库函数的固定字段（对应示例文件中的同名 section）
type LibraryFunctionFields struct {
	VarDefine       string
	ImportString    string
	MemberVarDefine string
	InitContent     string
	RunsContent     string
}

// LibraryFunctionSections section 名称与字段的对应表（顺序固定）
var LibraryFunctionSections = []struct {
	Name string
	Get  func(*LibraryFunctionFields) *string
}{
	{"var_define", func(f *LibraryFunctionFields) *string { return &f.VarDefine }},
	{"import_string", func(f *LibraryFunctionFields) *string { return &f.ImportString }},
	{"member_var_define", func(f *LibraryFunctionFields) *string { return &f.MemberVarDefine }},
	{"init_content", func(f *LibraryFunctionFields) *string { return &f.InitContent }},
	{"runs_content", func(f *LibraryFunctionFields) *string { return &f.RunsContent }},
}

// SetSection 按 section 名称写入字段，未知名称返回 false
func (f *LibraryFunctionFields) SetSection(name, value string) bool {
	for _, s := range LibraryFunctionSections {
		if s.Name == name {
			*s.Get(f) = value
			return true
		}
	}
	return false
}

// LibraryFunction 库函数（属于唯一的 Library）
type LibraryFunction struct {
	ID        int64
	LibraryID int64
	Name      string
	Fields    LibraryFunctionFields
}

// LibraryRef SaFunction 引用的库函数
type LibraryRef struct {
	FunctionID int64
	LibraryID  int64
}

// SaFunction 可直接被设备使用的函数实例
type SaFunction struct {
	ID            int64
	Name          string
	Type          DfType
	VarSetup      string
	Code          string
	ReadonlyLines LineSet
	LibraryRef    *LibraryRef
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CodeUnit 转为 CodeUnit（只读行按当前代码重新裁剪）
func (f *SaFunction) CodeUnit() CodeUnit {
	u := NewCodeUnit(f.Name, f.Code, f.ReadonlyLines)
	u.ID = f.ID
	return u
}

// SameContent 代码、变量设置、只读行完全一致时返回 true
func (f *SaFunction) SameContent(varSetup, code string, readonly []int) bool {
	if code != f.Code || varSetup != f.VarSetup {
		return false
	}
	other := NewLineSet(readonly...)
	if len(other) != len(f.ReadonlyLines) {
		return false
	}
	for i := range other {
		if other[i] != f.ReadonlyLines[i] {
			return false
		}
	}
	return true
}

// LibraryRefID 返回引用的库函数 ID，无引用时为 -1
func (f *SaFunction) LibraryRefID() int64 {
	if f.LibraryRef == nil {
		return -1
	}
	return f.LibraryRef.FunctionID
}
