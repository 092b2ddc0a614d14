package models

import (
	"fmt"
	"strconv"
	"strings"
)

// FileRef 文件记录：输出树中的相对路径 + blob store 中的句柄
type FileRef struct {
	Path   string `json:"file_path"`
	Handle string `json:"real_path"`
}

// BasicFile 基础文件组（某语言的 SA 代码骨架）
type BasicFile struct {
	ID       int64
	Name     string
	Language string
	Files    []FileRef
}

// Library 上传的静态库
type Library struct {
	ID          int64
	Name        string
	DirPath     string
	BasicFileID int64
	VarSetup    VarSetupBlock
	Functions   []LibraryFunction
	// SaFunctions 静态库通常为空，保留以兼容库内直接提供的函数
	SaFunctions []*SaFunction
	Files       []FileRef
}

// Key 返回 "L<id>"
func (l *Library) Key() LibraryKey {
	return LibraryKey{Kind: KindLibrary, ID: l.ID}
}

// DeviceLibrary 由设备生成的组合库（UserID 为空表示全局）
type DeviceLibrary struct {
	ID           int64
	Name         string
	DirPath      string
	BasicFileID  int64
	UserID       *int64
	VarSetup     VarSetupBlock
	Functions    []*SaFunction
	Dependencies []int64
	Features     []DeviceFeature
	Files        []FileRef
}

// Key 返回 "D<id>"
func (d *DeviceLibrary) Key() LibraryKey {
	return LibraryKey{Kind: KindDeviceLibrary, ID: d.ID}
}

// LibraryKind 栈元素类型
type LibraryKind byte

const (
	KindLibrary       LibraryKind = 'L'
	KindDeviceLibrary LibraryKind = 'D'
)

// LibraryKey 库栈中的引用，如 "L10"、"D5"
type LibraryKey struct {
	Kind LibraryKind
	ID   int64
}

func (k LibraryKey) String() string {
	return fmt.Sprintf("%c%d", k.Kind, k.ID)
}

// ParseLibraryKey 解析 "L<id>" / "D<id>"
func ParseLibraryKey(s string) (LibraryKey, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return LibraryKey{}, fmt.Errorf("invalid library key: %q", s)
	}
	kind := LibraryKind(s[0])
	if kind != KindLibrary && kind != KindDeviceLibrary {
		return LibraryKey{}, fmt.Errorf("invalid library key kind: %q", s)
	}
	id, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || id <= 0 {
		return LibraryKey{}, fmt.Errorf("invalid library key id: %q", s)
	}
	return LibraryKey{Kind: kind, ID: id}, nil
}

// ParseLibraryKeys 解析逗号分隔或多个 key
func ParseLibraryKeys(values ...string) ([]LibraryKey, error) {
	var keys []LibraryKey
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			k, err := ParseLibraryKey(part)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// StackEntry 库栈中的一个元素（Library 与 DeviceLibrary 二选一）
type StackEntry struct {
	Library       *Library
	DeviceLibrary *DeviceLibrary
}

// Key 返回元素的 key
func (e StackEntry) Key() LibraryKey {
	if e.Library != nil {
		return e.Library.Key()
	}
	if e.DeviceLibrary != nil {
		return e.DeviceLibrary.Key()
	}
	return LibraryKey{}
}

// VarSetup 返回元素的变量设置块
func (e StackEntry) VarSetup() VarSetupBlock {
	if e.Library != nil {
		return e.Library.VarSetup
	}
	if e.DeviceLibrary != nil {
		return e.DeviceLibrary.VarSetup
	}
	return VarSetupBlock{}
}

// SaFunctions 返回元素拥有的 SaFunction
func (e StackEntry) SaFunctions() []*SaFunction {
	if e.Library != nil {
		return e.Library.SaFunctions
	}
	if e.DeviceLibrary != nil {
		return e.DeviceLibrary.Functions
	}
	return nil
}

// Features 返回元素拥有的设备功能（仅 DeviceLibrary）
func (e StackEntry) Features() []DeviceFeature {
	if e.DeviceLibrary != nil {
		return e.DeviceLibrary.Features
	}
	return nil
}
