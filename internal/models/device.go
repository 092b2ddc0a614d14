package models

import "strings"

// FunctionRelation 设备功能与候选函数的关系
type FunctionRelation struct {
	Function *SaFunction
	VarSetup string
	Selected bool
}

// DeviceFeature 设备功能（Df），候选函数按插入顺序排列
type DeviceFeature struct {
	ID        int64
	Name      string
	Type      DfType
	Relations []FunctionRelation
}

// ReName 将 "-" 替换为 "_"（目标语言的标识符不允许连字符）
func (f DeviceFeature) ReName() string {
	return ReName(f.Name)
}

// ReName 将名称中的 "-" 替换为 "_"
func ReName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Selected 返回所有被选中的关系（按插入顺序）
func (f DeviceFeature) Selected() []FunctionRelation {
	var out []FunctionRelation
	for _, r := range f.Relations {
		if r.Selected && r.Function != nil {
			out = append(out, r)
		}
	}
	return out
}

// Device 设备：有序库栈 + 设备功能 + 变量设置块
type Device struct {
	ID           int64
	Name         string
	DMName       string
	UserID       *int64
	BasicFileID  int64
	ServerURL    string
	DeviceAddr   string
	PushInterval float64
	VarSetup     VarSetupBlock
	LibraryStack []LibraryKey
	Features     []DeviceFeature
	FunctionIDs  []int64
	// UsedFeatures 本次生成需要输出的功能名称
	UsedFeatures []string
}

// UsesFeature 判断功能是否在本次生成范围内
func (d *Device) UsesFeature(name string) bool {
	for _, n := range d.UsedFeatures {
		if n == name {
			return true
		}
	}
	return false
}

// FeaturesByDirection 按方向过滤设备功能，保持原有顺序
func (d *Device) FeaturesByDirection(dir DfDirection) []DeviceFeature {
	var out []DeviceFeature
	for _, f := range d.Features {
		if f.Type.Direction == dir {
			out = append(out, f)
		}
	}
	return out
}
