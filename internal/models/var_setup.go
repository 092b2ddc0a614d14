package models

import "strings"

// VarSetupBlock 变量设置块（库、设备库、设备各持有一份）
type VarSetupBlock struct {
	Content       []string
	ReadonlyLines LineSet
}

// NewVarSetupBlock 由文本和只读行号构建；空文本得到零行
func NewVarSetupBlock(text string, readonly []int) VarSetupBlock {
	content := SplitLines(text)
	return VarSetupBlock{
		Content:       content,
		ReadonlyLines: NewLineSet(readonly...).Clamp(len(content)),
	}
}

// Text 以 \n 连接
func (b VarSetupBlock) Text() string {
	return strings.Join(b.Content, "\n")
}

// Split 按只读行拆分为只读部分与可编辑部分，保持原有相对顺序
func (b VarSetupBlock) Split() (readonly []string, editable []string) {
	readonly = []string{}
	editable = []string{}
	for i, line := range b.Content {
		if b.ReadonlyLines.Contains(i) {
			readonly = append(readonly, line)
		} else {
			editable = append(editable, line)
		}
	}
	return readonly, editable
}

// Clone 深拷贝
func (b VarSetupBlock) Clone() VarSetupBlock {
	return VarSetupBlock{
		Content:       append([]string{}, b.Content...),
		ReadonlyLines: append(LineSet{}, b.ReadonlyLines...),
	}
}
