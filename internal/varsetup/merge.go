// Package varsetup 合并多个库的变量设置块
package varsetup

import "github.com/IoTtalk/DeviceTalk-to-v1/internal/models"

// Merger 累积变量设置块，每次 Add 的内容放在已有内容之前
// 相同的行只保留最后一次 Add 的位置
type Merger struct {
	readonly []string
	editable []string
}

// Add 合并一个块：只读部分放到所有只读行之前，可编辑部分放到所有可编辑行之前
func (m *Merger) Add(b models.VarSetupBlock) {
	ro, ed := b.Split()
	// 其他块的只读行优先，与处理顺序无关。
	// 只比较之前合并的块：同一块内与只读行相同的可编辑行保留，单个块合并后内容不变
	priorRO := toSet(m.readonly)

	if len(ro) > 0 {
		drop := toSet(ro)
		m.editable = without(m.editable, drop)
		m.readonly = append(ro, without(m.readonly, drop)...)
	}

	if len(ed) > 0 {
		kept := make([]string, 0, len(ed))
		for _, line := range ed {
			if _, ok := priorRO[line]; !ok {
				kept = append(kept, line)
			}
		}
		m.editable = append(kept, without(m.editable, toSet(kept))...)
	}
}

// Block 返回当前结果：只读行在前，readonlyLines = {0..k-1}
func (m *Merger) Block() models.VarSetupBlock {
	content := make([]string, 0, len(m.readonly)+len(m.editable))
	content = append(content, m.readonly...)
	content = append(content, m.editable...)
	return models.VarSetupBlock{
		Content:       content,
		ReadonlyLines: models.RangeLineSet(len(m.readonly)),
	}
}

// Merge 按栈顺序排列的块从后往前合并
func Merge(blocks []models.VarSetupBlock) models.VarSetupBlock {
	var m Merger
	for i := len(blocks) - 1; i >= 0; i-- {
		m.Add(blocks[i])
	}
	return m.Block()
}

func toSet(lines []string) map[string]struct{} {
	s := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		s[l] = struct{}{}
	}
	return s
}

func without(lines []string, drop map[string]struct{}) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := drop[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}
