// Package library 导入上传的静态库
package library

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// 示例文件中的 section 标记，如 "# ***[init_content]***" 或 "// ***[runs_content]***"
var sectionRe = regexp.MustCompile(`^(#|//) \*\*\*\[(\w+)\]\*\*\*`)

const (
	// GVSFileName 库的全局变量设置文件（不含扩展名）
	GVSFileName  = "gvs"
	gvsSection   = "gvs"
	gvsroSection = "gvsro"
)

// Sections 示例文件解析结果：section 名称 -> 内容（保留每行的换行符）
type Sections map[string]string

// ParseExample 按 section 标记切分示例文件，第一个标记之前的内容被忽略
func ParseExample(text string) Sections {
	sections := Sections{}
	var (
		current string
		buf     strings.Builder
	)
	flush := func() {
		if current != "" {
			sections[current] = buf.String()
		}
		buf.Reset()
	}

	r := bufio.NewReader(strings.NewReader(text))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			if m := sectionRe.FindStringSubmatch(line); m != nil {
				flush()
				current = m[2]
			} else if current != "" {
				buf.WriteString(line)
			}
		}
		if err != nil {
			break
		}
	}
	flush()
	return sections
}

// Fields 只取库函数字段对应的 section；一个都没有时返回 false
func (s Sections) Fields() (models.LibraryFunctionFields, bool) {
	var f models.LibraryFunctionFields
	found := false
	for name, v := range s {
		if f.SetSection(name, v) {
			found = true
		}
	}
	return f, found
}

// VarSetup gvs 文件中的全局变量设置；gvsro 为 JSON 整数数组
// 去掉 section 末尾的换行，避免多出一个空行
func (s Sections) VarSetup() (models.VarSetupBlock, error) {
	var ro []int
	if raw := strings.TrimSpace(s[gvsroSection]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ro); err != nil {
			return models.VarSetupBlock{}, fmt.Errorf("invalid %s section: %w", gvsroSection, err)
		}
	}
	return models.NewVarSetupBlock(strings.TrimSuffix(s[gvsSection], "\n"), ro), nil
}
