package render

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// InjectionResult 注入结果
// 没有插入点时 InsertionLine = -1，InsertionIndent = 0
type InjectionResult struct {
	FinalCode       string
	InsertionLine   int
	InsertionIndent int
}

// RenderWithVarSetup 在函数体的 {*variable_setup*} 处注入变量设置
// 只改写第一处标记，缩进为标记所在列（按字符计）。
// 渲染失败时 FinalCode 为原始代码，同时返回 *TemplateError。
func RenderWithVarSetup(storedCode, varSetupText, featureName string) (InjectionResult, error) {
	res := InjectionResult{FinalCode: storedCode, InsertionLine: -1}

	lines := strings.Split(storedCode, "\n")
	for i, line := range lines {
		idx := strings.Index(line, VarSetupMarker)
		if idx < 0 {
			continue
		}
		col := utf8.RuneCountInString(line[:idx])
		res.InsertionLine = i
		res.InsertionIndent = col
		lines[i] = line[:idx] +
			fmt.Sprintf("%svariable_setup | hindent %d%s", FunctionLeftDelim, col, FunctionRightDelim) +
			line[idx+len(VarSetupMarker):]
		break
	}

	out, err := renderFunctionBody(featureName, strings.Join(lines, "\n"), map[string]string{
		"variable_setup": varSetupText,
		"df_name":        models.ReName(featureName),
		"new_line":       "",
	})
	if err != nil {
		return res, err
	}
	res.FinalCode = out
	return res, nil
}

// FeatureFunction 单个设备功能渲染后的函数（供基础文件模板使用）
type FeatureFunction struct {
	Content           string         `json:"content"`
	Name              string         `json:"name"`
	Type              string         `json:"type"`
	VarSetup          string         `json:"var_setup"`
	VarSetupStartLine int            `json:"var_setup_start_line"`
	VarSetupIndentNum int            `json:"var_setup_indent_num"`
	Lines             int            `json:"lines"`
	ReadonlyLines     models.LineSet `json:"ro_lines"`
}

// RenderFeatureFunction 渲染设备功能第一个被选中的函数
func RenderFeatureFunction(feature models.DeviceFeature) (FeatureFunction, error) {
	selected := feature.Selected()
	if len(selected) == 0 {
		return FeatureFunction{}, fmt.Errorf("device feature %s has no selected function", feature.Name)
	}
	rel := selected[0]
	fn := rel.Function

	res, err := RenderWithVarSetup(fn.Code, rel.VarSetup, feature.Name)
	return FeatureFunction{
		Content:           res.FinalCode,
		Name:              fn.Name,
		Type:              string(fn.Type.Direction),
		VarSetup:          rel.VarSetup,
		VarSetupStartLine: res.InsertionLine,
		VarSetupIndentNum: res.InsertionIndent,
		Lines:             len(strings.Split(fn.Code, "\n")),
		ReadonlyLines:     fn.CodeUnit().ReadonlyLines,
	}, err
}
