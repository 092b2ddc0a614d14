// Package render 宏模板渲染：函数骨架生成、变量设置注入、基础文件模板渲染
package render

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const (
	// 函数体使用的定界符（与文件模板的 {{ }} 区分）
	FunctionLeftDelim  = "{*"
	FunctionRightDelim = "*}"

	// VarSetupMarker 函数体中变量设置的插入点
	VarSetupMarker = "{*variable_setup*}"
)

// FileOpener 读取 blob store 中的文件内容
type FileOpener interface {
	Open(ctx context.Context, handle string) (string, error)
}

// TemplateError 模板不存在、解析失败或执行失败
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// FuncMap sprig 函数 + hindent
func FuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["hindent"] = HangingIndent
	return fm
}

// HangingIndent 除第一行外每行前加 width 个空格，空行保持不变
func HangingIndent(width int, s string) string {
	if width <= 0 {
		return s
	}
	pad := strings.Repeat(" ", width)
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] == "" {
			continue
		}
		lines[i] = pad + lines[i]
	}
	return strings.Join(lines, "\n")
}

// RenderString 用 {{ }} 定界符渲染文件模板
func RenderString(name, text string, data interface{}) (string, error) {
	tpl, err := template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	return b.String(), nil
}

// renderFunctionBody 用 {* *} 定界符渲染函数体，values 以无参函数的形式绑定
func renderFunctionBody(name, text string, values map[string]string) (string, error) {
	fm := FuncMap()
	for k, v := range values {
		v := v
		fm[k] = func() string { return v }
	}
	tpl, err := template.New(name).Delims(FunctionLeftDelim, FunctionRightDelim).Funcs(fm).Parse(text)
	if err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	var b strings.Builder
	if err := tpl.Execute(&b, nil); err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	return b.String(), nil
}
