// Package basicfile 解析基础文件组中的 config.ini
package basicfile

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
)

// ConfigFileName 基础文件组中描述文件的固定路径
const ConfigFileName = "config.ini"

// option 位置：section + key
type option struct {
	Section string
	Key     string
}

func (o option) String() string {
	return fmt.Sprintf("[%s] %s", o.Section, o.Key)
}

var (
	optTemplates      = option{"templates", "sa"}
	optDeviceLibPaths = option{"templates", "safuncs"}
	optIDFTemplate    = option{"new-function", "idf"}
	optODFTemplate    = option{"new-function", "odf"}
	optManual         = option{"manual", "url"}
	optLibRoot        = option{"lib", "root"}
	optExampleDir     = option{"lib", "example-dir"}

	requiredOptions = []option{
		optTemplates, optDeviceLibPaths, optIDFTemplate, optODFTemplate,
		optManual, optLibRoot, optExampleDir,
	}
)

// Descriptor config.ini 的内容
type Descriptor struct {
	// Templates 需要渲染的 SA 模板文件
	Templates []string
	// DeviceLibPaths 设备库路径模板，第一个同时是设备库文件模板
	DeviceLibPaths []string
	IDFTemplate    string
	ODFTemplate    string
	Manual         string
	LibRoot        string
	ExampleDir     string

	missing []option
}

// Parse 解析 config.ini，option 名称不区分大小写
// 缺少的 option 记录下来，由 Validate 报告
func Parse(data []byte) (*Descriptor, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, data)
	if err != nil {
		return nil, fmt.Errorf("invalid ini file format: %w", err)
	}

	d := &Descriptor{}
	get := func(o option) string {
		sec, err := cfg.GetSection(o.Section)
		if err != nil || !sec.HasKey(o.Key) {
			d.missing = append(d.missing, o)
			return ""
		}
		return strings.TrimSpace(sec.Key(o.Key).String())
	}

	d.Templates = splitList(get(optTemplates))
	d.DeviceLibPaths = splitList(get(optDeviceLibPaths))
	d.IDFTemplate = get(optIDFTemplate)
	d.ODFTemplate = get(optODFTemplate)
	d.Manual = get(optManual)
	d.LibRoot = get(optLibRoot)
	d.ExampleDir = get(optExampleDir)
	return d, nil
}

// Validate 列出所有缺失的 option
func (d *Descriptor) Validate() error {
	if len(d.missing) == 0 {
		return nil
	}
	names := make([]string, len(d.missing))
	for i, o := range d.missing {
		names[i] = o.String()
	}
	return fmt.Errorf("missing option:\n%s", strings.Join(names, "\n"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewFunctionTemplate 返回 idf/odf 新函数模板路径
func (d *Descriptor) NewFunctionTemplate(dir models.DfDirection) (string, error) {
	var path string
	var o option
	switch dir {
	case models.DfInput:
		path, o = d.IDFTemplate, optIDFTemplate
	case models.DfOutput:
		path, o = d.ODFTemplate, optODFTemplate
	default:
		return "", fmt.Errorf("unknown df type: %q", dir)
	}
	if path == "" {
		return "", fmt.Errorf("missing option %s", o)
	}
	return path, nil
}

// DeviceLibTemplate 设备库路径模板（同时是文件模板）
func (d *Descriptor) DeviceLibTemplate() (string, error) {
	if len(d.DeviceLibPaths) == 0 {
		return "", fmt.Errorf("missing option %s", optDeviceLibPaths)
	}
	return d.DeviceLibPaths[0], nil
}

// IsTemplate 该文件需要渲染
func (d *Descriptor) IsTemplate(path string) bool {
	return contains(d.Templates, path)
}

// IsSkipped 该文件不出现在输出中（config.ini、新函数模板、设备库模板）
func (d *Descriptor) IsSkipped(path string) bool {
	if path == ConfigFileName {
		return true
	}
	if path == d.IDFTemplate || path == d.ODFTemplate {
		return path != ""
	}
	return contains(d.DeviceLibPaths, path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
