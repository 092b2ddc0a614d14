package models

import (
	"fmt"
	"sort"
	"strings"
)

// LineSet 只读行号集合（升序、无重复）
type LineSet []int

// NewLineSet 由任意行号列表构建集合，负数会被丢弃
func NewLineSet(lines ...int) LineSet {
	seen := make(map[int]struct{}, len(lines))
	out := make(LineSet, 0, len(lines))
	for _, l := range lines {
		if l < 0 {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// RangeLineSet 返回 {0 .. n-1}
func RangeLineSet(n int) LineSet {
	out := make(LineSet, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Contains 判断行号是否在集合中
func (s LineSet) Contains(line int) bool {
	i := sort.SearchInts(s, line)
	return i < len(s) && s[i] == line
}

// Clamp 去掉 >= n 的行号
func (s LineSet) Clamp(n int) LineSet {
	out := make(LineSet, 0, len(s))
	for _, l := range s {
		if l < n {
			out = append(out, l)
		}
	}
	return out
}

// Ints 返回 []int 副本（用于持久化）
func (s LineSet) Ints() []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// CodeUnit 一段源码及其只读行
type CodeUnit struct {
	ID            int64
	Name          string
	Code          []string
	ReadonlyLines LineSet
}

// SplitLines 按 \n 切分文本；空文本返回空切片
func SplitLines(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

// NewCodeUnit 由文本构建 CodeUnit，越界的只读行号会被丢弃
func NewCodeUnit(name, text string, readonly []int) CodeUnit {
	u := CodeUnit{Name: name}
	u.SetCode(SplitLines(text), readonly)
	return u
}

// SetCode 替换代码并重新计算只读行（不沿用旧的行号）
func (u *CodeUnit) SetCode(lines []string, readonly []int) {
	u.Code = append([]string(nil), lines...)
	u.ReadonlyLines = NewLineSet(readonly...).Clamp(len(u.Code))
}

// Text 以 \n 连接代码行
func (u CodeUnit) Text() string {
	return strings.Join(u.Code, "\n")
}

// Clone 深拷贝
func (u CodeUnit) Clone() CodeUnit {
	return CodeUnit{
		ID:            u.ID,
		Name:          u.Name,
		Code:          append([]string(nil), u.Code...),
		ReadonlyLines: append(LineSet(nil), u.ReadonlyLines...),
	}
}

// Validate 检查只读行号是否越界
func (u CodeUnit) Validate() error {
	for _, l := range u.ReadonlyLines {
		if l < 0 || l >= len(u.Code) {
			return fmt.Errorf("readonly line %d out of range for %d lines", l, len(u.Code))
		}
	}
	return nil
}
