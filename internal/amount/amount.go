// Package amount 提供账本使用的定点数金额类型。
//
// 所有金额以 10^-6 为最小单位存储为 int64，避免浮点误差；
// 比例（手续费拆分、罚没比例、法定人数阈值）同样以百万分之一为单位表示。
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decimals 为金额小数位数。
const Decimals = 6

// Scale 为 1 个代币对应的最小单位数量。
const Scale int64 = 1_000_000

// Amount 表示以最小单位计的代币数量。
type Amount int64

// Zero 为零金额。
const Zero Amount = 0

// Tokens 将整数个代币转换为 Amount。
func Tokens(n int64) Amount {
	return Amount(n * Scale)
}

// Parse 解析十进制字符串，例如 "10"、"0.0001"、"-2.5"。
// 超过 6 位小数的输入会被拒绝而不是截断。
func Parse(s string) (Amount, error) {
	units, err := parseFixed(s)
	if err != nil {
		return 0, fmt.Errorf("解析金额 %q 失败: %w", s, err)
	}
	return Amount(units), nil
}

// MustParse 与 Parse 相同，但解析失败时 panic，仅用于常量初始化与测试。
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units 返回最小单位数量。
func (a Amount) Units() int64 { return int64(a) }

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Cmp 比较两个金额，返回 -1、0 或 1。
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MulRatio 按比例计算金额并向下取整，要求 a >= 0 且 r ∈ [0, 1]。
func (a Amount) MulRatio(r Ratio) Amount {
	if a <= 0 || r <= 0 {
		return 0
	}
	if r >= One {
		return a
	}
	hi, lo := bits.Mul64(uint64(a), uint64(r))
	q, _ := bits.Div64(hi, lo, uint64(Scale))
	return Amount(q)
}

// DivFloor 将金额平均分为 n 份并向下取整。
func (a Amount) DivFloor(n int64) Amount {
	if n <= 0 {
		return 0
	}
	return a / Amount(n)
}

// String 返回去除多余尾零的十进制表示。
func (a Amount) String() string {
	return formatFixed(int64(a), true)
}

// Fixed 返回固定 6 位小数的表示，用于数据库 DECIMAL 列。
func (a Amount) Fixed() string {
	return formatFixed(int64(a), false)
}

// MarshalJSON 以 JSON 数字输出，保留精确的十进制文本。
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON 同时接受数字和字符串形式。
func (a *Amount) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		text = s
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalYAML 直接读取节点原文，避免经过 float64。
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("第 %d 行: 金额必须是标量", node.Line)
	}
	parsed, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("第 %d 行: %w", node.Line, err)
	}
	*a = parsed
	return nil
}

// MarshalYAML 输出十进制文本。
func (a Amount) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

// Value 实现 driver.Valuer，写入 DECIMAL 列。
func (a Amount) Value() (driver.Value, error) {
	return a.Fixed(), nil
}

// Scan 实现 sql.Scanner，读取 DECIMAL 列。
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case []byte:
		return a.scanText(string(v))
	case string:
		return a.scanText(v)
	case int64:
		*a = Tokens(v)
		return nil
	case float64:
		return a.scanText(strconv.FormatFloat(v, 'f', Decimals, 64))
	default:
		return fmt.Errorf("无法将 %T 转换为金额", src)
	}
}

func (a *Amount) scanText(s string) error {
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func parseFixed(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("空字符串")
	}
	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && (!hasDot || frac == "") {
		return 0, fmt.Errorf("缺少数字")
	}
	if len(frac) > Decimals {
		trimmed := strings.TrimRight(frac[Decimals:], "0")
		if trimmed != "" {
			return 0, fmt.Errorf("小数位超过 %d 位", Decimals)
		}
		frac = frac[:Decimals]
	}
	var units int64
	if whole != "" {
		w, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || w < 0 {
			return 0, fmt.Errorf("整数部分无效")
		}
		if w > (1<<63-1)/Scale {
			return 0, fmt.Errorf("数值溢出")
		}
		units = w * Scale
	}
	if frac != "" {
		frac += strings.Repeat("0", Decimals-len(frac))
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("小数部分无效")
		}
		units += f
	}
	if negative {
		units = -units
	}
	return units, nil
}

func formatFixed(units int64, trim bool) string {
	sign := ""
	u := uint64(units)
	if units < 0 {
		sign = "-"
		u = uint64(-units)
	}
	whole := u / uint64(Scale)
	frac := u % uint64(Scale)
	fracText := fmt.Sprintf("%06d", frac)
	if trim {
		fracText = strings.TrimRight(fracText, "0")
		if fracText == "" {
			return sign + strconv.FormatUint(whole, 10)
		}
	}
	return sign + strconv.FormatUint(whole, 10) + "." + fracText
}

var (
	_ driver.Valuer    = Amount(0)
	_ json.Marshaler   = Amount(0)
	_ yaml.Unmarshaler = (*Amount)(nil)
)
