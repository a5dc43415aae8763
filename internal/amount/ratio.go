package amount

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ratio 表示 [0, 1] 区间内的比例，单位为百万分之一。
type Ratio int64

// One 表示 100%。
const One Ratio = Ratio(Scale)

// ParseRatio 解析 "0.67" 形式的比例。
func ParseRatio(s string) (Ratio, error) {
	units, err := parseFixed(s)
	if err != nil {
		return 0, fmt.Errorf("解析比例 %q 失败: %w", s, err)
	}
	r := Ratio(units)
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return r, nil
}

// MustRatio 解析失败时 panic。
func MustRatio(s string) Ratio {
	r, err := ParseRatio(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate 检查比例是否位于 [0, 1]。
func (r Ratio) Validate() error {
	if r < 0 || r > One {
		return fmt.Errorf("比例 %s 超出 [0, 1] 范围", r)
	}
	return nil
}

func (r Ratio) String() string {
	return formatFixed(int64(r), true)
}

// MarshalJSON 以 JSON 数字输出。
func (r Ratio) MarshalJSON() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalJSON 同时接受数字和字符串形式。
func (r *Ratio) UnmarshalJSON(data []byte) error {
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
	parsed, err := ParseRatio(text)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// UnmarshalYAML 直接读取节点原文。
func (r *Ratio) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("第 %d 行: 比例必须是标量", node.Line)
	}
	parsed, err := ParseRatio(node.Value)
	if err != nil {
		return fmt.Errorf("第 %d 行: %w", node.Line, err)
	}
	*r = parsed
	return nil
}

// AtLeast 判断 num/den >= r，den <= 0 时返回 false。
// 使用 128 位乘法比较 num*Scale 与 r*den，避免除法带来的舍入。
func AtLeast(num, den Amount, r Ratio) bool {
	if den <= 0 || num < 0 {
		return false
	}
	lh, ll := bits.Mul64(uint64(num), uint64(Scale))
	rh, rl := bits.Mul64(uint64(r), uint64(den))
	if lh != rh {
		return lh > rh
	}
	return ll >= rl
}
