package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"backend/internal/workflow"
)

// EvaluateBranch 对父步骤的 result 求值分支条件
// 条件是用户配置数据：字段缺失、运算符未知或条件本身不完整时一律返回 false，
// 由引擎将对应步骤置为 SKIPPED，而不是抛错中断整条序列
func EvaluateBranch(cond *workflow.BranchCondition, result map[string]any) bool {
	if cond == nil || cond.Field == "" || cond.Operator == "" {
		return false
	}

	value, found := lookupField(result, cond.Field)

	switch cond.Operator {
	case workflow.OpIsEmpty:
		return !found || isEmptyValue(value)
	case workflow.OpIsNotEmpty:
		return found && !isEmptyValue(value)
	}

	// 其余运算符需要比较值
	if cond.Value == nil {
		return false
	}
	if !found {
		return false
	}

	switch cond.Operator {
	case workflow.OpEquals:
		return looseEquals(value, cond.Value)
	case workflow.OpNotEquals:
		return !looseEquals(value, cond.Value)
	case workflow.OpContains:
		return strings.Contains(
			strings.ToLower(toString(value)),
			strings.ToLower(toString(cond.Value)),
		)
	case workflow.OpGreaterThan:
		a, okA := toFloat64(value)
		b, okB := toFloat64(cond.Value)
		return okA && okB && a > b
	case workflow.OpLessThan:
		a, okA := toFloat64(value)
		b, okB := toFloat64(cond.Value)
		return okA && okB && a < b
	default:
		return false
	}
}

// lookupField 支持点号路径，如 "report.score"
func lookupField(data map[string]any, field string) (any, bool) {
	if data == nil {
		return nil, false
	}
	parts := strings.Split(field, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func looseEquals(a, b any) bool {
	if fa, okA := toFloat64(a); okA {
		if fb, okB := toFloat64(b); okB {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
