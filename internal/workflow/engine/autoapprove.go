package engine

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// evalAutoApprove 求值任务上的自动审批表达式
// 表达式可引用父步骤 result 的顶层字段与实例 metadata 的顶层字段
// （result 字段优先），如 "sentiment == 'positive' && score > 80"
// 表达式缺失、解析失败或结果非布尔值都按需要人工审批处理
func evalAutoApprove(expr string, parentResult, metadata map[string]any) (bool, error) {
	if expr == "" {
		return false, nil
	}

	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, fmt.Errorf("解析自动审批表达式失败: %w", err)
	}

	params := make(map[string]any, len(parentResult)+len(metadata))
	for k, v := range metadata {
		params[k] = v
	}
	for k, v := range parentResult {
		params[k] = v
	}

	result, err := expression.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("求值自动审批表达式失败: %w", err)
	}

	approved, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("自动审批表达式结果不是布尔值: %v", result)
	}
	return approved, nil
}
