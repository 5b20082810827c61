package engine

import (
	"testing"

	"backend/internal/workflow"
)

func TestEvaluateBranch(t *testing.T) {
	result := map[string]any{
		"tier":      "gold",
		"sentiment": "Very Positive",
		"score":     float64(85),
		"answered":  true,
		"notes":     "",
		"report": map[string]any{
			"score": 42,
		},
		"tags": []any{},
	}

	cases := []struct {
		name string
		cond *workflow.BranchCondition
		want bool
	}{
		{"equals 命中", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpEquals, Value: "gold"}, true},
		{"equals 不命中", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpEquals, Value: "silver"}, false},
		{"equals 数值宽松比较", &workflow.BranchCondition{Field: "score", Operator: workflow.OpEquals, Value: "85"}, true},
		{"equals 布尔", &workflow.BranchCondition{Field: "answered", Operator: workflow.OpEquals, Value: true}, true},
		{"not_equals", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpNotEquals, Value: "silver"}, true},
		{"contains 大小写不敏感", &workflow.BranchCondition{Field: "sentiment", Operator: workflow.OpContains, Value: "positive"}, true},
		{"contains 不命中", &workflow.BranchCondition{Field: "sentiment", Operator: workflow.OpContains, Value: "negative"}, false},
		{"greater_than 命中", &workflow.BranchCondition{Field: "score", Operator: workflow.OpGreaterThan, Value: 80}, true},
		{"greater_than 不命中", &workflow.BranchCondition{Field: "score", Operator: workflow.OpGreaterThan, Value: 90}, false},
		{"greater_than 字符串数值", &workflow.BranchCondition{Field: "score", Operator: workflow.OpGreaterThan, Value: "80"}, true},
		{"greater_than 非数值", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpGreaterThan, Value: 1}, false},
		{"less_than", &workflow.BranchCondition{Field: "score", Operator: workflow.OpLessThan, Value: 100}, true},
		{"is_empty 空串", &workflow.BranchCondition{Field: "notes", Operator: workflow.OpIsEmpty}, true},
		{"is_empty 空数组", &workflow.BranchCondition{Field: "tags", Operator: workflow.OpIsEmpty}, true},
		{"is_empty 缺失字段", &workflow.BranchCondition{Field: "missing", Operator: workflow.OpIsEmpty}, true},
		{"is_not_empty", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpIsNotEmpty}, true},
		{"is_not_empty 缺失字段", &workflow.BranchCondition{Field: "missing", Operator: workflow.OpIsNotEmpty}, false},
		{"点号路径", &workflow.BranchCondition{Field: "report.score", Operator: workflow.OpEquals, Value: 42}, true},
		{"点号路径穿透非对象", &workflow.BranchCondition{Field: "tier.inner", Operator: workflow.OpEquals, Value: "x"}, false},
		{"字段缺失按不满足", &workflow.BranchCondition{Field: "missing", Operator: workflow.OpEquals, Value: "x"}, false},
		{"未知运算符按不满足", &workflow.BranchCondition{Field: "tier", Operator: "matches", Value: "gold"}, false},
		{"比较值缺失按不满足", &workflow.BranchCondition{Field: "tier", Operator: workflow.OpEquals}, false},
		{"空条件", &workflow.BranchCondition{}, false},
		{"nil 条件", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EvaluateBranch(tc.cond, result); got != tc.want {
				t.Fatalf("EvaluateBranch(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateBranchNilResult(t *testing.T) {
	cond := &workflow.BranchCondition{Field: "tier", Operator: workflow.OpEquals, Value: "gold"}
	if EvaluateBranch(cond, nil) {
		t.Fatalf("result 为 nil 时分支不应满足")
	}
	empty := &workflow.BranchCondition{Field: "tier", Operator: workflow.OpIsEmpty}
	if !EvaluateBranch(empty, nil) {
		t.Fatalf("result 为 nil 时 is_empty 应满足")
	}
}
