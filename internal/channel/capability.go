package channel

import (
	"context"
	"errors"
	"fmt"

	"backend/internal/crm"
	"backend/internal/workflow"
)

// ErrMissingContactInfo 动作所需的联系方式（电话/邮箱）缺失
var ErrMissingContactInfo = errors.New("missing contact info")

// ErrUnknownAction 注册表里没有该动作类别的实现
var ErrUnknownAction = errors.New("unknown action kind")

// ActionRequest 单个动作的执行上下文
// Prospect/Deal 取自实例绑定的触发实体，可能为 nil
type ActionRequest struct {
	Instance *workflow.WorkflowInstance
	Task     *workflow.TaskDefinition
	Action   *workflow.Action
	Prospect *crm.Prospect
	Deal     *crm.Deal
}

// Capability 单个渠道动作的执行契约
// 返回的载荷会被并入步骤的 result，供下游分支条件引用
type Capability interface {
	Kind() workflow.ActionKind
	Execute(ctx context.Context, req *ActionRequest) (map[string]any, error)
}

// Registry 动作类别到实现的注册表，启动时装配一次
type Registry struct {
	caps map[workflow.ActionKind]Capability
}

// NewRegistry 创建注册表
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{caps: make(map[workflow.ActionKind]Capability, len(caps))}
	for _, c := range caps {
		r.Register(c)
	}
	return r
}

// Register 注册一个动作实现，同类别后注册的覆盖先注册的
func (r *Registry) Register(c Capability) {
	r.caps[c.Kind()] = c
}

// Get 查找动作实现
func (r *Registry) Get(kind workflow.ActionKind) (Capability, error) {
	c, ok := r.caps[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return c, nil
}

// Kinds 返回已注册的动作类别
func (r *Registry) Kinds() []workflow.ActionKind {
	kinds := make([]workflow.ActionKind, 0, len(r.caps))
	for k := range r.caps {
		kinds = append(kinds, k)
	}
	return kinds
}
