package channel

import (
	"context"
	"fmt"
	"time"

	"backend/internal/crm"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher 按任务配置依次执行渠道动作并归一化结果
//
// 一个任务的所有动作全部成功才算 COMPLETED；任何一个失败时以第一个失败的
// 错误信息作为步骤的 errorMessage。失败前已经产生的副作用（比如已发出的
// 短信）不做补偿回滚
type Dispatcher struct {
	db       *gorm.DB
	registry *Registry
	log      *zap.Logger
}

// NewDispatcher 创建调度器
func NewDispatcher(db *gorm.DB, registry *Registry) *Dispatcher {
	return &Dispatcher{db: db, registry: registry, log: logger.Named("dispatch")}
}

// Dispatch 执行任务配置的全部动作
// 即使中途失败也会把剩余动作跑完（与历史行为一致），最后统一返回首个失败
func (d *Dispatcher) Dispatch(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition) (map[string]any, error) {
	prospect, deal, err := d.resolveEntities(ctx, inst)
	if err != nil {
		return nil, err
	}

	combined := make(map[string]any)
	var executed []any
	var firstErr error

	for i := range task.ActionConfig.Actions {
		action := &task.ActionConfig.Actions[i]

		impl, err := d.registry.Get(action.Kind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			metrics.ChannelDispatchTotal.WithLabelValues(string(action.Kind), "error").Inc()
			continue
		}

		req := &ActionRequest{
			Instance: inst,
			Task:     task,
			Action:   action,
			Prospect: prospect,
			Deal:     deal,
		}

		start := time.Now()
		result, err := impl.Execute(ctx, req)
		metrics.ChannelDispatchDuration.WithLabelValues(string(action.Kind)).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.ChannelDispatchTotal.WithLabelValues(string(action.Kind), "error").Inc()
			d.log.Warn("渠道动作执行失败",
				zap.String("instance_id", inst.ID),
				zap.String("action", string(action.Kind)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", action.Kind, err)
			}
			continue
		}

		metrics.ChannelDispatchTotal.WithLabelValues(string(action.Kind), "ok").Inc()
		for k, v := range result {
			combined[k] = v
		}
		executed = append(executed, string(action.Kind))
	}

	if firstErr != nil {
		return nil, firstErr
	}

	combined["actions"] = executed
	return combined, nil
}

// resolveEntities 解析实例绑定的触发实体；Deal 绑定时顺带解析其 Prospect
func (d *Dispatcher) resolveEntities(ctx context.Context, inst *workflow.WorkflowInstance) (*crm.Prospect, *crm.Deal, error) {
	var prospect *crm.Prospect
	var deal *crm.Deal

	if inst.DealID != nil {
		var row crm.Deal
		if err := d.db.WithContext(ctx).First(&row, "id = ?", *inst.DealID).Error; err != nil {
			return nil, nil, fmt.Errorf("加载交易记录失败: %w", err)
		}
		deal = &row
	}

	prospectID := ""
	if inst.ProspectID != nil {
		prospectID = *inst.ProspectID
	} else if deal != nil && deal.ProspectID != "" {
		prospectID = deal.ProspectID
	}
	if prospectID != "" {
		var row crm.Prospect
		if err := d.db.WithContext(ctx).First(&row, "id = ?", prospectID).Error; err != nil {
			return nil, nil, fmt.Errorf("加载客户记录失败: %w", err)
		}
		prospect = &row
	}

	return prospect, deal, nil
}
