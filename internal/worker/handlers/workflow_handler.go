package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/worker/tasks"
	"backend/internal/workflow"
	"backend/internal/workflow/engine"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InstanceAdvancer 实例推进契约，便于测试注入
type InstanceAdvancer interface {
	Advance(ctx context.Context, instanceID string) error
}

// WorkflowHandler 工作流队列任务处理器
type WorkflowHandler struct {
	db     *gorm.DB
	engine InstanceAdvancer
	logger *zap.Logger
}

// NewWorkflowHandler 创建处理器
func NewWorkflowHandler(db *gorm.DB, eng InstanceAdvancer, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{db: db, engine: eng, logger: logger}
}

// HandleAdvanceInstance 处理延迟/恢复的实例推进任务
func (h *WorkflowHandler) HandleAdvanceInstance(ctx context.Context, t *asynq.Task) error {
	var payload tasks.AdvanceInstancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析推进任务载荷失败: %w", err)
	}

	h.logger.Debug("处理实例推进任务",
		zap.String("instance_id", payload.InstanceID),
		zap.String("reason", payload.Reason),
	)

	err := h.engine.Advance(ctx, payload.InstanceID)
	if errors.Is(err, engine.ErrInstanceNotFound) {
		// 实例已不存在，重试无意义
		h.logger.Warn("推进任务指向的实例不存在", zap.String("instance_id", payload.InstanceID))
		return nil
	}
	return err
}

// HandleSweepDueSteps 扫描到期的 PENDING 步骤并逐实例推进
// 这是延迟推进任务丢失时的兜底轮询
func (h *WorkflowHandler) HandleSweepDueSteps(ctx context.Context, t *asynq.Task) error {
	var payload tasks.SweepDueStepsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析扫描任务载荷失败: %w", err)
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = 200
	}

	var instanceIDs []string
	err := h.db.WithContext(ctx).Model(&workflow.StepExecution{}).
		Distinct("step_executions.instance_id").
		Joins("JOIN workflow_instances ON workflow_instances.id = step_executions.instance_id").
		Where("step_executions.status = ?", workflow.StepPending).
		Where("step_executions.scheduled_for <= ?", time.Now()).
		Where("workflow_instances.status = ?", workflow.InstanceActive).
		Limit(limit).
		Pluck("step_executions.instance_id", &instanceIDs).Error
	if err != nil {
		return fmt.Errorf("查询到期步骤失败: %w", err)
	}

	advanced := 0
	for _, id := range instanceIDs {
		if err := h.engine.Advance(ctx, id); err != nil {
			// 单实例失败不中断整轮扫描
			h.logger.Error("扫描推进实例失败", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		advanced++
	}

	if len(instanceIDs) > 0 {
		h.logger.Info("到期步骤扫描完成",
			zap.Int("due", len(instanceIDs)),
			zap.Int("advanced", advanced),
		)
	}
	return nil
}
