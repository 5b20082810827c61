package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInstanceNotFound 实例不存在
	ErrInstanceNotFound = errors.New("workflow instance not found")
	// ErrExecutionNotFound 步骤执行记录不存在
	ErrExecutionNotFound = errors.New("step execution not found")
	// ErrInvalidGateState 审批操作作用在非 AWAITING_HITL 步骤上
	ErrInvalidGateState = errors.New("step is not awaiting approval")
	// ErrMissingTriggerEntity 启动实例时未绑定触发实体
	ErrMissingTriggerEntity = errors.New("trigger entity required")
)

// Trigger 启动实例的触发实体描述
type Trigger struct {
	ProspectID string
	DealID     string
	Source     string // prospect_created / stage_changed / manual
}

// ActionDispatcher 渠道动作调度契约
// 返回归一化的 result 载荷；任一动作失败时返回首个失败的错误
type ActionDispatcher interface {
	Dispatch(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition) (map[string]any, error)
}

// ApprovalNotifier HITL 审批提醒契约，投递尽力而为
type ApprovalNotifier interface {
	NotifyApproval(ctx context.Context, ownerID, executionID, summary, urgency string) error
	MarkActioned(ctx context.Context, executionID string) error
}

// Engine 工作流执行引擎
// 同一实例的步骤严格串行推进；跨实例并发不受限制
type Engine struct {
	db         *gorm.DB
	dispatcher ActionDispatcher
	notifier   ApprovalNotifier
	queue      queue.Client
	locker     InstanceLocker
	policy     config.WorkflowConfig
	now        func() time.Time
	log        *zap.Logger
}

// EngineOption 引擎可选配置
type EngineOption func(*Engine)

// WithQueueClient 设置延迟推进用的队列客户端
func WithQueueClient(c queue.Client) EngineOption {
	return func(e *Engine) { e.queue = c }
}

// WithLocker 设置实例推进锁
func WithLocker(l InstanceLocker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// WithPolicy 设置执行策略（重试次数等）
func WithPolicy(p config.WorkflowConfig) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithNow 注入时钟，测试用
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建执行引擎
func NewEngine(db *gorm.DB, dispatcher ActionDispatcher, notifier ApprovalNotifier, opts ...EngineOption) *Engine {
	e := &Engine{
		db:         db,
		dispatcher: dispatcher,
		notifier:   notifier,
		now:        time.Now,
		log:        logger.Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartInstance 按模板创建实例并立即推进一次
// 模板不存在、未启用或不属于该归属人时返回 workflow.ErrTemplateNotFound
func (e *Engine) StartInstance(ctx context.Context, ownerID, templateID string, trig Trigger) (*workflow.WorkflowInstance, error) {
	if trig.ProspectID == "" && trig.DealID == "" {
		return nil, ErrMissingTriggerEntity
	}

	var tpl workflow.WorkflowTemplate
	err := e.db.WithContext(ctx).First(&tpl, "id = ? AND owner_id = ?", templateID, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("加载模板失败: %w", err)
	}
	if !tpl.Active {
		return nil, workflow.ErrTemplateNotFound
	}

	inst := &workflow.WorkflowInstance{
		ID:         uuid.NewString(),
		TemplateID: tpl.ID,
		OwnerID:    ownerID,
		Status:     workflow.InstanceActive,
		Metadata:   datatypes.JSONMap{},
	}
	if trig.ProspectID != "" {
		pid := trig.ProspectID
		inst.ProspectID = &pid
	}
	if trig.DealID != "" {
		did := trig.DealID
		inst.DealID = &did
	}

	if err := e.db.WithContext(ctx).Create(inst).Error; err != nil {
		return nil, fmt.Errorf("创建实例失败: %w", err)
	}

	source := trig.Source
	if source == "" {
		source = "manual"
	}
	metrics.InstancesStartedTotal.WithLabelValues(tpl.Kind, source).Inc()
	e.log.Info("实例已启动",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", tpl.ID),
		zap.String("source", source),
	)

	if err := e.Advance(ctx, inst.ID); err != nil {
		return nil, err
	}
	return inst, nil
}

// Advance 推进实例到不动点：未来步骤、HITL 暂停、失败或实例完成
// 可安全重入；同一任务的步骤创建受 (instance_id, task_id) 唯一约束保护
func (e *Engine) Advance(ctx context.Context, instanceID string) error {
	start := e.now()
	defer func() {
		metrics.AdvanceDuration.Observe(time.Since(start).Seconds())
	}()

	if e.locker != nil {
		release, acquired, err := e.locker.TryLock(ctx, instanceID)
		if err != nil {
			e.log.Warn("获取实例锁失败，继续推进", zap.String("instance_id", instanceID), zap.Error(err))
		} else if !acquired {
			return nil
		} else {
			defer release()
		}
	}

	var inst workflow.WorkflowInstance
	err := e.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInstanceNotFound
	}
	if err != nil {
		return fmt.Errorf("加载实例失败: %w", err)
	}
	if inst.Status != workflow.InstanceActive {
		return nil
	}

	var taskDefs []workflow.TaskDefinition
	if err := e.db.WithContext(ctx).
		Where("template_id = ?", inst.TemplateID).
		Order("display_order ASC").
		Find(&taskDefs).Error; err != nil {
		return fmt.Errorf("加载任务定义失败: %w", err)
	}

	steps, err := e.loadSteps(ctx, inst.ID)
	if err != nil {
		return err
	}

	// 工作循环，显式迭代代替递归，零延迟长链不会撑爆调用栈
	for {
		next := selectNext(taskDefs, steps)
		if next == nil {
			if allDone(taskDefs, steps) {
				return e.completeInstance(ctx, &inst)
			}
			return nil
		}

		step, created, err := e.findOrCreateStep(ctx, &inst, next)
		if err != nil {
			return err
		}
		steps[next.ID] = step

		switch step.Status {
		case workflow.StepFailed, workflow.StepRejected,
			workflow.StepAwaitingHITL, workflow.StepInProgress, workflow.StepApproved:
			// 失败/驳回停住等人工介入；在途状态由持有它的调用方收尾
			return nil
		}

		now := e.now()
		if step.ScheduledFor.After(now) {
			if e.queue != nil && created {
				payload := tasks.AdvanceInstancePayload{
					InstanceID: inst.ID,
					OwnerID:    inst.OwnerID,
					Reason:     "delay",
				}
				if err := e.queue.EnqueueAdvanceInstance(payload, step.ScheduledFor.Sub(now)); err != nil {
					e.log.Warn("投递延迟推进任务失败，等待扫描兜底",
						zap.String("instance_id", inst.ID), zap.Error(err))
				}
			}
			return nil
		}

		if next.ParentTaskID != nil {
			parentStep := steps[*next.ParentTaskID]
			if parentStep == nil {
				return nil
			}
			if parentStep.Status == workflow.StepSkipped {
				// 父步骤被跳过时没有 result 可供分支求值，整条分支级联跳过
				if err := e.markSkipped(ctx, step); err != nil {
					return err
				}
				continue
			}
			if next.BranchCondition != nil && !EvaluateBranch(next.BranchCondition, parentStep.Result) {
				if err := e.markSkipped(ctx, step); err != nil {
					return err
				}
				continue
			}
		}

		startedAt := now
		if err := e.updateStep(ctx, step, map[string]any{
			"status":     workflow.StepInProgress,
			"started_at": startedAt,
		}); err != nil {
			return err
		}
		step.Status = workflow.StepInProgress
		step.StartedAt = &startedAt
		metrics.StepTransitionsTotal.WithLabelValues(workflow.StepInProgress).Inc()

		if next.IsHITL {
			proceed, err := e.enterGate(ctx, &inst, next, step, parentResult(next, steps))
			if err != nil {
				return err
			}
			if !proceed {
				return nil
			}
		}

		if err := e.dispatchStep(ctx, &inst, next, step); err != nil {
			// 失败已记录在步骤上，停止推进
			return nil
		}
	}
}

// Approve 人工批准 AWAITING_HITL 步骤，随后调度动作并继续推进
func (e *Engine) Approve(ctx context.Context, executionID, approverID, notes string) error {
	step, err := e.loadStep(ctx, executionID)
	if err != nil {
		return err
	}
	if step.Status != workflow.StepAwaitingHITL {
		return ErrInvalidGateState
	}

	now := e.now()
	if err := e.updateStep(ctx, step, map[string]any{
		"status":         workflow.StepApproved,
		"approved_by":    approverID,
		"approval_notes": notes,
		"decided_at":     now,
	}); err != nil {
		return err
	}
	step.Status = workflow.StepApproved
	metrics.HITLPendingGauge.Dec()
	metrics.HITLDecisionsTotal.WithLabelValues("approve", "manual").Inc()

	if e.notifier != nil {
		if err := e.notifier.MarkActioned(ctx, step.ID); err != nil {
			e.log.Warn("标记通知已处理失败", zap.String("execution_id", step.ID), zap.Error(err))
		}
	}

	var inst workflow.WorkflowInstance
	if err := e.db.WithContext(ctx).First(&inst, "id = ?", step.InstanceID).Error; err != nil {
		return fmt.Errorf("加载实例失败: %w", err)
	}
	task, err := e.loadTask(ctx, step.TaskID)
	if err != nil {
		return err
	}

	e.log.Info("步骤已批准",
		zap.String("execution_id", step.ID),
		zap.String("approver", approverID),
	)

	if err := e.dispatchStep(ctx, &inst, task, step); err != nil {
		// 动作失败已落库，不再向下推进
		return nil
	}
	return e.Advance(ctx, step.InstanceID)
}

// Reject 人工驳回 AWAITING_HITL 步骤；终态，不继续推进下游任务
func (e *Engine) Reject(ctx context.Context, executionID, approverID, notes string) error {
	step, err := e.loadStep(ctx, executionID)
	if err != nil {
		return err
	}
	if step.Status != workflow.StepAwaitingHITL {
		return ErrInvalidGateState
	}

	now := e.now()
	if err := e.updateStep(ctx, step, map[string]any{
		"status":         workflow.StepRejected,
		"approved_by":    approverID,
		"approval_notes": notes,
		"decided_at":     now,
	}); err != nil {
		return err
	}
	metrics.HITLPendingGauge.Dec()
	metrics.HITLDecisionsTotal.WithLabelValues("reject", "manual").Inc()
	metrics.StepTransitionsTotal.WithLabelValues(workflow.StepRejected).Inc()

	if e.notifier != nil {
		if err := e.notifier.MarkActioned(ctx, step.ID); err != nil {
			e.log.Warn("标记通知已处理失败", zap.String("execution_id", step.ID), zap.Error(err))
		}
	}

	e.log.Info("步骤已驳回",
		zap.String("execution_id", step.ID),
		zap.String("approver", approverID),
	)
	return nil
}

// PauseInstance 人工暂停实例，暂停期间 Advance 不做任何事
func (e *Engine) PauseInstance(ctx context.Context, instanceID string) error {
	return e.setInstanceStatus(ctx, instanceID, workflow.InstanceActive, workflow.InstancePaused)
}

// ResumeInstance 恢复暂停的实例并立即推进
func (e *Engine) ResumeInstance(ctx context.Context, instanceID string) error {
	if err := e.setInstanceStatus(ctx, instanceID, workflow.InstancePaused, workflow.InstanceActive); err != nil {
		return err
	}
	return e.Advance(ctx, instanceID)
}

// enterGate 处理 HITL 闸门；返回 true 表示自动批准放行，可直接调度
func (e *Engine) enterGate(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition, step *workflow.StepExecution, parentRes map[string]any) (bool, error) {
	approved, err := evalAutoApprove(task.ActionConfig.AutoApproveExpr, parentRes, inst.Metadata)
	if err != nil {
		e.log.Warn("自动审批表达式求值失败，转人工审批",
			zap.String("execution_id", step.ID), zap.Error(err))
	}

	now := e.now()
	if approved {
		if err := e.updateStep(ctx, step, map[string]any{
			"status":      workflow.StepApproved,
			"approved_by": "system",
			"decided_at":  now,
		}); err != nil {
			return false, err
		}
		step.Status = workflow.StepApproved
		metrics.HITLDecisionsTotal.WithLabelValues("approve", "auto").Inc()
		e.log.Info("步骤自动批准", zap.String("execution_id", step.ID))
		return true, nil
	}

	if err := e.updateStep(ctx, step, map[string]any{
		"status": workflow.StepAwaitingHITL,
	}); err != nil {
		return false, err
	}
	step.Status = workflow.StepAwaitingHITL
	metrics.StepTransitionsTotal.WithLabelValues(workflow.StepAwaitingHITL).Inc()
	metrics.HITLPendingGauge.Inc()

	if e.notifier != nil {
		summary := fmt.Sprintf("Task %q is awaiting your approval", task.Name)
		if err := e.notifier.NotifyApproval(ctx, inst.OwnerID, step.ID, summary, "HIGH"); err != nil {
			// 提醒失败不能影响工作流状态
			e.log.Warn("发送审批提醒失败",
				zap.String("execution_id", step.ID), zap.Error(err))
		}
	}
	return false, nil
}

// dispatchStep 调度任务的渠道动作并落终态
func (e *Engine) dispatchStep(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition, step *workflow.StepExecution) error {
	var result map[string]any
	var err error

	attempts := 1 + e.policy.DispatchMaxRetries
	for i := 0; i < attempts; i++ {
		result, err = e.dispatcher.Dispatch(ctx, inst, task)
		if err == nil {
			break
		}
	}

	now := e.now()
	if err != nil {
		if updErr := e.updateStep(ctx, step, map[string]any{
			"status":        workflow.StepFailed,
			"error_message": err.Error(),
		}); updErr != nil {
			return updErr
		}
		step.Status = workflow.StepFailed
		step.ErrorMessage = err.Error()
		metrics.StepTransitionsTotal.WithLabelValues(workflow.StepFailed).Inc()
		e.log.Warn("步骤动作执行失败",
			zap.String("execution_id", step.ID),
			zap.String("task", task.Name),
			zap.Error(err),
		)
		return err
	}

	if err := e.updateStep(ctx, step, map[string]any{
		"status":       workflow.StepCompleted,
		"result":       datatypes.JSONMap(result),
		"completed_at": now,
	}); err != nil {
		return err
	}
	step.Status = workflow.StepCompleted
	step.Result = result
	step.CompletedAt = &now
	metrics.StepTransitionsTotal.WithLabelValues(workflow.StepCompleted).Inc()

	// 动作可能向实例元数据写入产物（报告 ID 等）
	if err := e.db.WithContext(ctx).Model(&workflow.WorkflowInstance{}).
		Where("id = ?", inst.ID).
		Update("metadata", inst.Metadata).Error; err != nil {
		e.log.Warn("保存实例元数据失败", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	return nil
}

// findOrCreateStep 幂等创建步骤执行记录
// 并发竞争时落败方读到胜出方的行而不是写出重复行
func (e *Engine) findOrCreateStep(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition) (*workflow.StepExecution, bool, error) {
	var existing workflow.StepExecution
	err := e.db.WithContext(ctx).
		Where("instance_id = ? AND task_id = ?", inst.ID, task.ID).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("查询步骤执行记录失败: %w", err)
	}

	step := &workflow.StepExecution{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		TaskID:       task.ID,
		Status:       workflow.StepPending,
		ScheduledFor: ScheduleFor(task, e.now()),
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "task_id"}},
		DoNothing: true,
	}).Create(step)
	if res.Error != nil {
		return nil, false, fmt.Errorf("创建步骤执行记录失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// 竞争中落败，读取已存在的行
		if err := e.db.WithContext(ctx).
			Where("instance_id = ? AND task_id = ?", inst.ID, task.ID).
			First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("读取既有步骤执行记录失败: %w", err)
		}
		return &existing, false, nil
	}

	metrics.StepTransitionsTotal.WithLabelValues(workflow.StepPending).Inc()
	return step, true, nil
}

func (e *Engine) markSkipped(ctx context.Context, step *workflow.StepExecution) error {
	now := e.now()
	if err := e.updateStep(ctx, step, map[string]any{
		"status":       workflow.StepSkipped,
		"completed_at": now,
	}); err != nil {
		return err
	}
	step.Status = workflow.StepSkipped
	step.CompletedAt = &now
	metrics.StepTransitionsTotal.WithLabelValues(workflow.StepSkipped).Inc()
	return nil
}

func (e *Engine) completeInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	now := e.now()
	if err := e.db.WithContext(ctx).Model(&workflow.WorkflowInstance{}).
		Where("id = ? AND status = ?", inst.ID, workflow.InstanceActive).
		Updates(map[string]any{
			"status":       workflow.InstanceCompleted,
			"completed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("标记实例完成失败: %w", err)
	}
	inst.Status = workflow.InstanceCompleted
	inst.CompletedAt = &now

	var tpl workflow.WorkflowTemplate
	kind := "unknown"
	if err := e.db.WithContext(ctx).Select("kind").First(&tpl, "id = ?", inst.TemplateID).Error; err == nil {
		kind = tpl.Kind
	}
	metrics.InstancesCompletedTotal.WithLabelValues(kind).Inc()

	e.log.Info("实例已完成", zap.String("instance_id", inst.ID))
	return nil
}

func (e *Engine) setInstanceStatus(ctx context.Context, instanceID, from, to string) error {
	res := e.db.WithContext(ctx).Model(&workflow.WorkflowInstance{}).
		Where("id = ? AND status = ?", instanceID, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("更新实例状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (e *Engine) loadSteps(ctx context.Context, instanceID string) (map[string]*workflow.StepExecution, error) {
	var rows []workflow.StepExecution
	if err := e.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("加载步骤执行记录失败: %w", err)
	}
	steps := make(map[string]*workflow.StepExecution, len(rows))
	for i := range rows {
		steps[rows[i].TaskID] = &rows[i]
	}
	return steps, nil
}

func (e *Engine) loadStep(ctx context.Context, executionID string) (*workflow.StepExecution, error) {
	var step workflow.StepExecution
	err := e.db.WithContext(ctx).First(&step, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("加载步骤执行记录失败: %w", err)
	}
	return &step, nil
}

func (e *Engine) loadTask(ctx context.Context, taskID string) (*workflow.TaskDefinition, error) {
	var task workflow.TaskDefinition
	if err := e.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, fmt.Errorf("加载任务定义失败: %w", err)
	}
	return &task, nil
}

func (e *Engine) updateStep(ctx context.Context, step *workflow.StepExecution, updates map[string]any) error {
	if err := e.db.WithContext(ctx).Model(&workflow.StepExecution{}).
		Where("id = ?", step.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("更新步骤执行记录失败: %w", err)
	}
	return nil
}

// selectNext 按 DisplayOrder 选出第一个未完结且父步骤已完结的任务
func selectNext(taskDefs []workflow.TaskDefinition, steps map[string]*workflow.StepExecution) *workflow.TaskDefinition {
	for i := range taskDefs {
		t := &taskDefs[i]
		if stepDone(steps[t.ID]) {
			continue
		}
		if t.ParentTaskID != nil && !stepDone(steps[*t.ParentTaskID]) {
			continue
		}
		return t
	}
	return nil
}

func stepDone(s *workflow.StepExecution) bool {
	return s != nil && (s.Status == workflow.StepCompleted || s.Status == workflow.StepSkipped)
}

func allDone(taskDefs []workflow.TaskDefinition, steps map[string]*workflow.StepExecution) bool {
	for i := range taskDefs {
		if !stepDone(steps[taskDefs[i].ID]) {
			return false
		}
	}
	return true
}

func parentResult(task *workflow.TaskDefinition, steps map[string]*workflow.StepExecution) map[string]any {
	if task.ParentTaskID == nil {
		return nil
	}
	if parent := steps[*task.ParentTaskID]; parent != nil {
		return parent.Result
	}
	return nil
}
