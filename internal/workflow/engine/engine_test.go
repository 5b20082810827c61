package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"backend/internal/workflow"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeDispatcher struct {
	results map[string]map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, inst *workflow.WorkflowInstance, task *workflow.TaskDefinition) (map[string]any, error) {
	f.calls = append(f.calls, task.Name)
	if err := f.errs[task.Name]; err != nil {
		return nil, err
	}
	if r, ok := f.results[task.Name]; ok {
		return r, nil
	}
	return map[string]any{"ok": true}, nil
}

type fakeNotifier struct {
	notified []string
	actioned []string
	err      error
}

func (f *fakeNotifier) NotifyApproval(ctx context.Context, ownerID, executionID, summary, urgency string) error {
	f.notified = append(f.notified, executionID)
	return f.err
}

func (f *fakeNotifier) MarkActioned(ctx context.Context, executionID string) error {
	f.actioned = append(f.actioned, executionID)
	return nil
}

func setupEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("初始化 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(
		&workflow.WorkflowTemplate{},
		&workflow.TaskDefinition{},
		&workflow.WorkflowInstance{},
		&workflow.StepExecution{},
		&workflow.HITLNotification{},
	); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

type taskSpec struct {
	name        string
	delayValue  int
	delayUnit   string
	isHITL      bool
	parent      int // -1 表示无父任务
	cond        *workflow.BranchCondition
	autoApprove string
}

func seedTemplate(t *testing.T, db *gorm.DB, ownerID string, specs []taskSpec) *workflow.WorkflowTemplate {
	t.Helper()
	tpl := &workflow.WorkflowTemplate{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    "Test sequence",
		Kind:    workflow.KindBuyer,
		Active:  true,
	}
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}
	for i, spec := range specs {
		unit := spec.delayUnit
		if unit == "" {
			unit = workflow.DelayMinutes
		}
		task := workflow.TaskDefinition{
			ID:              ids[i],
			TemplateID:      tpl.ID,
			Name:            spec.name,
			DelayValue:      spec.delayValue,
			DelayUnit:       unit,
			IsHITL:          spec.isHITL,
			DisplayOrder:    i,
			BranchCondition: spec.cond,
			ActionConfig: workflow.ActionConfig{
				Actions:         []workflow.Action{{Kind: workflow.ActionSMS, SMS: &workflow.SMSAction{Message: "hi"}}},
				AutoApproveExpr: spec.autoApprove,
			},
		}
		if spec.parent >= 0 {
			parentID := ids[spec.parent]
			task.ParentTaskID = &parentID
		}
		tpl.Tasks = append(tpl.Tasks, task)
	}
	if err := db.Create(tpl).Error; err != nil {
		t.Fatalf("写入模板失败: %v", err)
	}
	return tpl
}

func newTestEngine(db *gorm.DB, d *fakeDispatcher, n *fakeNotifier) *Engine {
	return NewEngine(db, d, n)
}

func loadInstance(t *testing.T, db *gorm.DB, id string) *workflow.WorkflowInstance {
	t.Helper()
	var inst workflow.WorkflowInstance
	if err := db.First(&inst, "id = ?", id).Error; err != nil {
		t.Fatalf("加载实例失败: %v", err)
	}
	return &inst
}

func loadStepByTaskName(t *testing.T, db *gorm.DB, instanceID, taskName string) *workflow.StepExecution {
	t.Helper()
	var task workflow.TaskDefinition
	if err := db.First(&task, "name = ?", taskName).Error; err != nil {
		t.Fatalf("加载任务 %s 失败: %v", taskName, err)
	}
	var step workflow.StepExecution
	if err := db.First(&step, "instance_id = ? AND task_id = ?", instanceID, task.ID).Error; err != nil {
		t.Fatalf("加载步骤 %s 失败: %v", taskName, err)
	}
	return &step
}

func countSteps(t *testing.T, db *gorm.DB, instanceID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&workflow.StepExecution{}).Where("instance_id = ?", instanceID).Count(&n).Error; err != nil {
		t.Fatalf("统计步骤失败: %v", err)
	}
	return n
}

func TestStartInstanceTemplateNotFound(t *testing.T) {
	db := setupEngineTestDB(t)
	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})

	_, err := eng.StartInstance(context.Background(), "owner-1", uuid.NewString(), Trigger{ProspectID: "p-1"})
	if !errors.Is(err, workflow.ErrTemplateNotFound) {
		t.Fatalf("模板不存在时应返回 ErrTemplateNotFound, got %v", err)
	}
}

func TestStartInstanceInactiveTemplate(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{{name: "A", parent: -1}})
	if err := db.Model(&workflow.WorkflowTemplate{}).Where("id = ?", tpl.ID).Update("active", false).Error; err != nil {
		t.Fatalf("停用模板失败: %v", err)
	}

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	_, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if !errors.Is(err, workflow.ErrTemplateNotFound) {
		t.Fatalf("停用模板应视作不存在, got %v", err)
	}
}

func TestStartInstanceRequiresTriggerEntity(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{{name: "A", parent: -1}})

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	_, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{})
	require.ErrorIs(t, err, ErrMissingTriggerEntity)
}

func TestTerminalConvergence(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1},
		{name: "B", parent: -1},
		{name: "C", parent: -1},
	})

	dispatcher := &fakeDispatcher{}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	got := loadInstance(t, db, inst.ID)
	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("零延迟链应同调用内收敛到 COMPLETED, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("完成实例应记录 completed_at")
	}
	if n := countSteps(t, db, inst.ID); n != 3 {
		t.Fatalf("应恰好 3 条步骤记录, got %d", n)
	}

	var completed int64
	db.Model(&workflow.StepExecution{}).
		Where("instance_id = ? AND status = ?", inst.ID, workflow.StepCompleted).
		Count(&completed)
	if completed != 3 {
		t.Fatalf("应恰好 3 条 COMPLETED 步骤, got %d", completed)
	}
	require.Equal(t, []string{"A", "B", "C"}, dispatcher.calls)
}

func TestAdvanceIsIdempotent(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, delayValue: 1, delayUnit: workflow.DelayHours},
	})

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	if err := eng.Advance(context.Background(), inst.ID); err != nil {
		t.Fatalf("重复推进失败: %v", err)
	}
	if err := eng.Advance(context.Background(), inst.ID); err != nil {
		t.Fatalf("重复推进失败: %v", err)
	}

	if n := countSteps(t, db, inst.ID); n != 1 {
		t.Fatalf("重复推进不应产生重复步骤, got %d", n)
	}
}

func TestDelayCorrectness(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, delayValue: 2, delayUnit: workflow.DelayDays},
	})

	before := time.Now()
	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}
	after := time.Now()

	step := loadStepByTaskName(t, db, inst.ID, "A")
	if step.Status != workflow.StepPending {
		t.Fatalf("未到期步骤应保持 PENDING, got %s", step.Status)
	}

	wantMin := before.Add(48 * time.Hour)
	wantMax := after.Add(48 * time.Hour)
	if step.ScheduledFor.Before(wantMin.Add(-time.Second)) || step.ScheduledFor.After(wantMax.Add(time.Second)) {
		t.Fatalf("scheduledFor 应为创建时刻 + 48h, got %v", step.ScheduledFor)
	}

	// 到期前再次推进不得改变该步骤
	if err := eng.Advance(context.Background(), inst.ID); err != nil {
		t.Fatalf("推进失败: %v", err)
	}
	again := loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, workflow.StepPending, again.Status)
	require.True(t, again.ScheduledFor.Equal(step.ScheduledFor))
	require.EqualValues(t, 1, countSteps(t, db, inst.ID))
}

func TestOrderingInvariantParentGatesChild(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, isHITL: true},
		{name: "B", parent: 0},
	})

	notifier := &fakeNotifier{}
	eng := newTestEngine(db, &fakeDispatcher{}, notifier)
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	// A 停在闸门，B 的步骤不得提前创建
	stepA := loadStepByTaskName(t, db, inst.ID, "A")
	if stepA.Status != workflow.StepAwaitingHITL {
		t.Fatalf("HITL 步骤应停在 AWAITING_HITL, got %s", stepA.Status)
	}
	if n := countSteps(t, db, inst.ID); n != 1 {
		t.Fatalf("父任务未完成前子任务不应有步骤记录, got %d", n)
	}
	require.Len(t, notifier.notified, 1)

	if err := eng.Approve(context.Background(), stepA.ID, "approver-1", "ok"); err != nil {
		t.Fatalf("批准失败: %v", err)
	}

	stepA = loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, workflow.StepCompleted, stepA.Status)
	stepB := loadStepByTaskName(t, db, inst.ID, "B")
	require.Equal(t, workflow.StepCompleted, stepB.Status)
	require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
	require.Contains(t, notifier.actioned, stepA.ID)
}

func TestHITLGateInvalidStateTransitions(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, isHITL: true},
	})

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}
	step := loadStepByTaskName(t, db, inst.ID, "A")

	if err := eng.Reject(context.Background(), step.ID, "approver-1", "no"); err != nil {
		t.Fatalf("驳回失败: %v", err)
	}

	step = loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, workflow.StepRejected, step.Status)
	require.Equal(t, "approver-1", step.ApprovedBy)

	// 驳回是终态，二次审批必须失败
	require.ErrorIs(t, eng.Approve(context.Background(), step.ID, "approver-2", ""), ErrInvalidGateState)
	require.ErrorIs(t, eng.Reject(context.Background(), step.ID, "approver-2", ""), ErrInvalidGateState)

	// 驳回不向下游推进
	require.Equal(t, workflow.InstanceActive, loadInstance(t, db, inst.ID).Status)
}

func TestApproveUnknownExecution(t *testing.T) {
	db := setupEngineTestDB(t)
	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	require.ErrorIs(t, eng.Approve(context.Background(), uuid.NewString(), "a", ""), ErrExecutionNotFound)
}

func TestFailureContainment(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1},
		{name: "B", parent: -1},
	})

	dispatcher := &fakeDispatcher{errs: map[string]error{"A": errors.New("provider down")}}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	stepA := loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, workflow.StepFailed, stepA.Status)
	require.Contains(t, stepA.ErrorMessage, "provider down")

	got := loadInstance(t, db, inst.ID)
	if got.Status != workflow.InstanceActive {
		t.Fatalf("失败实例应保持 ACTIVE, got %s", got.Status)
	}
	if n := countSteps(t, db, inst.ID); n != 1 {
		t.Fatalf("失败步骤之后不应再创建步骤, got %d", n)
	}

	// 再次推进停在失败步骤上，不重试也不越过
	if err := eng.Advance(context.Background(), inst.ID); err != nil {
		t.Fatalf("推进失败: %v", err)
	}
	require.Equal(t, []string{"A"}, dispatcher.calls)
	require.EqualValues(t, 1, countSteps(t, db, inst.ID))
}

func TestBranchGoldProceedsSilverSkips(t *testing.T) {
	cond := &workflow.BranchCondition{Field: "tier", Operator: workflow.OpEquals, Value: "gold"}

	run := func(t *testing.T, tier string) (*gorm.DB, *workflow.WorkflowInstance) {
		db := setupEngineTestDB(t)
		tpl := seedTemplate(t, db, "owner-1", []taskSpec{
			{name: "A", parent: -1},
			{name: "B", parent: 0, cond: cond},
			{name: "C", parent: 0},
		})
		dispatcher := &fakeDispatcher{results: map[string]map[string]any{
			"A": {"tier": tier},
		}}
		eng := newTestEngine(db, dispatcher, &fakeNotifier{})
		inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
		if err != nil {
			t.Fatalf("启动实例失败: %v", err)
		}
		return db, inst
	}

	t.Run("gold 放行子任务", func(t *testing.T) {
		db, inst := run(t, "gold")
		require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "B").Status)
		require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "C").Status)
		require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
	})

	t.Run("silver 跳过子任务但不阻塞兄弟", func(t *testing.T) {
		db, inst := run(t, "silver")
		require.Equal(t, workflow.StepSkipped, loadStepByTaskName(t, db, inst.ID, "B").Status)
		require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "C").Status)
		require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
	})
}

func TestEndToEndNegativeSentimentScenario(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1},
		{name: "B", parent: 0, cond: &workflow.BranchCondition{
			Field: "sentiment", Operator: workflow.OpEquals, Value: "positive",
		}},
		{name: "C", parent: 0},
	})

	dispatcher := &fakeDispatcher{results: map[string]map[string]any{
		"A": {"sentiment": "negative"},
	}}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	require.EqualValues(t, 3, countSteps(t, db, inst.ID))
	require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "A").Status)
	require.Equal(t, workflow.StepSkipped, loadStepByTaskName(t, db, inst.ID, "B").Status)
	require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "C").Status)
	require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
	require.Equal(t, []string{"A", "C"}, dispatcher.calls)
}

func TestCascadeSkipThroughSkippedParent(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1},
		{name: "B", parent: 0, cond: &workflow.BranchCondition{
			Field: "answered", Operator: workflow.OpEquals, Value: true,
		}},
		{name: "C", parent: 1}, // 父任务被跳过时整条分支级联跳过
		{name: "D", parent: -1},
	})

	dispatcher := &fakeDispatcher{results: map[string]map[string]any{
		"A": {"answered": false},
	}}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	require.Equal(t, workflow.StepSkipped, loadStepByTaskName(t, db, inst.ID, "B").Status)
	require.Equal(t, workflow.StepSkipped, loadStepByTaskName(t, db, inst.ID, "C").Status)
	require.Equal(t, workflow.StepCompleted, loadStepByTaskName(t, db, inst.ID, "D").Status)
	require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
}

func TestAutoApproveSkipsNotification(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1},
		{name: "B", parent: 0, isHITL: true, autoApprove: "sentiment == 'positive'"},
	})

	dispatcher := &fakeDispatcher{results: map[string]map[string]any{
		"A": {"sentiment": "positive"},
	}}
	notifier := &fakeNotifier{}
	eng := newTestEngine(db, dispatcher, notifier)
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	stepB := loadStepByTaskName(t, db, inst.ID, "B")
	require.Equal(t, workflow.StepCompleted, stepB.Status)
	require.Equal(t, "system", stepB.ApprovedBy)
	require.Empty(t, notifier.notified, "自动批准不应发人工提醒")
	require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
}

func TestHITLStepNeverCompletesWithoutApproval(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, isHITL: true},
	})

	dispatcher := &fakeDispatcher{}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := eng.Advance(context.Background(), inst.ID); err != nil {
			t.Fatalf("推进失败: %v", err)
		}
	}

	step := loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, workflow.StepAwaitingHITL, step.Status)
	require.Empty(t, dispatcher.calls, "闸门放行前不得调度动作")
}

func TestDispatchResultPersistedAndMetadataSaved(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{{name: "A", parent: -1}})

	dispatcher := &fakeDispatcher{results: map[string]map[string]any{
		"A": {"callId": "call-123", "answered": true},
	}}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	step := loadStepByTaskName(t, db, inst.ID, "A")
	require.Equal(t, "call-123", step.Result["callId"])
	require.Equal(t, true, step.Result["answered"])
	require.NotNil(t, step.CompletedAt)
	require.NotNil(t, step.StartedAt)
}

func TestPauseBlocksAdvanceAndResumeContinues(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, delayValue: 1, delayUnit: workflow.DelayMinutes},
	})

	dispatcher := &fakeDispatcher{}
	eng := newTestEngine(db, dispatcher, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"})
	if err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	require.NoError(t, eng.PauseInstance(context.Background(), inst.ID))
	require.NoError(t, eng.Advance(context.Background(), inst.ID))
	require.Empty(t, dispatcher.calls)
	require.Equal(t, workflow.InstancePaused, loadInstance(t, db, inst.ID).Status)

	// 让延迟步骤到期后恢复
	if err := db.Model(&workflow.StepExecution{}).
		Where("instance_id = ?", inst.ID).
		Update("scheduled_for", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("调整 scheduled_for 失败: %v", err)
	}
	require.NoError(t, eng.ResumeInstance(context.Background(), inst.ID))
	require.Equal(t, []string{"A"}, dispatcher.calls)
	require.Equal(t, workflow.InstanceCompleted, loadInstance(t, db, inst.ID).Status)
}

func TestStatsAggregation(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{
		{name: "A", parent: -1, isHITL: true},
	})

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	if _, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1"}); err != nil {
		t.Fatalf("启动实例失败: %v", err)
	}

	stats, err := eng.Stats(context.Background(), "owner-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ActiveInstances)
	require.EqualValues(t, 1, stats.PendingApprovals)
	require.EqualValues(t, 1, stats.StepsByStatus[workflow.StepAwaitingHITL])
}

func TestStartInstanceKeepsMetadataBag(t *testing.T) {
	db := setupEngineTestDB(t)
	tpl := seedTemplate(t, db, "owner-1", []taskSpec{{name: "A", parent: -1}})

	eng := newTestEngine(db, &fakeDispatcher{}, &fakeNotifier{})
	inst, err := eng.StartInstance(context.Background(), "owner-1", tpl.ID, Trigger{ProspectID: "p-1", DealID: "d-1"})
	require.NoError(t, err)

	got := loadInstance(t, db, inst.ID)
	require.NotNil(t, got.ProspectID)
	require.NotNil(t, got.DealID)
	require.IsType(t, datatypes.JSONMap{}, got.Metadata)
}
