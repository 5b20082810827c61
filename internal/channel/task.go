package channel

import (
	"context"
	"fmt"
	"time"

	"backend/internal/crm"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskCreator create_task 动作：在触发实体名下生成一条普通待办
type TaskCreator struct {
	db *gorm.DB
}

// NewTaskCreator 创建待办动作实现
func NewTaskCreator(db *gorm.DB) *TaskCreator {
	return &TaskCreator{db: db}
}

// Kind 实现 Capability
func (t *TaskCreator) Kind() workflow.ActionKind {
	return workflow.ActionCreateTask
}

// Execute 实现 Capability
func (t *TaskCreator) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Action.CreateTask == nil {
		return nil, fmt.Errorf("create_task 动作缺少参数")
	}
	cfg := req.Action.CreateTask

	priority := cfg.Priority
	if priority == "" {
		priority = "MEDIUM"
	}

	todo := &crm.TodoTask{
		ID:          uuid.NewString(),
		OwnerID:     req.Instance.OwnerID,
		Title:       Personalize(cfg.Title, req.Prospect),
		Description: Personalize(cfg.Description, req.Prospect),
		Status:      "TODO",
		Priority:    priority,
	}
	if req.Prospect != nil {
		todo.ProspectID = req.Prospect.ID
	}
	if cfg.DueInDays > 0 {
		due := time.Now().AddDate(0, 0, cfg.DueInDays)
		todo.DueAt = &due
	}

	if err := t.db.WithContext(ctx).Create(todo).Error; err != nil {
		return nil, fmt.Errorf("创建待办失败: %w", err)
	}

	return map[string]any{"todoTaskId": todo.ID}, nil
}
