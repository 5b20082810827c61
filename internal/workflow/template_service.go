package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrTemplateNotFound 模板不存在或未启用
var ErrTemplateNotFound = errors.New("workflow template not found")

// ErrTemplateInUse 模板仍被运行中的实例引用
var ErrTemplateInUse = errors.New("workflow template has running instances")

// NormalizeKind 归一化工作流类别，兼容旧的管道别名
func NormalizeKind(kind string) string {
	switch kind {
	case "BUYER_PIPELINE":
		return KindBuyer
	case "SELLER_PIPELINE":
		return KindSeller
	default:
		return kind
	}
}

// TaskInput 创建模板时的任务定义，父引用按列表下标表达
type TaskInput struct {
	Name            string
	TaskType        string
	AgentRef        string
	DelayValue      int
	DelayUnit       string
	IsHITL          bool
	IsOptional      bool
	ParentTaskIndex *int
	BranchCondition *BranchCondition
	ActionConfig    ActionConfig
}

// TemplateInput 创建模板的入参
type TemplateInput struct {
	OwnerID     string
	Name        string
	Description string
	Kind        string
	AutoTrigger string
	Tasks       []TaskInput
}

// TemplateService 模板存取服务
type TemplateService struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewTemplateService 创建模板服务
func NewTemplateService(db *gorm.DB) *TemplateService {
	return &TemplateService{db: db, log: logger.Named("template")}
}

// Create 创建模板及其任务，按下标解析父引用
func (s *TemplateService) Create(ctx context.Context, input TemplateInput) (*WorkflowTemplate, error) {
	tpl := &WorkflowTemplate{
		ID:          uuid.NewString(),
		OwnerID:     input.OwnerID,
		Name:        input.Name,
		Description: input.Description,
		Kind:        NormalizeKind(input.Kind),
		Active:      true,
		AutoTrigger: input.AutoTrigger,
	}

	taskIDs := make([]string, len(input.Tasks))
	for i := range input.Tasks {
		taskIDs[i] = uuid.NewString()
	}

	for i, in := range input.Tasks {
		delayUnit := in.DelayUnit
		if delayUnit == "" {
			delayUnit = DelayMinutes
		}
		task := TaskDefinition{
			ID:              taskIDs[i],
			TemplateID:      tpl.ID,
			Name:            in.Name,
			TaskType:        in.TaskType,
			AgentRef:        in.AgentRef,
			DelayValue:      in.DelayValue,
			DelayUnit:       delayUnit,
			IsHITL:          in.IsHITL,
			IsOptional:      in.IsOptional,
			DisplayOrder:    i,
			BranchCondition: in.BranchCondition,
			ActionConfig:    in.ActionConfig,
		}
		if in.ParentTaskIndex != nil {
			idx := *in.ParentTaskIndex
			if idx < 0 || idx >= i {
				return nil, fmt.Errorf("任务 %q 的父引用 %d 非法: 父任务必须排在前面", in.Name, idx)
			}
			parentID := taskIDs[idx]
			task.ParentTaskID = &parentID
		}
		tpl.Tasks = append(tpl.Tasks, task)
	}

	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return nil, fmt.Errorf("创建模板失败: %w", err)
	}

	s.log.Info("模板已创建",
		zap.String("template_id", tpl.ID),
		zap.String("kind", tpl.Kind),
		zap.Int("tasks", len(tpl.Tasks)),
	)
	return tpl, nil
}

// Get 加载单个模板及其有序任务列表
func (s *TemplateService) Get(ctx context.Context, templateID string) (*WorkflowTemplate, error) {
	var tpl WorkflowTemplate
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		First(&tpl, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("加载模板失败: %w", err)
	}
	return &tpl, nil
}

// List 列出归属人的模板
func (s *TemplateService) List(ctx context.Context, ownerID string) ([]WorkflowTemplate, error) {
	var tpls []WorkflowTemplate
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&tpls).Error
	if err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}
	return tpls, nil
}

// LatestActiveByKind 取归属人名下指定类别、最近创建的启用模板
// 已挂接其他自动触发机制（AutoTrigger 非空）的模板被排除
func (s *TemplateService) LatestActiveByKind(ctx context.Context, ownerID, kind string) ([]WorkflowTemplate, error) {
	var tpls []WorkflowTemplate
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		Where("owner_id = ? AND kind = ? AND active = ? AND (auto_trigger IS NULL OR auto_trigger = '')",
			ownerID, NormalizeKind(kind), true).
		Order("created_at DESC").
		Limit(1).
		Find(&tpls).Error
	if err != nil {
		return nil, fmt.Errorf("查询启用模板失败: %w", err)
	}
	return tpls, nil
}

// SetActive 启停模板，不影响在途实例
func (s *TemplateService) SetActive(ctx context.Context, templateID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&WorkflowTemplate{}).
		Where("id = ?", templateID).
		Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("更新模板状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// Delete 删除模板；存在 ACTIVE/PAUSED 实例时拒绝
func (s *TemplateService) Delete(ctx context.Context, templateID string) error {
	var running int64
	err := s.db.WithContext(ctx).Model(&WorkflowInstance{}).
		Where("template_id = ? AND status IN ?", templateID, []string{InstanceActive, InstancePaused}).
		Count(&running).Error
	if err != nil {
		return fmt.Errorf("检查在途实例失败: %w", err)
	}
	if running > 0 {
		return ErrTemplateInUse
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("template_id = ?", templateID).Delete(&TaskDefinition{}).Error; err != nil {
			return fmt.Errorf("删除任务定义失败: %w", err)
		}
		res := tx.Delete(&WorkflowTemplate{}, "id = ?", templateID)
		if res.Error != nil {
			return fmt.Errorf("删除模板失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrTemplateNotFound
		}
		return nil
	})
}

// OrderedTasks 返回按 DisplayOrder 排序的任务副本
func (t *WorkflowTemplate) OrderedTasks() []TaskDefinition {
	tasks := make([]TaskDefinition, len(t.Tasks))
	copy(tasks, t.Tasks)
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].DisplayOrder < tasks[j].DisplayOrder
	})
	return tasks
}
