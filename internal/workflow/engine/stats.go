package engine

import (
	"context"
	"fmt"

	"backend/internal/workflow"
)

// Stats 归属人维度的执行统计
type Stats struct {
	ActiveInstances    int64            `json:"activeInstances"`
	PausedInstances    int64            `json:"pausedInstances"`
	CompletedInstances int64            `json:"completedInstances"`
	PendingApprovals   int64            `json:"pendingApprovals"`
	StepsByStatus      map[string]int64 `json:"stepsByStatus"`
}

// Stats 聚合归属人名下的实例与步骤状态
func (e *Engine) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	stats := &Stats{StepsByStatus: make(map[string]int64)}

	type statusCount struct {
		Status string
		Count  int64
	}

	var instCounts []statusCount
	err := e.db.WithContext(ctx).Model(&workflow.WorkflowInstance{}).
		Select("status, count(*) as count").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&instCounts).Error
	if err != nil {
		return nil, fmt.Errorf("统计实例状态失败: %w", err)
	}
	for _, c := range instCounts {
		switch c.Status {
		case workflow.InstanceActive:
			stats.ActiveInstances = c.Count
		case workflow.InstancePaused:
			stats.PausedInstances = c.Count
		case workflow.InstanceCompleted:
			stats.CompletedInstances = c.Count
		}
	}

	var stepCounts []statusCount
	err = e.db.WithContext(ctx).Model(&workflow.StepExecution{}).
		Select("step_executions.status as status, count(*) as count").
		Joins("JOIN workflow_instances ON workflow_instances.id = step_executions.instance_id").
		Where("workflow_instances.owner_id = ?", ownerID).
		Group("step_executions.status").
		Scan(&stepCounts).Error
	if err != nil {
		return nil, fmt.Errorf("统计步骤状态失败: %w", err)
	}
	for _, c := range stepCounts {
		stats.StepsByStatus[c.Status] = c.Count
		if c.Status == workflow.StepAwaitingHITL {
			stats.PendingApprovals = c.Count
		}
	}

	return stats, nil
}
