package engine

import (
	"time"

	"backend/internal/workflow"
)

// DelayDuration 把任务配置的延迟换算成时长
// 未知单位按分钟处理，负值视为零
func DelayDuration(task *workflow.TaskDefinition) time.Duration {
	if task.DelayValue <= 0 {
		return 0
	}
	v := time.Duration(task.DelayValue)
	switch task.DelayUnit {
	case workflow.DelayDays:
		return v * 24 * time.Hour
	case workflow.DelayHours:
		return v * time.Hour
	case workflow.DelayMinutes:
		return v * time.Minute
	default:
		return v * time.Minute
	}
}

// ScheduleFor 计算步骤的最早可执行时间，在步骤创建时一次性确定
func ScheduleFor(task *workflow.TaskDefinition, now time.Time) time.Time {
	return now.Add(DelayDuration(task))
}
