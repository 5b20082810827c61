package engine

import (
	"testing"
	"time"

	"backend/internal/workflow"
)

func TestDelayDuration(t *testing.T) {
	cases := []struct {
		name  string
		value int
		unit  string
		want  time.Duration
	}{
		{"2 天等于 48 小时", 2, workflow.DelayDays, 48 * time.Hour},
		{"3 小时", 3, workflow.DelayHours, 3 * time.Hour},
		{"30 分钟", 30, workflow.DelayMinutes, 30 * time.Minute},
		{"零延迟", 0, workflow.DelayMinutes, 0},
		{"负值按零", -5, workflow.DelayHours, 0},
		{"未知单位按分钟", 10, "WEEKS", 10 * time.Minute},
		{"空单位按分钟", 10, "", 10 * time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &workflow.TaskDefinition{DelayValue: tc.value, DelayUnit: tc.unit}
			if got := DelayDuration(task); got != tc.want {
				t.Fatalf("DelayDuration(%d %s) = %v, want %v", tc.value, tc.unit, got, tc.want)
			}
		})
	}
}

func TestScheduleForAnchorsAtCreation(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	task := &workflow.TaskDefinition{DelayValue: 2, DelayUnit: workflow.DelayDays}
	want := now.Add(48 * time.Hour)
	if got := ScheduleFor(task, now); !got.Equal(want) {
		t.Fatalf("ScheduleFor = %v, want %v", got, want)
	}
}
