package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 工作流实例指标
var (
	// InstancesStartedTotal 启动的工作流实例总数
	InstancesStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_instances_started_total",
			Help: "启动的工作流实例总数",
		},
		[]string{"template_kind", "source"},
	)

	// InstancesCompletedTotal 完成的工作流实例总数
	InstancesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_instances_completed_total",
			Help: "达到终态的工作流实例总数",
		},
		[]string{"template_kind"},
	)

	// StepTransitionsTotal 步骤状态迁移总数
	StepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_step_transitions_total",
			Help: "步骤执行状态迁移总数",
		},
		[]string{"status"},
	)

	// AdvanceDuration 单次推进耗时（秒）
	AdvanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_advance_duration_seconds",
			Help:    "advance 工作循环耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// 渠道调度指标
var (
	// ChannelDispatchTotal 渠道动作调度总数
	ChannelDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_channel_dispatch_total",
			Help: "渠道动作调度总数",
		},
		[]string{"action", "status"},
	)

	// ChannelDispatchDuration 渠道动作耗时（秒）
	ChannelDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_channel_dispatch_duration_seconds",
			Help:    "渠道动作耗时分布",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"action"},
	)
)

// HITL 审批指标
var (
	// HITLPendingGauge 等待人工审批的步骤数量
	HITLPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_hitl_pending",
			Help: "等待人工审批的步骤数量",
		},
	)

	// HITLDecisionsTotal 审批决策总数
	HITLDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_hitl_decisions_total",
			Help: "审批决策总数",
		},
		[]string{"decision", "auto"},
	)

	// HITLNotificationsTotal 审批通知发送总数
	HITLNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_hitl_notifications_total",
			Help: "审批通知发送总数",
		},
		[]string{"channel", "status"},
	)
)

// 触发器指标
var (
	// TriggerEventsTotal 业务事件触发总数
	TriggerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_trigger_events_total",
			Help: "业务事件触发总数",
		},
		[]string{"event", "outcome"},
	)
)
