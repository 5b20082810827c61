package tasks

// Task Types
const (
	TypeAdvanceInstance = "workflow:advance"
	TypeSweepDueSteps   = "workflow:sweep_due"
)

// AdvanceInstancePayload 工作流实例推进任务载荷
type AdvanceInstancePayload struct {
	InstanceID string `json:"instance_id"`
	OwnerID    string `json:"owner_id"`
	Reason     string `json:"reason"` // start / delay / sweep / approval
}

// SweepDueStepsPayload 到期步骤扫描任务载荷
type SweepDueStepsPayload struct {
	Limit int `json:"limit"`
}
