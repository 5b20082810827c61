package workflow

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// 工作流类别
const (
	KindBuyer  = "BUYER"
	KindSeller = "SELLER"
)

// 实例状态
const (
	InstanceActive    = "ACTIVE"
	InstancePaused    = "PAUSED"
	InstanceCompleted = "COMPLETED"
)

// 步骤执行状态
const (
	StepPending      = "PENDING"
	StepInProgress   = "IN_PROGRESS"
	StepAwaitingHITL = "AWAITING_HITL"
	StepApproved     = "APPROVED"
	StepRejected     = "REJECTED"
	StepCompleted    = "COMPLETED"
	StepFailed       = "FAILED"
	StepSkipped      = "SKIPPED"
)

// 延迟单位
const (
	DelayMinutes = "MINUTES"
	DelayHours   = "HOURS"
	DelayDays    = "DAYS"
)

// ActionKind 渠道动作类别
type ActionKind string

const (
	ActionVoiceCall      ActionKind = "voice_call"
	ActionSMS            ActionKind = "sms"
	ActionEmail          ActionKind = "email"
	ActionCalendarEvent  ActionKind = "calendar_event"
	ActionCreateTask     ActionKind = "create_task"
	ActionGenerateReport ActionKind = "generate_report"
	ActionGenerateDoc    ActionKind = "generate_document"
)

// BranchOperator 分支条件运算符（封闭集合）
type BranchOperator string

const (
	OpEquals      BranchOperator = "equals"
	OpNotEquals   BranchOperator = "not_equals"
	OpContains    BranchOperator = "contains"
	OpGreaterThan BranchOperator = "greater_than"
	OpLessThan    BranchOperator = "less_than"
	OpIsEmpty     BranchOperator = "is_empty"
	OpIsNotEmpty  BranchOperator = "is_not_empty"
)

// BranchCondition 分支条件，针对父步骤的 result 求值
// 用户配置数据，字段缺失或运算符未知时按不满足处理，不报错
type BranchCondition struct {
	Field    string         `json:"field"`
	Operator BranchOperator `json:"operator"`
	Value    any            `json:"value,omitempty"`
}

// VoiceCallAction 语音外呼动作参数
type VoiceCallAction struct {
	AgentRef        string            `json:"agentRef,omitempty"`
	Script          string            `json:"script,omitempty"`
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`
}

// SMSAction 短信动作参数
type SMSAction struct {
	Message string `json:"message"`
}

// EmailAction 邮件动作参数
type EmailAction struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtml,omitempty"`
	BodyText string `json:"bodyText,omitempty"`
}

// CalendarEventAction 日历预约动作参数
type CalendarEventAction struct {
	Title         string `json:"title"`
	Location      string `json:"location,omitempty"`
	OffsetMinutes int    `json:"offsetMinutes,omitempty"` // 距当前时间的开始偏移
	DurationMin   int    `json:"durationMin,omitempty"`
}

// CreateTaskAction 待办创建动作参数
type CreateTaskAction struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"` // 默认 MEDIUM
	DueInDays   int    `json:"dueInDays,omitempty"`
}

// GenerateReportAction 报告生成动作参数
// Kind: cma / market_research / presentation
type GenerateReportAction struct {
	Kind       string            `json:"kind"`
	Title      string            `json:"title,omitempty"`
	Parameters datatypes.JSONMap `json:"parameters,omitempty"`
}

// GenerateDocumentAction 文档生成动作参数
type GenerateDocumentAction struct {
	TemplateName string            `json:"templateName"`
	Parameters   datatypes.JSONMap `json:"parameters,omitempty"`
}

// Action 单个渠道动作，按 Kind 取用对应变体字段
type Action struct {
	Kind ActionKind `json:"kind"`

	VoiceCall     *VoiceCallAction        `json:"voiceCall,omitempty"`
	SMS           *SMSAction              `json:"sms,omitempty"`
	Email         *EmailAction            `json:"email,omitempty"`
	CalendarEvent *CalendarEventAction    `json:"calendarEvent,omitempty"`
	CreateTask    *CreateTaskAction       `json:"createTask,omitempty"`
	Report        *GenerateReportAction   `json:"report,omitempty"`
	Document      *GenerateDocumentAction `json:"document,omitempty"`
}

// ActionConfig 一个任务要执行的动作序列
type ActionConfig struct {
	Actions []Action `json:"actions,omitempty"`
	// 可选的自动审批表达式，针对父结果与实例元数据求值
	AutoApproveExpr string `json:"autoApproveExpr,omitempty"`
}

// Value 实现 driver.Valuer 接口，用于 GORM 存储 JSONB
func (c ActionConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan 实现 sql.Scanner 接口，用于 GORM 读取 JSONB
func (c *ActionConfig) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// WorkflowTemplate 工作流模板，被运行中的实例引用后视为不可变
type WorkflowTemplate struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID string `json:"ownerId" gorm:"type:uuid;not null;index"`

	Name        string `json:"name" gorm:"size:255;not null"`
	Description string `json:"description" gorm:"type:text"`
	Kind        string `json:"kind" gorm:"size:50;not null;index"` // BUYER / SELLER
	Active      bool   `json:"active" gorm:"not null;default:true"`

	// 非空表示已挂接到其他自动触发机制，事件检测器会跳过它
	AutoTrigger string `json:"autoTrigger" gorm:"size:100"`

	Tasks []TaskDefinition `json:"tasks" gorm:"foreignKey:TemplateID"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TaskDefinition 模板内的单个任务定义
type TaskDefinition struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TemplateID string `json:"templateId" gorm:"type:uuid;not null;index"`

	Name     string `json:"name" gorm:"size:255;not null"`
	TaskType string `json:"taskType" gorm:"size:100"`
	AgentRef string `json:"agentRef" gorm:"size:255"`

	DelayValue int    `json:"delayValue" gorm:"default:0"`
	DelayUnit  string `json:"delayUnit" gorm:"size:20;default:MINUTES"`

	IsHITL     bool `json:"isHitl" gorm:"default:false"`
	IsOptional bool `json:"isOptional" gorm:"default:false"`

	// 总序；父任务的 DisplayOrder 必须严格小于子任务
	DisplayOrder int     `json:"displayOrder" gorm:"not null;index"`
	ParentTaskID *string `json:"parentTaskId" gorm:"type:uuid"`

	BranchCondition *BranchCondition `json:"branchCondition,omitempty" gorm:"type:jsonb;serializer:json"`
	ActionConfig    ActionConfig     `json:"actionConfig" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// WorkflowInstance 模板的一次运行，绑定单个触发实体
type WorkflowInstance struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TemplateID string `json:"templateId" gorm:"type:uuid;not null;index"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`

	// 触发实体，至少一个非空
	ProspectID *string `json:"prospectId" gorm:"type:uuid;index"`
	DealID     *string `json:"dealId" gorm:"type:uuid;index"`

	Status string `json:"status" gorm:"size:50;not null;default:ACTIVE;index"`

	// 跨步骤产物（报告 ID 等）
	Metadata datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`

	StartedAt   time.Time  `json:"startedAt" gorm:"not null;autoCreateTime"`
	CompletedAt *time.Time `json:"completedAt"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// StepExecution 一个实例内单个任务的执行记录，作为审计痕迹永不删除
type StepExecution struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	InstanceID string `json:"instanceId" gorm:"type:uuid;not null;uniqueIndex:uniq_step_instance_task,priority:1;index"`
	TaskID     string `json:"taskId" gorm:"type:uuid;not null;uniqueIndex:uniq_step_instance_task,priority:2"`

	Status string `json:"status" gorm:"size:50;not null;default:PENDING;index"`

	// 创建时刻确定的最早可执行时间
	ScheduledFor time.Time `json:"scheduledFor" gorm:"not null;index"`

	Result       map[string]any `json:"result" gorm:"type:jsonb;serializer:json"`
	ErrorMessage string         `json:"errorMessage" gorm:"type:text"`

	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`

	// HITL 审批元数据
	ApprovedBy    string     `json:"approvedBy" gorm:"size:100"`
	ApprovalNotes string     `json:"approvalNotes" gorm:"type:text"`
	DecidedAt     *time.Time `json:"decidedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// HITLNotification 审批提醒记录，每个进入 AWAITING_HITL 的步骤一条
type HITLNotification struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID     string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ExecutionID string `json:"executionId" gorm:"type:uuid;not null;uniqueIndex"`

	Summary string `json:"summary" gorm:"type:text;not null"`
	Urgency string `json:"urgency" gorm:"size:20;not null;default:HIGH"`

	Read     bool `json:"read" gorm:"default:false"`
	Actioned bool `json:"actioned" gorm:"default:false"`

	// 每个渠道独立的投递标记，失败渠道不阻塞其他渠道
	SMSSent   bool   `json:"smsSent" gorm:"default:false"`
	EmailSent bool   `json:"emailSent" gorm:"default:false"`
	LastError string `json:"lastError" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}
