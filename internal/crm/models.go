package crm

import (
	"time"

	"gorm.io/datatypes"
)

// Owner 业务归属人（经纪人/销售）的联系方式档案
type Owner struct {
	ID    string `json:"id" gorm:"primaryKey;type:uuid"`
	Name  string `json:"name" gorm:"size:255;not null"`
	Email string `json:"email" gorm:"size:255;index"`
	Phone string `json:"phone" gorm:"size:50"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Prospect 潜在客户记录（触发实体）
type Prospect struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID string `json:"ownerId" gorm:"type:uuid;not null;index"`

	FirstName     string `json:"firstName" gorm:"size:100"`
	LastName      string `json:"lastName" gorm:"size:100"`
	BusinessName  string `json:"businessName" gorm:"size:255"`
	ContactPerson string `json:"contactPerson" gorm:"size:255"`
	Phone         string `json:"phone" gorm:"size:50"`
	Email         string `json:"email" gorm:"size:255"`

	// 自由文本分类标签，如 ["seller", "fsbo"]
	Tags  datatypes.JSONSlice[string] `json:"tags" gorm:"type:jsonb"`
	Stage string                      `json:"stage" gorm:"size:100;index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// FullName 拼接客户姓名
func (p *Prospect) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	if p.FirstName == "" {
		return p.LastName
	}
	return p.FirstName + " " + p.LastName
}

// Deal 交易记录（触发实体），挂在某个 Prospect 下
type Deal struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ProspectID string `json:"prospectId" gorm:"type:uuid;index"`

	Title string `json:"title" gorm:"size:255"`
	Stage string `json:"stage" gorm:"size:100;index"`
	Value float64 `json:"value"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TodoTask 待办事项，由 create_task 动作产生
type TodoTask struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ProspectID string `json:"prospectId" gorm:"type:uuid;index"`

	Title       string     `json:"title" gorm:"size:255;not null"`
	Description string     `json:"description" gorm:"type:text"`
	Status      string     `json:"status" gorm:"size:50;not null;default:TODO"`
	Priority    string     `json:"priority" gorm:"size:50;not null;default:MEDIUM"`
	DueAt       *time.Time `json:"dueAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// CallLog 外呼记录，由 voice_call 动作产生
type CallLog struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ProspectID string `json:"prospectId" gorm:"type:uuid;index"`

	ProviderCallID string `json:"providerCallId" gorm:"size:255;index"`
	AgentRef       string `json:"agentRef" gorm:"size:255"`
	PhoneNumber    string `json:"phoneNumber" gorm:"size:50"`
	Status         string `json:"status" gorm:"size:50"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// Appointment 预约记录，由 calendar_event 动作产生
type Appointment struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ProspectID string `json:"prospectId" gorm:"type:uuid;index"`

	Title    string    `json:"title" gorm:"size:255;not null"`
	Location string    `json:"location" gorm:"size:255"`
	StartsAt time.Time `json:"startsAt" gorm:"not null"`
	EndsAt   time.Time `json:"endsAt"`

	// 外部日历同步是尽力而为的，失败不回滚预约本身
	Synced       bool   `json:"synced" gorm:"default:false"`
	SyncError    string `json:"syncError" gorm:"type:text"`
	ExternalRef  string `json:"externalRef" gorm:"size:255"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Report 生成的报告/文档记录
type Report struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerID    string `json:"ownerId" gorm:"type:uuid;not null;index"`
	ProspectID string `json:"prospectId" gorm:"type:uuid;index"`

	// cma / market_research / presentation / document
	Kind  string `json:"kind" gorm:"size:50;not null;index"`
	Title string `json:"title" gorm:"size:255"`

	Parameters datatypes.JSONMap `json:"parameters" gorm:"type:jsonb"`
	Summary    datatypes.JSONMap `json:"summary" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}
