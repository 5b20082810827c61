package hitl

import (
	"context"
	"errors"
	"fmt"

	"backend/internal/crm"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SMSSender 审批短信提醒的发送契约
type SMSSender interface {
	Send(ctx context.Context, to, message string) (string, error)
}

// EmailSender 审批邮件提醒的发送契约
type EmailSender interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

// Gateway HITL 审批提醒网关
//
// 投递是尽力而为的：每个渠道独立标记成功与否，单渠道失败不阻塞另一渠道，
// 也绝不把失败上抛到工作流状态迁移
type Gateway struct {
	db    *gorm.DB
	sms   SMSSender
	email EmailSender
	log   *zap.Logger
}

// GatewayOption 网关可选配置
type GatewayOption func(*Gateway)

// WithSMSSender 挂接短信发送渠道
func WithSMSSender(s SMSSender) GatewayOption {
	return func(g *Gateway) { g.sms = s }
}

// WithEmailSender 挂接邮件发送渠道
func WithEmailSender(e EmailSender) GatewayOption {
	return func(g *Gateway) { g.email = e }
}

// NewGateway 创建审批提醒网关
func NewGateway(db *gorm.DB, opts ...GatewayOption) *Gateway {
	g := &Gateway{db: db, log: logger.Named("hitl")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NotifyApproval 为进入 AWAITING_HITL 的步骤创建提醒并分渠道投递
// 每个步骤只建一条记录，重复调用只补投之前失败的渠道
func (g *Gateway) NotifyApproval(ctx context.Context, ownerID, executionID, summary, urgency string) error {
	notif, err := g.findOrCreate(ctx, ownerID, executionID, summary, urgency)
	if err != nil {
		return err
	}

	var owner crm.Owner
	if err := g.db.WithContext(ctx).First(&owner, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			g.log.Warn("归属人档案不存在，无法投递审批提醒", zap.String("owner_id", ownerID))
			return nil
		}
		return fmt.Errorf("加载归属人档案失败: %w", err)
	}

	updates := map[string]any{}
	var lastError string

	if !notif.SMSSent && owner.Phone != "" && g.sms != nil {
		message := fmt.Sprintf("[Approval needed] %s", summary)
		if _, err := g.sms.Send(ctx, owner.Phone, message); err != nil {
			lastError = err.Error()
			metrics.HITLNotificationsTotal.WithLabelValues("sms", "error").Inc()
			g.log.Warn("审批短信投递失败",
				zap.String("execution_id", executionID), zap.Error(err))
		} else {
			notif.SMSSent = true
			updates["sms_sent"] = true
			metrics.HITLNotificationsTotal.WithLabelValues("sms", "ok").Inc()
		}
	}

	if !notif.EmailSent && owner.Email != "" && g.email != nil {
		subject := "Workflow step awaiting your approval"
		html := fmt.Sprintf("<p>%s</p><p>Urgency: %s</p>", summary, urgency)
		if err := g.email.Send(ctx, owner.Email, subject, html, summary); err != nil {
			lastError = err.Error()
			metrics.HITLNotificationsTotal.WithLabelValues("email", "error").Inc()
			g.log.Warn("审批邮件投递失败",
				zap.String("execution_id", executionID), zap.Error(err))
		} else {
			notif.EmailSent = true
			updates["email_sent"] = true
			metrics.HITLNotificationsTotal.WithLabelValues("email", "ok").Inc()
		}
	}

	if lastError != "" {
		updates["last_error"] = lastError
	}
	if len(updates) > 0 {
		if err := g.db.WithContext(ctx).Model(&workflow.HITLNotification{}).
			Where("id = ?", notif.ID).
			Updates(updates).Error; err != nil {
			g.log.Warn("更新提醒投递状态失败", zap.String("notification_id", notif.ID), zap.Error(err))
		}
	}
	return nil
}

// MarkActioned 审批完成后标记提醒已处理
func (g *Gateway) MarkActioned(ctx context.Context, executionID string) error {
	return g.db.WithContext(ctx).Model(&workflow.HITLNotification{}).
		Where("execution_id = ?", executionID).
		Updates(map[string]any{"actioned": true, "read": true}).Error
}

// MarkRead 标记提醒已读
func (g *Gateway) MarkRead(ctx context.Context, notificationID string) error {
	res := g.db.WithContext(ctx).Model(&workflow.HITLNotification{}).
		Where("id = ?", notificationID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListPending 列出归属人未处理的审批提醒
func (g *Gateway) ListPending(ctx context.Context, ownerID string) ([]workflow.HITLNotification, error) {
	var rows []workflow.HITLNotification
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND actioned = ?", ownerID, false).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询待处理提醒失败: %w", err)
	}
	return rows, nil
}

func (g *Gateway) findOrCreate(ctx context.Context, ownerID, executionID, summary, urgency string) (*workflow.HITLNotification, error) {
	var existing workflow.HITLNotification
	err := g.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询提醒记录失败: %w", err)
	}

	notif := &workflow.HITLNotification{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ExecutionID: executionID,
		Summary:     summary,
		Urgency:     urgency,
	}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoNothing: true,
	}).Create(notif)
	if res.Error != nil {
		return nil, fmt.Errorf("创建提醒记录失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := g.db.WithContext(ctx).
			Where("execution_id = ?", executionID).
			First(&existing).Error; err != nil {
			return nil, fmt.Errorf("读取既有提醒记录失败: %w", err)
		}
		return &existing, nil
	}
	return notif, nil
}
