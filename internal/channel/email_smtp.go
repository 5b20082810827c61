package channel

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/workflow"

	"go.uber.org/zap"
)

// SMTPEmail 邮件渠道（SMTP 直发）
// 同时承担 email 动作与 HITL 审批邮件提醒两种用途
type SMTPEmail struct {
	cfg config.EmailChannelConfig
	log *zap.Logger
}

// NewSMTPEmail 创建邮件渠道
func NewSMTPEmail(cfg config.EmailChannelConfig) *SMTPEmail {
	return &SMTPEmail{cfg: cfg, log: logger.Named("email")}
}

// Kind 实现 Capability
func (e *SMTPEmail) Kind() workflow.ActionKind {
	return workflow.ActionEmail
}

// Execute 实现 Capability，向触发实体的邮箱发送模板邮件
func (e *SMTPEmail) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Prospect == nil || req.Prospect.Email == "" {
		return nil, fmt.Errorf("%w: prospect email", ErrMissingContactInfo)
	}
	if req.Action.Email == nil {
		return nil, fmt.Errorf("email 动作缺少参数")
	}

	subject := Personalize(req.Action.Email.Subject, req.Prospect)
	html := Personalize(req.Action.Email.BodyHTML, req.Prospect)
	text := Personalize(req.Action.Email.BodyText, req.Prospect)

	if err := e.Send(ctx, req.Prospect.Email, subject, html, text); err != nil {
		return nil, err
	}

	return map[string]any{"emailSent": true}, nil
}

// Send 裸发送接口，供审批提醒网关复用
func (e *SMTPEmail) Send(ctx context.Context, to, subject, html, text string) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	msg := e.buildMessage(to, subject, html, text)
	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("邮件发送失败: %w", err)
	}

	e.log.Debug("邮件已发送", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// buildMessage 构建 multipart/alternative MIME 报文，纯文本在前 HTML 在后
func (e *SMTPEmail) buildMessage(to, subject, html, text string) []byte {
	const boundary = "outreach-mime-boundary"

	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", e.cfg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", to))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("MIME-Version: 1.0\r\n")

	if html == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(text)
		return []byte(b.String())
	}

	b.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary))
	if text != "" {
		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(text)
		b.WriteString("\r\n")
	}
	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")
	b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return []byte(b.String())
}
