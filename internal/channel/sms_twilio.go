package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/workflow"

	"go.uber.org/zap"
)

// TwilioSMS 短信渠道（Twilio REST API）
// 同时承担 sms 动作与 HITL 审批短信提醒两种用途
type TwilioSMS struct {
	cfg    config.SMSChannelConfig
	client *http.Client
	log    *zap.Logger
}

// NewTwilioSMS 创建短信渠道
func NewTwilioSMS(cfg config.SMSChannelConfig) *TwilioSMS {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TwilioSMS{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("sms"),
	}
}

// Kind 实现 Capability
func (s *TwilioSMS) Kind() workflow.ActionKind {
	return workflow.ActionSMS
}

// Execute 实现 Capability，向触发实体的手机号发送模板短信
func (s *TwilioSMS) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Prospect == nil || req.Prospect.Phone == "" {
		return nil, fmt.Errorf("%w: prospect phone", ErrMissingContactInfo)
	}
	if req.Action.SMS == nil {
		return nil, fmt.Errorf("sms 动作缺少参数")
	}

	body := Personalize(req.Action.SMS.Message, req.Prospect)
	messageID, status, err := s.send(ctx, req.Prospect.Phone, body)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"messageId": messageID,
		"smsStatus": status,
		"smsSent":   true,
	}, nil
}

// Send 裸发送接口，供审批提醒网关复用
func (s *TwilioSMS) Send(ctx context.Context, to, message string) (string, error) {
	id, _, err := s.send(ctx, to, message)
	return id, err
}

func (s *TwilioSMS) send(ctx context.Context, to, message string) (string, string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", message)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("构建短信请求失败: %w", err)
	}
	httpReq.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("短信发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("短信供应商返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", "", fmt.Errorf("解析短信响应失败: %w", err)
	}

	s.log.Debug("短信已发送", zap.String("to", to), zap.String("sid", parsed.SID))
	return parsed.SID, parsed.Status, nil
}
