package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"backend/internal/config"
	"backend/internal/crm"
	"backend/internal/logger"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VoiceCaller 语音外呼渠道（会话式语音供应商 HTTP API）
// 每次外呼同时落一条 CallLog 记录
type VoiceCaller struct {
	cfg    config.VoiceChannelConfig
	db     *gorm.DB
	client *http.Client
	log    *zap.Logger
}

// NewVoiceCaller 创建语音外呼渠道
func NewVoiceCaller(cfg config.VoiceChannelConfig, db *gorm.DB) *VoiceCaller {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VoiceCaller{
		cfg:    cfg,
		db:     db,
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("voice"),
	}
}

// Kind 实现 Capability
func (v *VoiceCaller) Kind() workflow.ActionKind {
	return workflow.ActionVoiceCall
}

// Execute 实现 Capability，向触发实体的手机号发起外呼
func (v *VoiceCaller) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Prospect == nil || req.Prospect.Phone == "" {
		return nil, fmt.Errorf("%w: prospect phone", ErrMissingContactInfo)
	}

	agentRef := req.Task.AgentRef
	var overrides map[string]string
	if req.Action.VoiceCall != nil {
		if req.Action.VoiceCall.AgentRef != "" {
			agentRef = req.Action.VoiceCall.AgentRef
		}
		overrides = req.Action.VoiceCall.PromptOverrides
	}

	payload := map[string]any{
		"agent_id":  agentRef,
		"to_number": req.Prospect.Phone,
	}
	if req.Action.VoiceCall != nil && req.Action.VoiceCall.Script != "" {
		payload["first_message"] = Personalize(req.Action.VoiceCall.Script, req.Prospect)
	}
	if len(overrides) > 0 {
		payload["prompt_overrides"] = overrides
	}

	callID, err := v.placeCall(ctx, payload)
	if err != nil {
		return nil, err
	}

	callLog := &crm.CallLog{
		ID:             uuid.NewString(),
		OwnerID:        req.Instance.OwnerID,
		ProspectID:     req.Prospect.ID,
		ProviderCallID: callID,
		AgentRef:       agentRef,
		PhoneNumber:    req.Prospect.Phone,
		Status:         "initiated",
	}
	if err := v.db.WithContext(ctx).Create(callLog).Error; err != nil {
		// 外呼已发出，落库失败只记日志
		v.log.Warn("写入外呼记录失败", zap.String("call_id", callID), zap.Error(err))
	}

	return map[string]any{
		"callId":     callID,
		"callStatus": "initiated",
	}, nil
}

func (v *VoiceCaller) placeCall(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化外呼请求失败: %w", err)
	}

	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/v1/convai/twilio/outbound-call"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("构建外呼请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", v.cfg.APIKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("外呼请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("语音供应商返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		CallSID string `json:"callSid"`
		CallID  string `json:"call_id"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("解析外呼响应失败: %w", err)
	}
	if parsed.CallSID != "" {
		return parsed.CallSID, nil
	}
	return parsed.CallID, nil
}
