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

// CalendarBooker 日历预约渠道
// 先落本地 Appointment，再尽力同步到外部日历；同步失败不影响动作成功
type CalendarBooker struct {
	cfg    config.CalendarChannelConfig
	db     *gorm.DB
	client *http.Client
	log    *zap.Logger
}

// NewCalendarBooker 创建日历预约渠道
func NewCalendarBooker(cfg config.CalendarChannelConfig, db *gorm.DB) *CalendarBooker {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CalendarBooker{
		cfg:    cfg,
		db:     db,
		client: &http.Client{Timeout: timeout},
		log:    logger.Named("calendar"),
	}
}

// Kind 实现 Capability
func (c *CalendarBooker) Kind() workflow.ActionKind {
	return workflow.ActionCalendarEvent
}

// Execute 实现 Capability
func (c *CalendarBooker) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Action.CalendarEvent == nil {
		return nil, fmt.Errorf("calendar_event 动作缺少参数")
	}
	cfg := req.Action.CalendarEvent

	offset := time.Duration(cfg.OffsetMinutes) * time.Minute
	duration := time.Duration(cfg.DurationMin) * time.Minute
	if duration <= 0 {
		duration = 30 * time.Minute
	}

	startsAt := time.Now().Add(offset)
	appt := &crm.Appointment{
		ID:       uuid.NewString(),
		OwnerID:  req.Instance.OwnerID,
		Title:    Personalize(cfg.Title, req.Prospect),
		Location: cfg.Location,
		StartsAt: startsAt,
		EndsAt:   startsAt.Add(duration),
	}
	if req.Prospect != nil {
		appt.ProspectID = req.Prospect.ID
	}

	if err := c.db.WithContext(ctx).Create(appt).Error; err != nil {
		return nil, fmt.Errorf("创建预约失败: %w", err)
	}

	synced := c.syncToCalendar(ctx, appt)

	return map[string]any{
		"appointmentId":  appt.ID,
		"calendarSynced": synced,
	}, nil
}

// syncToCalendar 尽力同步到外部日历，预约本身已成立，失败只记录不上抛
func (c *CalendarBooker) syncToCalendar(ctx context.Context, appt *crm.Appointment) bool {
	if c.cfg.SyncURL == "" {
		return false
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"title":          appt.Title,
		"location":       appt.Location,
		"starts_at":      appt.StartsAt.Format(time.RFC3339),
		"ends_at":        appt.EndsAt.Format(time.RFC3339),
	})
	if err != nil {
		return false
	}

	syncErr := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SyncURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("日历服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var parsed struct {
			ExternalRef string `json:"external_ref"`
		}
		_ = json.Unmarshal(data, &parsed)
		appt.ExternalRef = parsed.ExternalRef
		return nil
	}()

	updates := map[string]any{"synced": syncErr == nil}
	if syncErr != nil {
		updates["sync_error"] = syncErr.Error()
		c.log.Warn("外部日历同步失败",
			zap.String("appointment_id", appt.ID), zap.Error(syncErr))
	} else if appt.ExternalRef != "" {
		updates["external_ref"] = appt.ExternalRef
	}
	if err := c.db.WithContext(ctx).Model(&crm.Appointment{}).
		Where("id = ?", appt.ID).
		Updates(updates).Error; err != nil {
		c.log.Warn("更新预约同步状态失败", zap.String("appointment_id", appt.ID), zap.Error(err))
	}

	return syncErr == nil
}
