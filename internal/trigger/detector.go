package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"backend/internal/crm"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/workflow"
	"backend/internal/workflow/engine"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrEntityNotFound 事件携带的实体不存在
var ErrEntityNotFound = errors.New("trigger entity not found")

// 卖方线索的标签特征词
var sellerTagHints = []string{"seller", "listing", "fsbo", "vendor", "owner"}

// Detector 业务事件检测器：事件 → 模板 → 实例
type Detector struct {
	db        *gorm.DB
	templates *workflow.TemplateService
	engine    *engine.Engine
	log       *zap.Logger
}

// NewDetector 创建事件检测器
func NewDetector(db *gorm.DB, templates *workflow.TemplateService, eng *engine.Engine) *Detector {
	return &Detector{
		db:        db,
		templates: templates,
		engine:    eng,
		log:       logger.Named("trigger"),
	}
}

// ClassifyKind 根据自由文本标签判断买方/卖方，无法判断时默认买方
func ClassifyKind(tags []string) string {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, hint := range sellerTagHints {
			if strings.Contains(lower, hint) {
				return workflow.KindSeller
			}
		}
	}
	return workflow.KindBuyer
}

// OnEntityCreated 新客户建档事件
// 逐模板启动实例，单个模板配置问题不阻塞其余模板
// 注意：这里没有实体级幂等，同一实体可被多个匹配模板各起一个实例
func (d *Detector) OnEntityCreated(ctx context.Context, ownerID, prospectID string) error {
	prospect, err := d.loadProspect(ctx, prospectID)
	if err != nil {
		metrics.TriggerEventsTotal.WithLabelValues("entity_created", "error").Inc()
		return err
	}

	kind := ClassifyKind(prospect.Tags)
	tpls, err := d.templates.LatestActiveByKind(ctx, ownerID, kind)
	if err != nil {
		metrics.TriggerEventsTotal.WithLabelValues("entity_created", "error").Inc()
		return err
	}
	if len(tpls) == 0 {
		metrics.TriggerEventsTotal.WithLabelValues("entity_created", "no_template").Inc()
		d.log.Debug("没有匹配的启用模板",
			zap.String("owner_id", ownerID), zap.String("kind", kind))
		return nil
	}

	started := 0
	for i := range tpls {
		tpl := &tpls[i]
		_, err := d.engine.StartInstance(ctx, ownerID, tpl.ID, engine.Trigger{
			ProspectID: prospect.ID,
			Source:     "prospect_created",
		})
		if err != nil {
			// 单模板失败不影响其他模板启动
			d.log.Error("按模板启动实例失败",
				zap.String("template_id", tpl.ID),
				zap.String("prospect_id", prospect.ID),
				zap.Error(err),
			)
			continue
		}
		started++
	}

	metrics.TriggerEventsTotal.WithLabelValues("entity_created", "started").Inc()
	d.log.Info("建档事件处理完成",
		zap.String("prospect_id", prospect.ID),
		zap.String("kind", kind),
		zap.Int("started", started),
	)
	return nil
}

// OnStageChanged 阶段变更事件
// 与建档事件同样的模板选择逻辑，但已有该模板的 ACTIVE/PAUSED 实例绑定
// 同一实体时跳过，避免重复启动
func (d *Detector) OnStageChanged(ctx context.Context, ownerID, entityID, newStage string) error {
	prospectID, dealID, tags, err := d.resolveStageEntity(ctx, entityID)
	if err != nil {
		metrics.TriggerEventsTotal.WithLabelValues("stage_changed", "error").Inc()
		return err
	}

	kind := ClassifyKind(tags)
	tpls, err := d.templates.LatestActiveByKind(ctx, ownerID, kind)
	if err != nil {
		metrics.TriggerEventsTotal.WithLabelValues("stage_changed", "error").Inc()
		return err
	}
	if len(tpls) == 0 {
		metrics.TriggerEventsTotal.WithLabelValues("stage_changed", "no_template").Inc()
		return nil
	}

	started := 0
	for i := range tpls {
		tpl := &tpls[i]

		running, err := d.hasRunningInstance(ctx, tpl.ID, prospectID, dealID)
		if err != nil {
			d.log.Error("检查在途实例失败", zap.String("template_id", tpl.ID), zap.Error(err))
			continue
		}
		if running {
			metrics.TriggerEventsTotal.WithLabelValues("stage_changed", "duplicate").Inc()
			d.log.Debug("模板已有在途实例，跳过",
				zap.String("template_id", tpl.ID), zap.String("entity_id", entityID))
			continue
		}

		_, err = d.engine.StartInstance(ctx, ownerID, tpl.ID, engine.Trigger{
			ProspectID: prospectID,
			DealID:     dealID,
			Source:     "stage_changed",
		})
		if err != nil {
			d.log.Error("按模板启动实例失败",
				zap.String("template_id", tpl.ID),
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
			continue
		}
		started++
	}

	metrics.TriggerEventsTotal.WithLabelValues("stage_changed", "started").Inc()
	d.log.Info("阶段变更事件处理完成",
		zap.String("entity_id", entityID),
		zap.String("new_stage", newStage),
		zap.Int("started", started),
	)
	return nil
}

func (d *Detector) loadProspect(ctx context.Context, prospectID string) (*crm.Prospect, error) {
	var prospect crm.Prospect
	err := d.db.WithContext(ctx).First(&prospect, "id = ?", prospectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("加载客户记录失败: %w", err)
	}
	return &prospect, nil
}

// resolveStageEntity 阶段事件的实体可能是客户或交易，先按客户查再按交易查
func (d *Detector) resolveStageEntity(ctx context.Context, entityID string) (prospectID, dealID string, tags []string, err error) {
	prospect, err := d.loadProspect(ctx, entityID)
	if err == nil {
		return prospect.ID, "", prospect.Tags, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return "", "", nil, err
	}

	var deal crm.Deal
	dbErr := d.db.WithContext(ctx).First(&deal, "id = ?", entityID).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return "", "", nil, ErrEntityNotFound
	}
	if dbErr != nil {
		return "", "", nil, fmt.Errorf("加载交易记录失败: %w", dbErr)
	}

	if deal.ProspectID != "" {
		if p, perr := d.loadProspect(ctx, deal.ProspectID); perr == nil {
			return "", deal.ID, p.Tags, nil
		}
	}
	return "", deal.ID, nil, nil
}

func (d *Detector) hasRunningInstance(ctx context.Context, templateID, prospectID, dealID string) (bool, error) {
	q := d.db.WithContext(ctx).Model(&workflow.WorkflowInstance{}).
		Where("template_id = ? AND status IN ?", templateID,
			[]string{workflow.InstanceActive, workflow.InstancePaused})
	if prospectID != "" {
		q = q.Where("prospect_id = ?", prospectID)
	} else {
		q = q.Where("deal_id = ?", dealID)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("统计在途实例失败: %w", err)
	}
	return count > 0, nil
}
