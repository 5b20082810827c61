package channel

import (
	"context"
	"fmt"
	"time"

	"backend/internal/crm"
	"backend/internal/logger"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 报告类别到实例元数据键的映射，供下游步骤和外部消费方取用产物
var reportMetadataKeys = map[string]string{
	"cma":             "cmaReportId",
	"market_research": "marketResearchId",
	"presentation":    "presentationId",
}

// ReportGenerator generate_report 动作：生成 CMA/市场调研/提案类报告
type ReportGenerator struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewReportGenerator 创建报告生成动作实现
func NewReportGenerator(db *gorm.DB) *ReportGenerator {
	return &ReportGenerator{db: db, log: logger.Named("report")}
}

// Kind 实现 Capability
func (r *ReportGenerator) Kind() workflow.ActionKind {
	return workflow.ActionGenerateReport
}

// Execute 实现 Capability
func (r *ReportGenerator) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Action.Report == nil || req.Action.Report.Kind == "" {
		return nil, fmt.Errorf("generate_report 动作缺少报告类别")
	}
	cfg := req.Action.Report

	metaKey, ok := reportMetadataKeys[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("不支持的报告类别: %s", cfg.Kind)
	}

	title := cfg.Title
	if title == "" && req.Prospect != nil {
		title = fmt.Sprintf("%s report for %s", cfg.Kind, req.Prospect.FullName())
	}

	report := &crm.Report{
		ID:         uuid.NewString(),
		OwnerID:    req.Instance.OwnerID,
		Kind:       cfg.Kind,
		Title:      Personalize(title, req.Prospect),
		Parameters: cfg.Parameters,
		Summary: datatypes.JSONMap{
			"kind":        cfg.Kind,
			"generatedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if req.Prospect != nil {
		report.ProspectID = req.Prospect.ID
	}

	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, fmt.Errorf("生成报告失败: %w", err)
	}

	// 产物 ID 存进实例元数据，后续步骤和外部消费方按固定键取用
	if req.Instance.Metadata == nil {
		req.Instance.Metadata = datatypes.JSONMap{}
	}
	req.Instance.Metadata[metaKey] = report.ID

	r.log.Info("报告已生成",
		zap.String("report_id", report.ID),
		zap.String("kind", cfg.Kind),
	)

	return map[string]any{
		"reportId":   report.ID,
		"reportKind": cfg.Kind,
	}, nil
}

// DocumentGenerator generate_document 动作：按命名模板生成文档
type DocumentGenerator struct {
	db *gorm.DB
}

// NewDocumentGenerator 创建文档生成动作实现
func NewDocumentGenerator(db *gorm.DB) *DocumentGenerator {
	return &DocumentGenerator{db: db}
}

// Kind 实现 Capability
func (d *DocumentGenerator) Kind() workflow.ActionKind {
	return workflow.ActionGenerateDoc
}

// Execute 实现 Capability
func (d *DocumentGenerator) Execute(ctx context.Context, req *ActionRequest) (map[string]any, error) {
	if req.Action.Document == nil || req.Action.Document.TemplateName == "" {
		return nil, fmt.Errorf("generate_document 动作缺少文档模板名")
	}
	cfg := req.Action.Document

	doc := &crm.Report{
		ID:         uuid.NewString(),
		OwnerID:    req.Instance.OwnerID,
		Kind:       "document",
		Title:      Personalize(cfg.TemplateName, req.Prospect),
		Parameters: cfg.Parameters,
		Summary: datatypes.JSONMap{
			"template":    cfg.TemplateName,
			"generatedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if req.Prospect != nil {
		doc.ProspectID = req.Prospect.ID
	}

	if err := d.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, fmt.Errorf("生成文档失败: %w", err)
	}

	if req.Instance.Metadata == nil {
		req.Instance.Metadata = datatypes.JSONMap{}
	}
	req.Instance.Metadata["generatedDocumentId"] = doc.ID

	return map[string]any{"documentId": doc.ID}, nil
}
