package api

import (
	"errors"
	"net/http"

	"backend/internal/hitl"
	"backend/internal/logger"
	"backend/internal/trigger"
	"backend/internal/workflow"
	"backend/internal/workflow/engine"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handlers 引擎入站边界的 HTTP 处理器集合
type Handlers struct {
	db        *gorm.DB
	engine    *engine.Engine
	templates *workflow.TemplateService
	gateway   *hitl.Gateway
	detector  *trigger.Detector
	log       *zap.Logger
}

// NewHandlers 创建处理器集合
func NewHandlers(db *gorm.DB, eng *engine.Engine, templates *workflow.TemplateService, gateway *hitl.Gateway, detector *trigger.Detector) *Handlers {
	return &Handlers{
		db:        db,
		engine:    eng,
		templates: templates,
		gateway:   gateway,
		detector:  detector,
		log:       logger.Named("api"),
	}
}

type entityCreatedRequest struct {
	OwnerID    string `json:"ownerId" binding:"required"`
	ProspectID string `json:"prospectId" binding:"required"`
}

// HandleProspectCreated POST /api/v1/events/prospect-created
func (h *Handlers) HandleProspectCreated(c *gin.Context) {
	var req entityCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.detector.OnEntityCreated(c.Request.Context(), req.OwnerID, req.ProspectID); err != nil {
		if errors.Is(err, trigger.ErrEntityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
			return
		}
		h.log.Error("处理建档事件失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type stageChangedRequest struct {
	OwnerID  string `json:"ownerId" binding:"required"`
	EntityID string `json:"entityId" binding:"required"`
	NewStage string `json:"newStage"`
}

// HandleStageChanged POST /api/v1/events/stage-changed
func (h *Handlers) HandleStageChanged(c *gin.Context) {
	var req stageChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.detector.OnStageChanged(c.Request.Context(), req.OwnerID, req.EntityID, req.NewStage); err != nil {
		if errors.Is(err, trigger.ErrEntityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
			return
		}
		h.log.Error("处理阶段变更事件失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type decisionRequest struct {
	ApproverID string `json:"approverId" binding:"required"`
	Notes      string `json:"notes"`
}

// HandleApprove POST /api/v1/executions/:id/approve
func (h *Handlers) HandleApprove(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.Approve(c.Request.Context(), c.Param("id"), req.ApproverID, req.Notes)
	if err != nil {
		h.writeDecisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// HandleReject POST /api/v1/executions/:id/reject
func (h *Handlers) HandleReject(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.Reject(c.Request.Context(), c.Param("id"), req.ApproverID, req.Notes)
	if err != nil {
		h.writeDecisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (h *Handlers) writeDecisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrExecutionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
	case errors.Is(err, engine.ErrInvalidGateState):
		c.JSON(http.StatusConflict, gin.H{"error": "step is not awaiting approval"})
	default:
		h.log.Error("审批操作失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// HandleGetInstance GET /api/v1/instances/:id
func (h *Handlers) HandleGetInstance(c *gin.Context) {
	instanceID := c.Param("id")

	var inst workflow.WorkflowInstance
	err := h.db.First(&inst, "id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var steps []workflow.StepExecution
	if err := h.db.Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&steps).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instance": inst, "steps": steps})
}

// HandlePauseInstance POST /api/v1/instances/:id/pause
func (h *Handlers) HandlePauseInstance(c *gin.Context) {
	if err := h.engine.PauseInstance(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found or not active"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// HandleResumeInstance POST /api/v1/instances/:id/resume
func (h *Handlers) HandleResumeInstance(c *gin.Context) {
	if err := h.engine.ResumeInstance(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found or not paused"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// HandleListNotifications GET /api/v1/owners/:id/notifications
func (h *Handlers) HandleListNotifications(c *gin.Context) {
	rows, err := h.gateway.ListPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}

// HandleMarkNotificationRead POST /api/v1/notifications/:id/read
func (h *Handlers) HandleMarkNotificationRead(c *gin.Context) {
	err := h.gateway.MarkRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// HandleOwnerStats GET /api/v1/owners/:id/stats
func (h *Handlers) HandleOwnerStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleDeleteTemplate DELETE /api/v1/templates/:id
func (h *Handlers) HandleDeleteTemplate(c *gin.Context) {
	err := h.templates.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, workflow.ErrTemplateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
	case errors.Is(err, workflow.ErrTemplateInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "template has running instances"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
