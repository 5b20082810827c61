package api

import (
	"backend/internal/channel"
	"backend/internal/config"
	"backend/internal/hitl"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/trigger"
	"backend/internal/worker"
	"backend/internal/worker/handlers"
	"backend/internal/workflow"
	"backend/internal/workflow/engine"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 装配全部依赖并返回 HTTP 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	// 渠道实现注册表，动作类别在启动时装配一次
	smsChannel := channel.NewTwilioSMS(cfg.Channels.SMS)
	emailChannel := channel.NewSMTPEmail(cfg.Channels.Email)
	registry := channel.NewRegistry(
		smsChannel,
		emailChannel,
		channel.NewVoiceCaller(cfg.Channels.Voice, db),
		channel.NewCalendarBooker(cfg.Channels.Calendar, db),
		channel.NewTaskCreator(db),
		channel.NewReportGenerator(db),
		channel.NewDocumentGenerator(db),
	)
	dispatcher := channel.NewDispatcher(db, registry)

	gateway := hitl.NewGateway(db,
		hitl.WithSMSSender(smsChannel),
		hitl.WithEmailSender(emailChannel),
	)

	queueClient := queue.NewClient(cfg.Redis)
	locker := engine.NewRedisInstanceLocker(infra.GetRedis())

	eng := engine.NewEngine(db, dispatcher, gateway,
		engine.WithQueueClient(queueClient),
		engine.WithLocker(locker),
		engine.WithPolicy(cfg.Workflow),
	)

	templates := workflow.NewTemplateService(db)
	detector := trigger.NewDetector(db, templates, eng)

	workflowHandler := handlers.NewWorkflowHandler(db, eng, logger.Named("worker"))
	workerServer := worker.NewServer(cfg.Redis, cfg.Workflow, workflowHandler, queueClient, logger.Named("worker"))

	h := NewHandlers(db, eng, templates, gateway, detector)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if err := infra.HealthCheck(); err != nil {
			c.JSON(503, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("/prospect-created", h.HandleProspectCreated)
			events.POST("/stage-changed", h.HandleStageChanged)
		}

		executions := v1.Group("/executions")
		{
			executions.POST("/:id/approve", h.HandleApprove)
			executions.POST("/:id/reject", h.HandleReject)
		}

		instances := v1.Group("/instances")
		{
			instances.GET("/:id", h.HandleGetInstance)
			instances.POST("/:id/pause", h.HandlePauseInstance)
			instances.POST("/:id/resume", h.HandleResumeInstance)
		}

		owners := v1.Group("/owners")
		{
			owners.GET("/:id/notifications", h.HandleListNotifications)
			owners.GET("/:id/stats", h.HandleOwnerStats)
		}

		v1.POST("/notifications/:id/read", h.HandleMarkNotificationRead)
		v1.DELETE("/templates/:id", h.HandleDeleteTemplate)
	}

	return router, workerServer
}
