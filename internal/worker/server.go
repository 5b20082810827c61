package worker

import (
	"context"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/infra/queue"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 后台任务服务器，承载延迟推进与到期扫描
type Server struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	queueClient queue.Client
	sweepEvery  time.Duration
	stopSweep   chan struct{}
	logger      *zap.Logger
}

// NewServer 创建后台任务服务器
func NewServer(
	cfg config.RedisConfig,
	wfCfg config.WorkflowConfig,
	handler *handlers.WorkflowHandler,
	queueClient queue.Client,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"workflow": 6, // 实例推进优先级高
				"default":  1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeAdvanceInstance, handler.HandleAdvanceInstance)
	mux.HandleFunc(tasks.TypeSweepDueSteps, handler.HandleSweepDueSteps)

	sweepEvery := time.Duration(wfCfg.SweepIntervalSeconds) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}

	return &Server{
		server:      srv,
		mux:         mux,
		queueClient: queueClient,
		sweepEvery:  sweepEvery,
		stopSweep:   make(chan struct{}),
		logger:      logger,
	}
}

// Run 启动 Worker 服务器（阻塞）
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	s.startSweepLoop()
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	s.startSweepLoop()
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	close(s.stopSweep)
	s.server.Shutdown()
}

// startSweepLoop 周期性投递到期步骤扫描任务，作为延迟任务丢失时的兜底
func (s *Server) startSweepLoop() {
	go func() {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.queueClient.EnqueueSweepDueSteps(tasks.SweepDueStepsPayload{}); err != nil {
					s.logger.Warn("投递扫描任务失败", zap.Error(err))
				}
			case <-s.stopSweep:
				return
			}
		}
	}()
}
