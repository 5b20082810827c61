package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	// EnqueueAdvanceInstance 投递实例推进任务；delay 大于 0 时延迟执行
	EnqueueAdvanceInstance(payload tasks.AdvanceInstancePayload, delay time.Duration) error
	EnqueueSweepDueSteps(payload tasks.SweepDueStepsPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) EnqueueAdvanceInstance(payload tasks.AdvanceInstancePayload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeAdvanceInstance, data)

	opts := []asynq.Option{
		// 推进本身可安全重入，失败交由下一轮扫描兜底，这里不重试
		asynq.MaxRetry(0),
		asynq.Timeout(10 * time.Minute),
		asynq.Queue("workflow"),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	if _, err := c.client.Enqueue(task, opts...); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) EnqueueSweepDueSteps(payload tasks.SweepDueStepsPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeSweepDueSteps, data)

	if _, err := c.client.Enqueue(task,
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("default"),
	); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
