package archive

import (
	"context"
	"encoding/json"
	"time"
)

// Job 是队列中传输的归档任务。
type Job struct {
	ID          string      `json:"id"`
	Interaction Interaction `json:"interaction"`
	Attempts    int         `json:"attempts"`
	MaxRetries  int         `json:"max_retries"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	err := json.Unmarshal(raw, &job)
	return job, err
}

// Handler 处理来自消息队列的归档任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
