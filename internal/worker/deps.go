package worker

import (
	"context"
	"time"

	"monkids/internal/pkg/logger"
)

// Queue hands out run ids. *queue.RedisQueue is the production
// implementation.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// Processor executes one run. *processor.Processor is the production
// implementation.
type Processor interface {
	ProcessRun(ctx context.Context, runID string) error
}

type Deps struct {
	Queue      Queue
	Processor  Processor
	PopTimeout time.Duration
	Log        *logger.Logger
}
