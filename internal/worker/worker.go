// Package worker runs the background side of the ledger: the chain task
// consumers and the backlog sweeper.
package worker

import (
	"context"

	"ledger-service/internal/domain"
)

// Processor links an event into the chain.
type Processor interface {
	Process(ctx context.Context, eventID string) error
}

// Scheduler enqueues a chain task.
type Scheduler interface {
	Schedule(ctx context.Context, task domain.ChainTask) error
}
