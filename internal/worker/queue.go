package worker

import (
	"context"
	"errors"
	"sync"

	"ledger-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("chain task queue is full")

// LocalQueue is the in-process chain task queue used when no broker is
// configured. Schedule never blocks; a full queue drops the task and the
// backlog sweeper picks the event up later.
type LocalQueue struct {
	tasks chan domain.ChainTask
	wg    sync.WaitGroup
}

func NewLocalQueue(size int) *LocalQueue {
	if size <= 0 {
		size = 1
	}
	return &LocalQueue{tasks: make(chan domain.ChainTask, size)}
}

func (q *LocalQueue) Schedule(_ context.Context, task domain.ChainTask) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		log.WithFields(log.Fields{
			"event_id": task.EventID,
			"sequence": task.Sequence,
		}).Warn("Chain task queue full, dropping task")
		return ErrQueueFull
	}
}

// Start launches n workers that drain the queue until ctx is cancelled.
func (q *LocalQueue) Start(ctx context.Context, n int, p Processor) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.run(ctx, id, p)
		}(i)
	}
	log.WithField("workers", n).Info("Local chain workers started")
}

func (q *LocalQueue) run(ctx context.Context, id int, p Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			if err := p.Process(ctx, task.EventID); err != nil && ctx.Err() == nil {
				log.WithError(err).WithFields(log.Fields{
					"worker":   id,
					"event_id": task.EventID,
				}).Error("Chain task failed")
			}
		}
	}
}

// Wait blocks until every worker has exited.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
