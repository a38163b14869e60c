package circuitry

import (
	"sync"

	"github.com/rs/zerolog"
)

// workerPool runs message jobs on a fixed set of goroutines. Submit blocks
// once all workers are busy and the backlog is full, which paces the receive
// loop instead of letting jobs pile up without bound.
type workerPool struct {
	logger   zerolog.Logger
	jobs     chan func()
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

func newWorkerPool(size int, logger zerolog.Logger) *workerPool {
	p := &workerPool{
		logger: logger,
		jobs:   make(chan func(), size),
	}
	for i := 0; i < size; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *workerPool) worker(workerID int) {
	defer p.workers.Done()

	p.logger.Debug().Int("worker_id", workerID).Msg("Worker started")

	for job := range p.jobs {
		// recovery to prevent worker crashes
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Int("worker_id", workerID).
						Interface("panic", r).
						Msg("Worker recovered from panic")
				}
			}()
			job()
		}()
		p.inflight.Done()
	}

	p.logger.Debug().Int("worker_id", workerID).Msg("Worker stopping")
}

// Submit queues one job, blocking while the backlog is full. Must not be
// called after Stop.
func (p *workerPool) Submit(job func()) error {
	if job == nil {
		return ErrNilWork
	}
	p.inflight.Add(1)
	p.jobs <- job
	return nil
}

// Drain blocks until every job submitted so far has finished.
func (p *workerPool) Drain() {
	p.inflight.Wait()
}

// Stop closes the pool and waits for the workers to exit. Queued jobs still
// run before the workers stop.
func (p *workerPool) Stop() {
	close(p.jobs)
	p.workers.Wait()
}
