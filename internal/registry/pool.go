package registry

import (
	"context"
	"errors"
	"sensorhub/internal/proxy"
	"sensorhub/internal/transaction"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned for registrations submitted after Close.
var ErrClosed = errors.New("registry closed")

// RegistrationResult is delivered once per RegisterAsync call.
type RegistrationResult struct {
	UID     string
	Handler *transaction.ProcedureHandler
	Err     error
}

type registration struct {
	ctx    context.Context
	driver proxy.Describable
	out    chan RegistrationResult
}

// pool runs registrations on a fixed set of workers.
type pool struct {
	queue chan registration
	run   func(registration)

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// mu is held shared by submitters while they enqueue; stop takes it
	// exclusively to set closed before draining the queue.
	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queueSize int, run func(registration)) *pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		queue:  make(chan registration, queueSize),
		run:    run,
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		p.group.Go(func() error {
			p.loop()
			return nil
		})
	}
	return p
}

func (p *pool) loop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			if err := task.ctx.Err(); err != nil {
				task.out <- RegistrationResult{UID: task.driver.UID(), Err: err}
				continue
			}
			p.run(task)
		}
	}
}

// submit queues task, waiting for room until ctx is done.
func (p *pool) submit(task registration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case p.queue <- task:
		return nil
	case <-task.ctx.Done():
		return task.ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// stop halts the workers and fails the registrations still queued. Every
// task accepted by submit receives exactly one result.
func (p *pool) stop(ctx context.Context) error {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.drain()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) drain() {
	for {
		select {
		case task := <-p.queue:
			task.out <- RegistrationResult{UID: task.driver.UID(), Err: ErrClosed}
		default:
			return
		}
	}
}
