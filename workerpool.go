/************************************************************************************
 *
 * zerda, A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package zerda

import (
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *      WorkerPool     *
 ***********************/

type WorkerTask func()

// WorkerPool executes fire-and-forget tasks off the pipeline's hot path;
// the ledger feedback updates run on it.
type WorkerPool interface {
	// Submit returns false if the task was dropped.
	Submit(task WorkerTask) bool
	Shutdown()
}

/***********************
 *  Default WorkerPool *
 ***********************/

type defaultWorkerPool struct {
	logger xlog.Logger

	minWorkers int
	maxWorkers int

	workerCount int32
	queue       chan WorkerTask

	stopSignal   chan struct{}
	shutdownOnce atomic.Bool
	idleTimeout  time.Duration
}

type workerOption func(*defaultWorkerPool)

// WithMinWorkers sets how many workers stay alive when idle.
func WithMinWorkers(n int) workerOption {
	return func(p *defaultWorkerPool) {
		p.minWorkers = n
	}
}

// WithMaxWorkers caps how many workers the pool may grow to.
func WithMaxWorkers(n int) workerOption {
	return func(p *defaultWorkerPool) {
		p.maxWorkers = n
	}
}

// WithQueueCap sets the task queue capacity.
func WithQueueCap(n int) workerOption {
	return func(p *defaultWorkerPool) {
		p.queue = make(chan WorkerTask, n)
	}
}

// WithIdleTimeout sets how long an extra worker lingers without work
// before exiting.
func WithIdleTimeout(d time.Duration) workerOption {
	return func(p *defaultWorkerPool) {
		p.idleTimeout = d
	}
}

// NewDefaultWorkerPool creates a worker pool with options.
func NewDefaultWorkerPool(logger xlog.Logger, opts ...workerOption) WorkerPool {
	p := &defaultWorkerPool{
		logger:      logger,
		minWorkers:  4,
		maxWorkers:  64,
		idleTimeout: 10 * time.Second,
		stopSignal:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.queue == nil {
		p.queue = make(chan WorkerTask, 128)
	}

	for range p.minWorkers {
		p.addWorker()
	}

	return p
}

func (p *defaultWorkerPool) addWorker() {
	atomic.AddInt32(&p.workerCount, 1)

	go func() {
		idleTimer := time.NewTimer(p.idleTimeout)
		defer idleTimer.Stop()

		for {
			select {
			case task := <-p.queue:
				task()

				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.idleTimeout)

			case <-idleTimer.C:
				if atomic.LoadInt32(&p.workerCount) > int32(p.minWorkers) {
					atomic.AddInt32(&p.workerCount, -1)
					return
				}
				idleTimer.Reset(p.idleTimeout)

			case <-p.stopSignal:
				return
			}
		}
	}()
}

// Submit queues a task. A full queue first tries to grow the pool, then
// drops the task.
func (p *defaultWorkerPool) Submit(task WorkerTask) bool {
	if p.shutdownOnce.Load() {
		return false
	}

	select {
	case p.queue <- task:
		return true
	default:
	}

	if atomic.LoadInt32(&p.workerCount) < int32(p.maxWorkers) {
		p.addWorker()
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.logger.Debug("WorkerPool: dropping task due to full queue")
		return false
	}
}

// Shutdown stops the pool immediately; queued tasks are abandoned.
func (p *defaultWorkerPool) Shutdown() {
	if p.shutdownOnce.CompareAndSwap(false, true) {
		close(p.stopSignal)
	}
}
