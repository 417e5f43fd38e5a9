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
	"context"
	"sync"
)

/***********************
 *      RetryFlow      *
 ***********************/

// retryCtx rides in a request's Ctx field while it is inside a RetryFlow,
// carrying the attempt counter, the caller's real context value and the
// original request for re-injection.
type retryCtx struct {
	attempt  int
	ctx      any
	original Request
}

// RetryFlow wraps a RequestFlow so callers only ever see successes.
//
// Failed answers are re-injected into the inner pipeline up to
// maxRetryCount attempts; retries enter through a preferred merge that is
// polled before fresh ingress, which keeps the feedback loop from
// deadlocking against a full buffer. Requests that exhaust their attempts
// are dropped silently, matching the upstream design this mirrors.
type RetryFlow struct {
	inner         *RequestFlow
	maxRetryCount int

	ctx     context.Context
	cancel  context.CancelFunc
	in      chan Request
	retry   chan Request
	pending chan int
	out     chan Response
	closeCh chan struct{}
	closed  sync.Once
}

// newRetryFlow wires the merge and unwrap stages around inner.
func newRetryFlow(ctx context.Context, inner *RequestFlow, maxRetryCount int) *RetryFlow {
	if maxRetryCount < 1 {
		maxRetryCount = 1
	}
	rctx, cancel := context.WithCancel(ctx)

	f := &RetryFlow{
		inner:         inner,
		maxRetryCount: maxRetryCount,
		ctx:           rctx,
		cancel:        cancel,
		in:            make(chan Request),
		// Sized for the worst case of every in-flight request failing at
		// once (ingress buffer + both stage groups + egress buffer), so
		// the unwrap stage never blocks re-injecting.
		retry:   make(chan Request, 2*(inner.cfg.BufferSize+inner.cfg.Parallelism)+1),
		pending: make(chan int, 2*(inner.cfg.BufferSize+inner.cfg.Parallelism)+1),
		out:     make(chan Response, inner.cfg.BufferSize),
		closeCh: make(chan struct{}),
	}

	go f.runMerge()
	go f.runUnwrap()

	return f
}

// Submit feeds a request into the retried pipeline.
func (f *RetryFlow) Submit(ctx context.Context, req Request) error {
	select {
	case f.in <- req:
		return nil
	case <-f.closeCh:
		return ErrFlowClosed
	case <-f.ctx.Done():
		return ErrFlowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses is the egress stream of successful answers, each carrying the
// caller's original Ctx. It closes after Close once every accepted
// request has either succeeded or exhausted its attempts.
func (f *RetryFlow) Responses() <-chan Response {
	return f.out
}

// Close completes the ingress; in-flight requests and their retries still
// run to completion.
func (f *RetryFlow) Close() {
	f.closed.Do(func() { close(f.closeCh) })
}

// runMerge feeds the inner pipeline, preferring queued retries over fresh
// ingress, and closes the inner flow once the ingress is complete and no
// request is still in flight.
func (f *RetryFlow) runMerge() {
	defer f.inner.Close()

	input := f.in
	closing := f.closeCh
	pending := 0

	forward := func(req Request) bool {
		if err := f.inner.Submit(f.ctx, req); err != nil {
			return false
		}
		return true
	}

	for {
		if input == nil && pending == 0 {
			return
		}

		// Retries jump the queue.
		select {
		case req := <-f.retry:
			if !forward(req) {
				return
			}
			continue
		default:
		}

		select {
		case req := <-f.retry:
			if !forward(req) {
				return
			}
		case req := <-input:
			pending++
			wrapped := req
			wrapped.Ctx = &retryCtx{attempt: 0, ctx: req.Ctx, original: req}
			if !forward(wrapped) {
				return
			}
		case delta := <-f.pending:
			pending += delta
		case <-closing:
			input = nil
			closing = nil
		case <-f.ctx.Done():
			return
		}
	}
}

// runUnwrap consumes the inner answer stream, re-injects retryable
// failures and emits unwrapped successes.
func (f *RetryFlow) runUnwrap() {
	defer close(f.out)
	defer f.cancel()

	for answer := range f.inner.Answers() {
		rc, ok := answer.AnswerCtx().(*retryCtx)
		if !ok {
			continue
		}

		if resp, success := answer.(Response); success {
			resp.Ctx = rc.ctx
			select {
			case f.out <- resp:
			case <-f.ctx.Done():
				return
			}
			f.settle()
			continue
		}

		if rc.attempt+1 < f.maxRetryCount {
			next := rc.original
			next.Ctx = &retryCtx{attempt: rc.attempt + 1, ctx: rc.ctx, original: rc.original}
			select {
			case f.retry <- next:
			case <-f.ctx.Done():
				return
			}
			continue
		}

		// Attempts exhausted: the request is lost by design.
		f.settle()
	}
}

// settle tells the merge stage one request reached a terminal outcome.
func (f *RetryFlow) settle() {
	select {
	case f.pending <- -1:
	case <-f.ctx.Done():
	}
}
