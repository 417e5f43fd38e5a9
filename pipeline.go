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
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marouanesouiri/stdx/xlog"
	"golang.org/x/sync/errgroup"
)

/***********************
 *     Flow config     *
 ***********************/

// OverflowStrategy selects what the ingress buffer does when full.
type OverflowStrategy int

const (
	// OverflowBackpressure blocks submitters until the buffer drains.
	OverflowBackpressure OverflowStrategy = iota
	// OverflowDropNewest discards the incoming request.
	OverflowDropNewest
	// OverflowDropOldest discards the oldest buffered request.
	OverflowDropOldest
	// OverflowDropBuffer discards the entire buffer.
	OverflowDropBuffer
	// OverflowFail terminates the pipeline with ErrBufferOverflow.
	OverflowFail
)

var (
	// ErrBufferOverflow terminates a pipeline using OverflowFail.
	ErrBufferOverflow = errors.New("request buffer overflow")
	// ErrFlowClosed is returned by Submit after Close.
	ErrFlowClosed = errors.New("request flow closed")
)

// FlowConfig parameterizes a request pipeline.
type FlowConfig struct {
	// BufferSize is the ingress buffer capacity.
	BufferSize int
	// Overflow is applied when the ingress buffer is full.
	Overflow OverflowStrategy
	// MaxAllowedWait bounds how long a request may sit at the ledger gate
	// before it is answered with Dropped.
	MaxAllowedWait time.Duration
	// Parallelism is the number of concurrent gate queries and the number
	// of concurrent HTTP dispatches.
	Parallelism int
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.MaxAllowedWait <= 0 {
		c.MaxAllowedWait = 10 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

/***********************
 *     RequestFlow     *
 ***********************/

// RequestFlow is a running request pipeline: submitted Requests flow
// through the ingress buffer, the ledger gate, the shared HTTP client and
// the response parser, and come out of Answers as RequestAnswers.
//
// Answer order is not related to submission order. Every request that
// clears the ingress buffer yields exactly one answer; requests discarded
// by a drop overflow strategy yield none. Cancelling the constructor
// context tears the whole graph down.
type RequestFlow struct {
	cfg    FlowConfig
	rq     *requester
	ledger *RatelimitLedger
	pool   WorkerPool
	logger xlog.Logger

	logSent     bool
	logReceived bool

	ctx     context.Context
	cancel  context.CancelFunc
	in      chan Request
	out     chan RequestAnswer
	closeCh chan struct{}
	closed  sync.Once
	done    chan struct{}
	err     error
}

// newRequestFlow materializes the stage goroutines. A nil ledger skips
// the gate and the header feedback entirely.
func newRequestFlow(
	ctx context.Context,
	rq *requester,
	ledger *RatelimitLedger,
	pool WorkerPool,
	logger xlog.Logger,
	cfg FlowConfig,
	logSent, logReceived bool,
) *RequestFlow {
	cfg = cfg.withDefaults()
	fctx, cancel := context.WithCancel(ctx)

	f := &RequestFlow{
		cfg:         cfg,
		rq:          rq,
		ledger:      ledger,
		pool:        pool,
		logger:      logger,
		logSent:     logSent,
		logReceived: logReceived,
		ctx:         fctx,
		cancel:      cancel,
		in:          make(chan Request),
		out:         make(chan RequestAnswer, cfg.BufferSize),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}

	gateIn := make(chan Request)
	dispatchIn := make(chan Request)

	g, gctx := errgroup.WithContext(fctx)

	g.Go(func() error { return f.runBuffer(gctx, gateIn) })

	var gateWG sync.WaitGroup
	for range cfg.Parallelism {
		gateWG.Add(1)
		g.Go(func() error {
			defer gateWG.Done()
			return f.runGate(gctx, gateIn, dispatchIn)
		})
	}
	go func() {
		gateWG.Wait()
		close(dispatchIn)
	}()

	for range cfg.Parallelism {
		g.Go(func() error { return f.runDispatch(gctx, dispatchIn) })
	}

	go func() {
		f.err = g.Wait()
		close(f.out)
		cancel()
		close(f.done)
	}()

	return f
}

// Submit feeds a request into the pipeline. It blocks while the ingress
// buffer applies back-pressure.
func (f *RequestFlow) Submit(ctx context.Context, req Request) error {
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

// Answers is the egress stream. It is closed once the flow is closed and
// all in-flight requests have produced their answer, or once the flow is
// cancelled; requests still in flight at cancellation may go unanswered.
func (f *RequestFlow) Answers() <-chan RequestAnswer {
	return f.out
}

// Close completes the ingress. Buffered and in-flight requests still
// produce answers; Answers closes afterwards.
func (f *RequestFlow) Close() {
	f.closed.Do(func() { close(f.closeCh) })
}

// Wait blocks until the graph has shut down and reports the terminal
// error, if any (ErrBufferOverflow under OverflowFail).
func (f *RequestFlow) Wait() error {
	<-f.done
	return f.err
}

/***********************
 *       Stages        *
 ***********************/

// runBuffer owns the bounded ingress queue and its overflow strategy.
func (f *RequestFlow) runBuffer(ctx context.Context, gateIn chan<- Request) error {
	defer close(gateIn)

	var queue []Request
	input := f.in
	closing := f.closeCh

	for {
		if input == nil && len(queue) == 0 {
			return nil
		}

		var outCh chan<- Request
		var head Request
		if len(queue) > 0 {
			outCh = gateIn
			head = queue[0]
		}

		recv := input
		if f.cfg.Overflow == OverflowBackpressure && len(queue) >= f.cfg.BufferSize {
			recv = nil
		}

		select {
		case req := <-recv:
			if len(queue) >= f.cfg.BufferSize {
				switch f.cfg.Overflow {
				case OverflowDropNewest:
					continue
				case OverflowDropOldest:
					queue = queue[1:]
				case OverflowDropBuffer:
					queue = queue[:0]
				case OverflowFail:
					return ErrBufferOverflow
				}
			}
			queue = append(queue, req)
		case outCh <- head:
			queue = queue[1:]
		case <-closing:
			input = nil
			closing = nil
		case <-ctx.Done():
			return nil
		}
	}
}

// runGate asks the ledger for admission. Dropped answers bypass the
// network and go straight to the egress.
func (f *RequestFlow) runGate(ctx context.Context, gateIn <-chan Request, dispatchIn chan<- Request) error {
	for {
		select {
		case req, ok := <-gateIn:
			if !ok {
				return nil
			}
			if f.ledger != nil && !f.ledger.WantToPass(ctx, req.Route.RawRoute, f.cfg.MaxAllowedWait) {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case f.out <- Dropped{Route: req.Route, Ctx: req.Ctx}:
				case <-ctx.Done():
					return nil
				}
				continue
			}
			select {
			case dispatchIn <- req:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// runDispatch performs the HTTP call and response parse for one request
// at a time.
func (f *RequestFlow) runDispatch(ctx context.Context, dispatchIn <-chan Request) error {
	for {
		select {
		case req, ok := <-dispatchIn:
			if !ok {
				return nil
			}
			answer := f.execute(ctx, req)
			select {
			case f.out <- answer:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

/***********************
 *      Dispatch       *
 ***********************/

// execute builds the HTTP message, sends it, extracts the rate limit
// snapshot and turns the response into an answer.
func (f *RequestFlow) execute(ctx context.Context, req Request) RequestAnswer {
	httpReq, err := f.rq.build(ctx, req)
	if err != nil {
		return RequestError{Route: req.Route, Ctx: req.Ctx, Cause: err}
	}

	var requestID string
	if f.logSent || f.logReceived {
		requestID = uuid.NewString()
	}
	if f.logSent {
		body := string(req.Body)
		if req.LogBody != nil {
			body = req.LogBody(req.Body)
		}
		f.logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     req.Route.Method,
			"endpoint":   req.Route.Endpoint,
			"body":       body,
		}).Debug("rest request sent")
	}

	resp, err := f.rq.client.Do(httpReq)
	if err != nil {
		return RequestError{Route: req.Route, Ctx: req.Ctx, Cause: err}
	}
	defer resp.Body.Close()

	info := parseRatelimitHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		f.feedback(req.Route.RawRoute, info, true)
		return Ratelimited{
			Route:           req.Route,
			Ctx:             req.Ctx,
			IsGlobal:        info.global,
			TilReset:        info.tilReset,
			URIRequestLimit: info.limit,
		}

	case resp.StatusCode == http.StatusNoContent:
		f.feedback(req.Route.RawRoute, info, false)
		data, err := req.Parse(nil)
		if err != nil {
			return RequestError{Route: req.Route, Ctx: req.Ctx, Cause: err}
		}
		return f.response(req, data, info)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		f.feedback(req.Route.RawRoute, info, false)
		return RequestError{
			Route: req.Route,
			Ctx:   req.Ctx,
			Cause: &HTTPError{Status: resp.StatusCode, Body: body},
		}

	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return RequestError{Route: req.Route, Ctx: req.Ctx, Cause: err}
		}
		if f.logReceived {
			f.logger.WithFields(map[string]any{
				"request_id": requestID,
				"status":     resp.StatusCode,
				"body":       string(body),
			}).Debug("rest response received")
		}
		f.feedback(req.Route.RawRoute, info, false)
		data, err := req.Parse(body)
		if err != nil {
			return RequestError{Route: req.Route, Ctx: req.Ctx, Cause: err}
		}
		return f.response(req, data, info)
	}
}

func (f *RequestFlow) response(req Request, data any, info ratelimitInfo) Response {
	return Response{
		Route:             req.Route,
		Ctx:               req.Ctx,
		Data:              data,
		TilReset:          info.tilReset,
		RemainingRequests: info.remaining,
		URIRequestLimit:   info.limit,
	}
}

// feedback forwards the header snapshot to the ledger off the egress
// path. 429 answers always feed back so the bucket (and the global gate)
// close immediately; other answers only when the snapshot is complete.
func (f *RequestFlow) feedback(rawRoute string, info ratelimitInfo, ratelimited bool) {
	if f.ledger == nil {
		return
	}
	if !ratelimited && !info.meaningful() {
		return
	}
	remaining := info.remaining
	if ratelimited {
		remaining = 0
	}
	update := func() {
		f.ledger.UpdateRatelimits(rawRoute, info.global, info.tilReset, remaining, info.limit)
	}
	if f.pool == nil || !f.pool.Submit(update) {
		go update()
	}
}

/***********************
 *      Adapters       *
 ***********************/

// DataResponses filters an answer stream down to successful responses.
func DataResponses(answers <-chan RequestAnswer) <-chan Response {
	out := make(chan Response)
	go func() {
		defer close(out)
		for a := range answers {
			if resp, ok := a.(Response); ok {
				out <- resp
			}
		}
	}()
	return out
}

// OrderedFlow serializes a RequestFlow element by element so answers come
// back in submission order. This forfeits all pipeline concurrency and
// exists as a debugging aid. The wrapper takes exclusive ownership of the
// flow's answer stream.
type OrderedFlow struct {
	mu    sync.Mutex
	inner *RequestFlow
}

// AddOrdering wraps flow in an OrderedFlow.
func AddOrdering(flow *RequestFlow) *OrderedFlow {
	return &OrderedFlow{inner: flow}
}

// Do submits req and blocks until its answer arrives.
func (o *OrderedFlow) Do(ctx context.Context, req Request) (RequestAnswer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.inner.Submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case a, ok := <-o.inner.Answers():
		if !ok {
			return nil, ErrFlowClosed
		}
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
