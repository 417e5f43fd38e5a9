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
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

/***********************
 *       Request       *
 ***********************/

// maxAuditLogReasonLen is the longest X-Audit-Log-Reason Discord accepts.
const maxAuditLogReasonLen = 512

// ErrReasonTooLong is returned when an audit log reason exceeds 512 characters.
var ErrReasonTooLong = errors.New("audit log reason exceeds 512 characters")

// Request is a single REST call flowing through a request pipeline.
//
// The response parser is stored on the request itself; the decoded value
// travels back to the caller inside a Response answer. Ctx is an opaque
// caller value echoed on the answer untouched, so callers can correlate
// answers with whatever issued them.
type Request struct {
	Route   Route
	Body    []byte
	Headers http.Header
	Reason  string
	Ctx     any

	// Parse decodes the response body. It is invoked with an empty slice
	// on 204 responses and may reject it.
	Parse func(body []byte) (any, error)

	// LogBody renders the request body for payload logging. Optional;
	// the raw bytes are logged when nil.
	LogBody func(body []byte) string
}

// NewRequest builds a Request for the given method and endpoint with a
// parser that decodes the response into T.
func NewRequest[T any](method, endpoint string) Request {
	return Request{
		Route: NewRoute(method, endpoint),
		Parse: func(body []byte) (any, error) {
			var v T
			if err := sonic.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// NewRequestNoResponse builds a Request whose parser accepts any body,
// including the empty body of a 204, and decodes nothing.
func NewRequestNoResponse(method, endpoint string) Request {
	return Request{
		Route: NewRoute(method, endpoint),
		Parse: func([]byte) (any, error) { return nil, nil },
	}
}

// WithBody returns a copy of the request carrying the given body.
func (r Request) WithBody(body []byte) Request {
	r.Body = body
	return r
}

// WithJSONBody marshals v and attaches it as the request body.
func (r Request) WithJSONBody(v any) (Request, error) {
	body, err := sonic.Marshal(v)
	if err != nil {
		return r, err
	}
	r.Body = body
	return r, nil
}

// WithHeader returns a copy of the request with an extra header set.
func (r Request) WithHeader(key, value string) Request {
	h := make(http.Header, len(r.Headers)+1)
	for k, v := range r.Headers {
		h[k] = v
	}
	h.Set(key, value)
	r.Headers = h
	return r
}

// WithCtx returns a copy of the request carrying the caller context.
func (r Request) WithCtx(ctx any) Request {
	r.Ctx = ctx
	return r
}

// WithReason returns a copy of the request carrying an audit log reason.
//
// Reasons longer than 512 characters are rejected here; they are never
// transmitted truncated.
func (r Request) WithReason(reason string) (Request, error) {
	if utf8.RuneCountInString(reason) > maxAuditLogReasonLen {
		return r, ErrReasonTooLong
	}
	r.Reason = reason
	return r, nil
}

/***********************
 *       Answers       *
 ***********************/

// RequestAnswer is the outcome of a single request. Exactly one answer is
// produced per request consumed by a pipeline.
//
// Response is the only successful variant; Ratelimited, RequestError and
// Dropped report Failed() == true and are retried by RetryFlow.
type RequestAnswer interface {
	AnswerRoute() Route
	AnswerCtx() any
	Failed() bool
}

// Response is a successful answer: the decoded payload plus the rate
// limit snapshot observed on the response.
type Response struct {
	Route             Route
	Ctx               any
	Data              any
	TilReset          time.Duration
	RemainingRequests int
	URIRequestLimit   int
}

func (a Response) AnswerRoute() Route { return a.Route }
func (a Response) AnswerCtx() any     { return a.Ctx }
func (a Response) Failed() bool       { return false }

// Ratelimited is emitted when the server answered 429.
type Ratelimited struct {
	Route           Route
	Ctx             any
	IsGlobal        bool
	TilReset        time.Duration
	URIRequestLimit int
}

func (a Ratelimited) AnswerRoute() Route { return a.Route }
func (a Ratelimited) AnswerCtx() any     { return a.Ctx }
func (a Ratelimited) Failed() bool       { return true }

// RequestError is emitted on transport failures, decode failures and
// non-success, non-429 statuses.
type RequestError struct {
	Route Route
	Ctx   any
	Cause error
}

func (a RequestError) AnswerRoute() Route { return a.Route }
func (a RequestError) AnswerCtx() any     { return a.Ctx }
func (a RequestError) Failed() bool       { return true }

// Dropped is emitted when the ledger refused to admit the request within
// the caller's maximum wait.
type Dropped struct {
	Route Route
	Ctx   any
}

func (a Dropped) AnswerRoute() Route { return a.Route }
func (a Dropped) AnswerCtx() any     { return a.Ctx }
func (a Dropped) Failed() bool       { return true }

/***********************
 *      HTTPError      *
 ***********************/

// HTTPError is the cause carried by a RequestError for non-success,
// non-429 statuses. Body is capped at maxErrorBodyBytes.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}
