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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRetryFlow(t *testing.T, srv *httptest.Server, maxRetryCount int) *RetryFlow {
	t.Helper()
	rq := newRequester(RequesterConfig{Token: "Bot t", BaseURL: srv.URL})
	ledger := NewRatelimitLedger(testLogger())
	t.Cleanup(ledger.Stop)
	inner := newRequestFlow(context.Background(), rq, ledger, nil, testLogger(),
		FlowConfig{Parallelism: 2}, false, false)
	return newRetryFlow(context.Background(), inner, maxRetryCount)
}

func TestRetryFlow_RetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	flow := testRetryFlow(t, srv, 3)

	req := NewRequest[struct {
		OK bool `json:"ok"`
	}]("GET", "/v1/flaky").WithCtx("caller-ctx")
	if err := flow.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	flow.Close()

	var responses []Response
	for resp := range flow.Responses() {
		responses = append(responses, resp)
	}

	if len(responses) != 1 {
		t.Fatalf("got %d responses, want exactly 1", len(responses))
	}
	if responses[0].Ctx != "caller-ctx" {
		t.Errorf("ctx = %v, want the caller's original ctx unwrapped", responses[0].Ctx)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("server saw %d attempts, want 3", n)
	}
}

func TestRetryFlow_ExhaustionDropsSilently(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	flow := testRetryFlow(t, srv, 2)

	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/broken")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	flow.Close()

	var responses []Response
	for resp := range flow.Responses() {
		responses = append(responses, resp)
	}

	if len(responses) != 0 {
		t.Fatalf("got %d responses, want none after exhaustion", len(responses))
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("server saw %d attempts, want exactly maxRetryCount=2", n)
	}
}

func TestRetryFlow_MixedTrafficKeepsContextsApart(t *testing.T) {
	var flakyAttempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/flaky" && flakyAttempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	flow := testRetryFlow(t, srv, 3)

	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/flaky").WithCtx("flaky")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/solid").WithCtx("solid")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	flow.Close()

	got := map[any]bool{}
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case resp, ok := <-flow.Responses():
			if !ok {
				t.Fatalf("responses closed early, got %v", got)
			}
			got[resp.Ctx] = true
		case <-deadline:
			t.Fatalf("timed out waiting for responses, got %v", got)
		}
	}
	if !got["flaky"] || !got["solid"] {
		t.Fatalf("missing responses: %v", got)
	}
}
