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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testFlow(t *testing.T, srv *httptest.Server, ledger *RatelimitLedger, cfg FlowConfig) *RequestFlow {
	t.Helper()
	rq := newRequester(RequesterConfig{Token: "Bot testtoken", BaseURL: srv.URL})
	flow := newRequestFlow(context.Background(), rq, ledger, nil, testLogger(), cfg, false, false)
	t.Cleanup(func() {
		flow.Close()
		flow.Wait()
	})
	return flow
}

func TestRequestFlow_SingleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerRemaining, "4")
		w.Header().Set(headerLimit, "5")
		w.Header().Set(headerReset, strconv.FormatInt(time.Now().Add(time.Second).UnixMilli(), 10))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{Parallelism: 2})

	req := NewRequest[struct {
		OK bool `json:"ok"`
	}]("GET", "/v1/x").WithCtx(42)
	if err := flow.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	answer := <-flow.Answers()
	resp, ok := answer.(Response)
	if !ok {
		t.Fatalf("expected Response, got %#v", answer)
	}
	if resp.Ctx != 42 {
		t.Errorf("ctx = %v, want 42", resp.Ctx)
	}
	if data := resp.Data.(struct {
		OK bool `json:"ok"`
	}); !data.OK {
		t.Errorf("decoded data = %+v, want ok=true", data)
	}
	if resp.RemainingRequests != 4 || resp.URIRequestLimit != 5 {
		t.Errorf("snapshot = (%d, %d), want (4, 5)", resp.RemainingRequests, resp.URIRequestLimit)
	}
	if resp.TilReset < 500*time.Millisecond || resp.TilReset > 1500*time.Millisecond {
		t.Errorf("tilReset = %v, want ~1s", resp.TilReset)
	}
}

func TestRequestFlow_RatelimitedWithGlobalFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/x") {
			w.Header().Set(headerRetryAfter, "2000")
			w.Header().Set(headerGlobal, "true")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{Parallelism: 2, MaxAllowedWait: 500 * time.Millisecond})

	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/x")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	answer := <-flow.Answers()
	rl, ok := answer.(Ratelimited)
	if !ok {
		t.Fatalf("expected Ratelimited, got %#v", answer)
	}
	if !rl.IsGlobal {
		t.Error("IsGlobal = false, want true")
	}
	if rl.TilReset < 1500*time.Millisecond || rl.TilReset > 2500*time.Millisecond {
		t.Errorf("tilReset = %v, want ~2s", rl.TilReset)
	}

	// Let the async ledger feedback land.
	time.Sleep(100 * time.Millisecond)

	// An unrelated route must now be gated globally and dropped within
	// the 500ms max wait.
	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/y")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	answer = <-flow.Answers()
	if _, ok := answer.(Dropped); !ok {
		t.Fatalf("expected Dropped under the global gate, got %#v", answer)
	}
}

func TestRequestFlow_BucketSharedByRawRoute(t *testing.T) {
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, time.Now())
		w.Header().Set(headerRemaining, "0")
		w.Header().Set(headerLimit, "1")
		w.Header().Set(headerReset, strconv.FormatInt(time.Now().Add(500*time.Millisecond).UnixMilli(), 10))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{Parallelism: 1, MaxAllowedWait: 2 * time.Second})

	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/users/111111111111111111/messages")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if _, ok := (<-flow.Answers()).(Response); !ok {
		t.Fatal("first request must succeed")
	}
	// Let the async ledger feedback land before the second submit.
	time.Sleep(100 * time.Millisecond)

	if err := flow.Submit(context.Background(), NewRequestNoResponse("GET", "/users/222222222222222222/messages")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if _, ok := (<-flow.Answers()).(Response); !ok {
		t.Fatal("second request must succeed after the reset")
	}

	if len(hits) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(hits))
	}
	if gap := hits[1].Sub(hits[0]); gap < 350*time.Millisecond {
		t.Fatalf("second request hit the wire after %v, must wait for the shared bucket reset", gap)
	}
}

func TestRequestFlow_NoContentRunsParser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{})

	// A parser accepting the empty body yields a Response.
	flow.Submit(context.Background(), NewRequestNoResponse("DELETE", "/v1/thing"))
	if _, ok := (<-flow.Answers()).(Response); !ok {
		t.Fatal("204 with an accepting parser must yield a Response")
	}

	// A parser rejecting the empty body yields a RequestError.
	rejecting := Request{
		Route: NewRoute("DELETE", "/v1/thing"),
		Parse: func(body []byte) (any, error) {
			if len(body) == 0 {
				return nil, errors.New("expected a body")
			}
			return nil, nil
		},
	}
	flow.Submit(context.Background(), rejecting)
	if _, ok := (<-flow.Answers()).(RequestError); !ok {
		t.Fatal("204 with a rejecting parser must yield a RequestError")
	}
}

func TestRequestFlow_NonSuccessStatusYieldsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Unknown Channel"}`))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{})

	flow.Submit(context.Background(), NewRequestNoResponse("GET", "/v1/missing"))
	answer := <-flow.Answers()
	reqErr, ok := answer.(RequestError)
	if !ok {
		t.Fatalf("expected RequestError, got %#v", answer)
	}
	var httpErr *HTTPError
	if !errors.As(reqErr.Cause, &httpErr) {
		t.Fatalf("cause = %v, want *HTTPError", reqErr.Cause)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", httpErr.Status)
	}
	if !strings.Contains(string(httpErr.Body), "Unknown Channel") {
		t.Errorf("body = %q, want the server message", httpErr.Body)
	}
}

func TestRequestFlow_SendsExpectedHeaders(t *testing.T) {
	var gotAuth, gotUA, gotReason string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotReason = r.Header.Get(headerAuditReason)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{})

	req, err := NewRequestNoResponse("DELETE", "/v1/thing").WithReason("cleanup")
	if err != nil {
		t.Fatalf("WithReason() error: %v", err)
	}
	flow.Submit(context.Background(), req)
	<-flow.Answers()

	if gotAuth != "Bot testtoken" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.HasPrefix(gotUA, "DiscordBot (") {
		t.Errorf("User-Agent = %q, want DiscordBot (<url>, <version>)", gotUA)
	}
	if gotReason != "cleanup" {
		t.Errorf("X-Audit-Log-Reason = %q, want %q", gotReason, "cleanup")
	}
}

func TestRequest_ReasonTooLongRejected(t *testing.T) {
	_, err := NewRequestNoResponse("DELETE", "/v1/thing").WithReason(strings.Repeat("x", 513))
	if !errors.Is(err, ErrReasonTooLong) {
		t.Fatalf("err = %v, want ErrReasonTooLong", err)
	}
	if _, err := NewRequestNoResponse("DELETE", "/v1/thing").WithReason(strings.Repeat("x", 512)); err != nil {
		t.Fatalf("a 512 character reason must be accepted, got %v", err)
	}
}

func TestRequestFlow_CtxNeverMixesAcrossRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"i":%s}`, r.URL.Query().Get("i"))
	}))
	defer srv.Close()

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()
	flow := testFlow(t, srv, ledger, FlowConfig{Parallelism: 8, BufferSize: 32})

	const n = 20
	for i := range n {
		req := NewRequest[struct {
			I int `json:"i"`
		}]("GET", fmt.Sprintf("/echo?i=%d", i)).WithCtx(i)
		if err := flow.Submit(context.Background(), req); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}

	for range n {
		answer := <-flow.Answers()
		resp, ok := answer.(Response)
		if !ok {
			t.Fatalf("expected Response, got %#v", answer)
		}
		data := resp.Data.(struct {
			I int `json:"i"`
		})
		if data.I != resp.Ctx.(int) {
			t.Fatalf("answer for ctx %v carries data %d: contexts mixed across requests", resp.Ctx, data.I)
		}
	}
}

func TestRequestFlow_OverflowFailTerminatesPipeline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer close(block)

	ledger := NewRatelimitLedger(testLogger())
	defer ledger.Stop()

	rq := newRequester(RequesterConfig{Token: "Bot t", BaseURL: srv.URL})
	flow := newRequestFlow(context.Background(), rq, ledger, nil, testLogger(),
		FlowConfig{BufferSize: 1, Parallelism: 1, Overflow: OverflowFail}, false, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		if err := flow.Submit(ctx, NewRequestNoResponse("GET", "/v1/x")); err != nil {
			break
		}
	}

	if err := flow.Wait(); !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("Wait() = %v, want ErrBufferOverflow", err)
	}
}

func TestDataResponses_FiltersFailures(t *testing.T) {
	answers := make(chan RequestAnswer, 3)
	route := NewRoute("GET", "/v1/x")
	answers <- Dropped{Route: route}
	answers <- Response{Route: route, Ctx: 1}
	answers <- RequestError{Route: route, Cause: errors.New("boom")}
	close(answers)

	var got []Response
	for resp := range DataResponses(answers) {
		got = append(got, resp)
	}
	if len(got) != 1 || got[0].Ctx != 1 {
		t.Fatalf("DataResponses passed %v, want exactly the one success", got)
	}
}
