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
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

/***********************
 *      Constants      *
 ***********************/

const (
	productURL = "https://github.com/marouanesouiri/zerda"
	version    = "0.1.0"

	headerRetryAfter  = "Retry-After"
	headerGlobal      = "X-Ratelimit-Global"
	headerRemaining   = "X-RateLimit-Remaining"
	headerLimit       = "X-RateLimit-Limit"
	headerReset       = "X-RateLimit-Reset"
	headerAuditReason = "X-Audit-Log-Reason"

	// maxErrorBodyBytes bounds how much of an error response body is read
	// into an HTTPError.
	maxErrorBodyBytes = 4096
)

/***********************
 *      Requester      *
 ***********************/

// RequesterConfig configures the shared HTTP side of request pipelines.
type RequesterConfig struct {
	// Token is presented as-is in the Authorization header.
	Token string
	// BaseURL overrides the Discord API base url. Intended for tests.
	BaseURL string
	// Client overrides the pooled HTTP client.
	Client *http.Client
}

// requester owns the connection-pooled HTTP client and the credentials
// shared by every pipeline built from it.
type requester struct {
	client    *http.Client
	token     string
	baseURL   string
	userAgent string
}

// newRequester creates a requester. A nil config client gets the default
// pooled transport.
func newRequester(config RequesterConfig) *requester {
	client := config.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = baseApiUrl
	}

	return &requester{
		client:    client,
		token:     config.Token,
		baseURL:   baseURL,
		userAgent: "DiscordBot (" + productURL + ", " + version + ")",
	}
}

// build turns a Request into an *http.Request carrying the shared
// credentials, the library user agent and the request's extra headers.
func (r *requester) build(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Route.Method, r.baseURL+req.Route.Endpoint, body)
	if err != nil {
		return nil, err
	}

	if r.token != "" {
		httpReq.Header.Set("Authorization", r.token)
	}
	httpReq.Header.Set("User-Agent", r.userAgent)
	httpReq.Header.Set("Accept", "application/json")
	switch req.Route.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Reason != "" {
		httpReq.Header.Set(headerAuditReason, req.Reason)
	}

	return httpReq, nil
}

// Shutdown releases idle connections held by the pool.
func (r *requester) Shutdown() {
	if t, ok := r.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

/***********************
 *  Ratelimit headers  *
 ***********************/

// ratelimitInfo is the snapshot extracted from response headers.
//
// remaining and limit are -1 when the corresponding header is absent.
// Retry-After (milliseconds) takes precedence over X-RateLimit-Reset
// (epoch milliseconds) for tilReset.
type ratelimitInfo struct {
	tilReset  time.Duration
	remaining int
	limit     int
	global    bool
}

// meaningful reports whether the snapshot is complete enough to feed the
// ledger from a successful answer.
func (i ratelimitInfo) meaningful() bool {
	return i.tilReset > 0 && i.remaining != -1 && i.limit != -1
}

func parseRatelimitHeaders(h http.Header) ratelimitInfo {
	info := ratelimitInfo{remaining: -1, limit: -1}

	if v := h.Get(headerRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.remaining = n
		}
	}
	if v := h.Get(headerLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.limit = n
		}
	}
	if v := h.Get(headerReset); v != "" {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.tilReset = time.UnixMilli(millis).Sub(time.Now())
		}
	}
	if v := h.Get(headerRetryAfter); v != "" {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.tilReset = time.Duration(millis) * time.Millisecond
		}
	}
	info.global = h.Get(headerGlobal) == "true"

	return info
}
