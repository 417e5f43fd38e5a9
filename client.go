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
	"log"
	"os"
	"strings"

	"github.com/marouanesouiri/stdx/xlog"
)

/*****************************
 *          Client
 *****************************/

// Client is the high level entry point: it owns the shared HTTP
// requester, the rate limit ledger and the worker pool, and hands out
// request pipelines and voice sessions built on top of them.
//
// Create a Client using zerda.New() with desired options.
type Client struct {
	ctx    context.Context
	Logger xlog.Logger

	token           string
	config          Config
	requesterConfig RequesterConfig

	requester *requester
	ledger    *RatelimitLedger
	pool      WorkerPool
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Usage:
//
//	c := zerda.New(ctx, zerda.WithToken("your_bot_token"))
//
// The "Bot " prefix is added when missing.
//
// Warning: Never share your bot token publicly.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if !strings.HasPrefix(token, "Bot ") && !strings.HasPrefix(token, "Bearer ") {
		token = "Bot " + token
	}
	return func(c *Client) {
		c.token = token
		c.requesterConfig.Token = token
	}
}

// WithLogger sets a custom Logger implementation for your client.
//
// Logs fatal and exits if logger is nil.
func WithLogger(logger xlog.Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithConfig sets the library config (payload logging flags and voice
// packet queue shape).
func WithConfig(config Config) clientOption {
	return func(c *Client) {
		c.config = config
	}
}

// WithRequesterConfig sets the configuration for the HTTP requester.
// Use this to configure a custom HTTP client or API base url.
func WithRequesterConfig(config RequesterConfig) clientOption {
	return func(c *Client) {
		if config.Token == "" {
			config.Token = c.token
		}
		c.requesterConfig = config
	}
}

// WithWorkerPool sets a custom WorkerPool implementation.
//
// Logs fatal and exits if pool is nil.
func WithWorkerPool(pool WorkerPool) clientOption {
	if pool == nil {
		log.Fatal("WithWorkerPool: pool must not be nil")
	}
	return func(c *Client) {
		c.pool = pool
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with provided options.
//
// Example:
//
//	c := zerda.New(ctx,
//	    zerda.WithToken("my_bot_token"),
//	    zerda.WithLogger(myLogger),
//	)
//
// Defaults:
//   - Logger: stdout text logger at Info level.
//   - Config: DefaultConfig().
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel),
		config: DefaultConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.requesterConfig.Token == "" {
		client.requesterConfig.Token = client.token
	}

	client.requester = newRequester(client.requesterConfig)
	client.ledger = NewRatelimitLedger(client.Logger)
	if client.pool == nil {
		client.pool = NewDefaultWorkerPool(client.Logger)
	}
	return client
}

/*****************************
 *       Flows
 *****************************/

// RequestFlow materializes a rate-limited request pipeline.
func (c *Client) RequestFlow(cfg FlowConfig) *RequestFlow {
	return newRequestFlow(
		c.ctx, c.requester, c.ledger, c.pool, c.Logger,
		cfg, c.config.LogSentRest, c.config.LogReceivedRest,
	)
}

// RequestFlowWithoutRatelimit materializes a pipeline that skips the
// ledger gate entirely. Requests hit the wire immediately and no header
// feedback is recorded.
func (c *Client) RequestFlowWithoutRatelimit(cfg FlowConfig) *RequestFlow {
	return newRequestFlow(
		c.ctx, c.requester, nil, c.pool, c.Logger,
		cfg, c.config.LogSentRest, c.config.LogReceivedRest,
	)
}

// RetryRequestFlow materializes a rate-limited pipeline that retries
// failed requests up to maxRetryCount attempts and emits only successes.
func (c *Client) RetryRequestFlow(cfg FlowConfig, maxRetryCount int) *RetryFlow {
	return newRetryFlow(c.ctx, c.RequestFlow(cfg), maxRetryCount)
}

/*****************************
 *       Voice
 *****************************/

// VoiceManager creates a supervised voice session for the given
// connection parameters.
func (c *Client) VoiceManager(cfg VoiceSessionConfig) *VoiceManager {
	return NewVoiceManager(cfg, c.config, c.Logger)
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown cleanly shuts down the Client: the ledger stops serving
// waiters, the worker pool stops, and idle HTTP connections close.
func (c *Client) Shutdown() {
	c.Logger.Info("Client shutting down")
	if c.ledger != nil {
		c.ledger.Stop()
		c.ledger = nil
	}
	if c.pool != nil {
		c.pool.Shutdown()
		c.pool = nil
	}
	if c.requester != nil {
		c.requester.Shutdown()
		c.requester = nil
	}
}
