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
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

/***********************
 *   RatelimitLedger   *
 ***********************/

// RatelimitLedger is the authoritative per-route rate limit registry.
//
// All bucket state is owned by a single goroutine; requests and header
// snapshots reach it through a command channel, replies travel back over
// per-request channels. That keeps the bucket map and the per-bucket
// waiter queues single-writer.
//
// The ledger never fails a request: it either admits it (possibly after a
// delay) or drops it when the caller's maximum wait expires first.
type RatelimitLedger struct {
	cmds   chan ledgerCmd
	stop   chan struct{}
	logger xlog.Logger
}

type ledgerCmd interface{ ledgerCmd() }

type wantToPassCmd struct {
	rawRoute string
	deadline time.Time
	reply    chan bool
}

type updateRatelimitsCmd struct {
	rawRoute  string
	isGlobal  bool
	tilReset  time.Duration
	remaining int
	limit     int
}

func (wantToPassCmd) ledgerCmd()       {}
func (updateRatelimitsCmd) ledgerCmd() {}

// ledgerBucket tracks one rawRoute. limit and remaining are -1 until the
// server has reported them; an unknown bucket admits optimistically.
type ledgerBucket struct {
	limit     int
	remaining int
	resetAt   time.Time
	waiters   []*ledgerWaiter
}

type ledgerWaiter struct {
	deadline time.Time
	reply    chan bool
}

// NewRatelimitLedger creates a ledger and starts its owner goroutine.
func NewRatelimitLedger(logger xlog.Logger) *RatelimitLedger {
	l := &RatelimitLedger{
		cmds:   make(chan ledgerCmd, 64),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Stop terminates the ledger. Pending waiters are dropped.
func (l *RatelimitLedger) Stop() {
	close(l.stop)
}

// WantToPass blocks until the ledger admits the request for rawRoute or
// until maxWait (or ctx) expires. It reports whether the request may
// proceed to the wire.
func (l *RatelimitLedger) WantToPass(ctx context.Context, rawRoute string, maxWait time.Duration) bool {
	cmd := wantToPassCmd{
		rawRoute: rawRoute,
		deadline: time.Now().Add(maxWait),
		reply:    make(chan bool, 1),
	}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return false
	case <-l.stop:
		return false
	}
	select {
	case ok := <-cmd.reply:
		return ok
	case <-ctx.Done():
		return false
	case <-l.stop:
		return false
	}
}

// UpdateRatelimits merges a rate limit snapshot extracted from a response
// into the bucket for rawRoute. The server values replace the optimistic
// local accounting. remaining or limit of -1 leave the current value
// untouched; isGlobal arms the process-wide gate for tilReset.
func (l *RatelimitLedger) UpdateRatelimits(rawRoute string, isGlobal bool, tilReset time.Duration, remaining, limit int) {
	cmd := updateRatelimitsCmd{
		rawRoute:  rawRoute,
		isGlobal:  isGlobal,
		tilReset:  tilReset,
		remaining: remaining,
		limit:     limit,
	}
	select {
	case l.cmds <- cmd:
	case <-l.stop:
	}
}

/***********************
 *     Owner loop      *
 ***********************/

func (l *RatelimitLedger) run() {
	buckets := make(map[string]*ledgerBucket)
	var globalResetAt time.Time

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		l.drain(buckets, &globalResetAt, now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wake, ok := nextWake(buckets, globalResetAt, now); ok {
			timer.Reset(wake.Sub(now) + time.Millisecond)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case cmd := <-l.cmds:
			switch c := cmd.(type) {
			case wantToPassCmd:
				l.handleWantToPass(buckets, globalResetAt, c)
			case updateRatelimitsCmd:
				l.handleUpdate(buckets, &globalResetAt, c)
			}
		case <-timer.C:
		case <-l.stop:
			for _, b := range buckets {
				for _, w := range b.waiters {
					w.reply <- false
				}
			}
			return
		}
	}
}

func (l *RatelimitLedger) handleWantToPass(buckets map[string]*ledgerBucket, globalResetAt time.Time, c wantToPassCmd) {
	now := time.Now()
	b, ok := buckets[c.rawRoute]
	if !ok {
		b = &ledgerBucket{limit: -1, remaining: -1}
		buckets[c.rawRoute] = b
	}

	// Global gate in force: everyone queues until it expires.
	if globalResetAt.After(now) {
		b.waiters = append(b.waiters, &ledgerWaiter{deadline: c.deadline, reply: c.reply})
		return
	}

	// Keep FIFO fairness: arrivals queue behind existing waiters.
	if len(b.waiters) > 0 {
		b.waiters = append(b.waiters, &ledgerWaiter{deadline: c.deadline, reply: c.reply})
		return
	}

	if b.admit(now) {
		c.reply <- true
		return
	}
	b.waiters = append(b.waiters, &ledgerWaiter{deadline: c.deadline, reply: c.reply})
}

// admit consumes one slot from the bucket if one is available now.
func (b *ledgerBucket) admit(now time.Time) bool {
	if b.remaining == 0 && !now.Before(b.resetAt) {
		// Window elapsed with no fresher server snapshot: refill, or fall
		// back to optimistic admission when the limit was never reported.
		if b.limit > 0 {
			b.remaining = b.limit
		} else {
			b.remaining = -1
		}
	}
	if b.remaining < 0 {
		return true
	}
	if b.remaining > 0 {
		b.remaining--
		return true
	}
	return false
}

func (l *RatelimitLedger) handleUpdate(buckets map[string]*ledgerBucket, globalResetAt *time.Time, c updateRatelimitsCmd) {
	now := time.Now()
	b, ok := buckets[c.rawRoute]
	if !ok {
		b = &ledgerBucket{limit: -1, remaining: -1}
		buckets[c.rawRoute] = b
	}

	// The server snapshot is authoritative; it replaces, never combines
	// with, the optimistic decrements.
	if c.limit >= 0 {
		b.limit = c.limit
	}
	if c.remaining >= 0 {
		b.remaining = c.remaining
	}
	if c.tilReset > 0 {
		b.resetAt = now.Add(c.tilReset)
	}
	if c.isGlobal {
		until := now.Add(c.tilReset)
		if until.After(*globalResetAt) {
			*globalResetAt = until
		}
		l.logger.WithField("til_reset", c.tilReset.String()).Debug("global rate limit gate armed")
	}
}

// drain drops expired waiters and admits whatever the buckets allow, in
// insertion order per bucket.
func (l *RatelimitLedger) drain(buckets map[string]*ledgerBucket, globalResetAt *time.Time, now time.Time) {
	globalActive := globalResetAt.After(now)
	for _, b := range buckets {
		kept := b.waiters[:0]
		for _, w := range b.waiters {
			if !w.deadline.After(now) {
				w.reply <- false
				continue
			}
			kept = append(kept, w)
		}
		b.waiters = kept

		if globalActive {
			continue
		}
		for len(b.waiters) > 0 && b.admit(now) {
			b.waiters[0].reply <- true
			b.waiters = b.waiters[1:]
		}
	}
}

// nextWake is the earliest instant at which a waiter outcome can change.
func nextWake(buckets map[string]*ledgerBucket, globalResetAt, now time.Time) (time.Time, bool) {
	var wake time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	for _, b := range buckets {
		if len(b.waiters) == 0 {
			continue
		}
		consider(b.resetAt)
		consider(globalResetAt)
		for _, w := range b.waiters {
			consider(w.deadline)
		}
	}
	return wake, !wake.IsZero()
}
