// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/OpenAnonymity/oa-chat-sub000/ticket"
)

const (
	// longRetryBudget is the attempt budget for oracle-side transient
	// conditions (ownership check errors, rate limiting).
	longRetryBudget = 10

	// shortRetryBudget is the attempt budget for soft failures on
	// recently attested stations: that privilege is a narrow trust
	// window that must not be kept open indefinitely.  Three attempts
	// total, counting the original inline submission.
	shortRetryBudget = 3

	// retryJitter is the maximum fractional jitter added to each
	// backoff delay.
	retryJitter = 0.3
)

// pendingSubmission is a key submission awaiting background retry after a
// soft failure.  Entries are keyed by key hash and upserted, never
// duplicated, so a user-triggered resubmission cannot race the retry
// timer into two parallel submissions of the same key.
type pendingSubmission struct {
	keyHash     string
	keyData     *ticket.ApiKeyGrant
	stationID   string
	attempts    int
	backoff     time.Duration
	nextRetryAt time.Time
	maxAttempts int
}

// enqueueLocked upserts a pending submission.  The inline submission
// counts as the first attempt.  Caller holds the lock.
func (v *Verifier) enqueueLocked(key *ticket.ApiKeyGrant, keyHash string, budget int) {
	if p, ok := v.pending[keyHash]; ok {
		// Duplicate submission of a key already in flight: keep the
		// existing backoff schedule, refresh the payload.
		p.keyData = key
		return
	}
	base := time.Duration(v.cfg.Verifier.RetryBaseDelay) * time.Second
	p := &pendingSubmission{
		keyHash:     keyHash,
		keyData:     key,
		stationID:   key.StationID,
		attempts:    1,
		backoff:     base,
		maxAttempts: budget,
	}
	p.nextRetryAt = v.now().Add(jittered(base))
	v.pending[keyHash] = p
	v.retryQ.Enqueue(uint64(p.nextRetryAt.UnixNano()), keyHash)
}

// PendingCount returns the number of submissions awaiting retry.
func (v *Verifier) PendingCount() int {
	v.Lock()
	defer v.Unlock()
	return len(v.pending)
}

// retryPending retries every due pending submission once, in deadline
// order.  Runs on the shared scheduler tick.  Queue entries for submissions
// that were since resolved or rescheduled are invalidated lazily: an entry
// counts only if the live map entry still agrees on the deadline.
func (v *Verifier) retryPending(ctx context.Context) {
	v.Lock()
	now := uint64(v.now().UnixNano())
	var due []*pendingSubmission
	for {
		e := v.retryQ.Peek()
		if e == nil || e.Priority > now {
			break
		}
		v.retryQ.Dequeue()
		p, ok := v.pending[e.Value.(string)]
		if !ok || uint64(p.nextRetryAt.UnixNano()) != e.Priority {
			continue // stale schedule entry
		}
		due = append(due, p)
	}
	v.Unlock()

	for _, p := range due {
		v.retryOne(ctx, p)
	}
}

func (v *Verifier) retryOne(ctx context.Context, p *pendingSubmission) {
	status, body, err := v.post(ctx, v.cfg.Verifier.URL+submitKeyPath, submitPayload(p.keyData))
	cl := classifySubmitResponse(status, body, err)

	switch cl.outcome {
	case outcomeVerified, outcomeUnverified, outcomeBan, outcomeHard:
		// Terminal either way; applySubmitOutcome removes the entry
		// and logs the result.
		v.applySubmitOutcome(p.keyData, p.keyHash, cl)
		return
	}

	// Soft or oracle-transient: re-arm or drop.
	v.Lock()
	defer v.Unlock()
	cur, ok := v.pending[p.keyHash]
	if !ok || cur != p {
		return
	}
	p.attempts++
	if p.attempts >= p.maxAttempts {
		delete(v.pending, p.keyHash)
		v.log.Warningf("Key %s dropped after %d attempts (station %s)", p.keyHash, p.attempts, p.stationID)
		if v.OnRetryExhausted != nil {
			go v.OnRetryExhausted(p.keyHash, p.stationID)
		}
		return
	}
	maxDelay := time.Duration(v.cfg.Verifier.RetryMaxDelay) * time.Second
	p.backoff *= 2
	if p.backoff > maxDelay {
		p.backoff = maxDelay
	}
	p.nextRetryAt = v.now().Add(jittered(p.backoff))
	v.retryQ.Enqueue(uint64(p.nextRetryAt.UnixNano()), p.keyHash)
	v.log.Debugf("Key %s retry %d/%d failed (%s); next in %v", p.keyHash, p.attempts, p.maxAttempts, cl.detail, p.backoff)
}

// jittered adds 0-30% random jitter to a delay.  Jitter is upward only,
// so ignoring it the per-entry delays are strictly non-decreasing until
// the cap.
func jittered(d time.Duration) time.Duration {
	r := rand.NewMath()
	return time.Duration(float64(d) * (1 + r.Float64()*retryJitter))
}
