// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package verifier implements the client side of the station trust
// protocol: it maintains per-station trust state from periodic broadcast
// polling of the trust oracle, validates freshly acquired API keys via the
// signed submission protocol, and runs a background retry queue for
// transient oracle unavailability.
package verifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/OpenAnonymity/oa-chat-sub000/config"
	"github.com/OpenAnonymity/oa-chat-sub000/core/log"
	"github.com/OpenAnonymity/oa-chat-sub000/core/queue"
	"github.com/OpenAnonymity/oa-chat-sub000/core/worker"
)

// Status is the trust state of a station.
type Status string

const (
	StatusNone    Status = "none"
	StatusPending Status = "pending"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusBanned  Status = "banned"
)

const (
	// offlineThreshold is the number of consecutive broadcast failures
	// after which the oracle is considered offline.
	offlineThreshold = 2

	// completionWindow is the sliding window over which inference
	// completions influence the polling cadence.
	completionWindow = 60 * time.Second

	// retimerThreshold is the minimum cadence change that restarts the
	// polling timer.
	retimerThreshold = time.Second

	// attestedWindow is how long the recently-attested privilege lasts.
	attestedWindow = 10 * time.Minute

	// eventBuffer is the subscriber channel depth.
	eventBuffer = 32
)

// StationState is the trust state of a single station, rebuilt from
// persisted broadcast snapshots.  Banned implies not trustworthy; a ban is
// sticky until a broadcast removes it.
type StationState struct {
	Status             Status
	Registered         bool
	Trustworthy        bool
	Banned             bool
	BanReason          string
	BannedAt           time.Time
	LastVerified       time.Time
	LastBroadcastCheck time.Time
	Err                string
}

// StationEvent notifies a subscriber that a station's trust state changed.
type StationEvent struct {
	StationID string
	State     StationState
}

// Verifier tracks station trust.  All mutable state is guarded by the
// mutex; the polling worker and direct calls share it.
type Verifier struct {
	worker.Worker
	sync.Mutex

	cfg    *config.Config
	db     *bolt.DB
	client *http.Client
	log    *logging.Logger

	// now is the clock; replaced in tests.
	now func() time.Time

	stations map[string]*StationState
	pending  map[string]*pendingSubmission
	retryQ   *queue.PriorityQueue
	snapshot *BroadcastSnapshot

	attested map[string]time.Time
	warned   map[string]bool

	consecutiveFailures int
	oracleOnline        bool
	offlineNotified     bool

	completions []time.Time

	attestation   []byte
	attestationAt time.Time

	subscribers []chan StationEvent
	wakeCh      chan struct{}

	// OnOracleOffline fires once when the oracle is declared offline,
	// and not again until after a successful poll.  Set before Start.
	OnOracleOffline func()

	// OnOracleOnline fires when a poll succeeds after the oracle was
	// declared offline.  Set before Start.
	OnOracleOnline func()

	// OnRetryExhausted fires when a queued key submission runs out of
	// retry budget, so a caller that proceeded provisionally gets a
	// final reconciliation.  Set before Start.
	OnRetryExhausted func(keyHash, stationID string)

	// OnStationWarning fires at most once per station while it remains
	// critical or unverified.  Set before Start.
	OnStationWarning func(stationID string, level Staleness)
}

// New creates a Verifier, loading the last persisted broadcast snapshot so
// a fresh start has a known trust view before the first poll completes.
func New(cfg *config.Config, logBackend *log.Backend) (*Verifier, error) {
	db, err := bolt.Open(cfg.Storage.VerifierDB(), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("verifier: failed to open state db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifier: failed to initialize state db: %w", err)
	}

	v := &Verifier{
		cfg:          cfg,
		db:           db,
		client:       &http.Client{},
		log:          logBackend.GetLogger("verifier"),
		now:          time.Now,
		stations:     make(map[string]*StationState),
		pending:      make(map[string]*pendingSubmission),
		retryQ:       queue.New(),
		attested:     make(map[string]time.Time),
		warned:       make(map[string]bool),
		oracleOnline: true,
		wakeCh:       make(chan struct{}, 1),
	}

	if snap, err := v.loadSnapshot(); err != nil {
		v.log.Warningf("Discarding unreadable persisted snapshot: %v", err)
	} else if snap != nil {
		v.Lock()
		v.applySnapshot(snap)
		v.Unlock()
		v.log.Debugf("Restored snapshot with %d verified, %d banned stations",
			len(snap.VerifiedStations), len(snap.BannedStations))
	}
	return v, nil
}

// Start launches the polling worker.  One scheduler tick drives both the
// broadcast poll and the pending-submission retry queue.
func (v *Verifier) Start() {
	v.Go(v.pollWorker)
}

// Shutdown halts the worker and closes the state database.
func (v *Verifier) Shutdown() {
	v.Halt()
	v.db.Close()
}

func (v *Verifier) pollWorker() {
	interval := v.pollInterval()
	deadline := v.now() // immediate first poll
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-v.HaltCh():
			return
		case <-timer.C:
			v.tick(context.Background())
			interval = v.pollInterval()
			deadline = v.now().Add(interval)
			timer.Reset(interval)
		case <-v.wakeCh:
			// A completion was recorded.  Keep waiting toward the
			// current deadline unless the new cadence shifts it by
			// more than the threshold; time already waited always
			// counts toward the next poll.
			next := v.pollInterval()
			shift := next - interval
			if shift <= retimerThreshold && shift >= -retimerThreshold {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			interval = next
			deadline = deadline.Add(shift)
			remaining := deadline.Sub(v.now())
			if remaining < 0 {
				remaining = 0
			}
			timer.Reset(remaining)
		}
	}
}

// tick performs one scheduler tick: a broadcast poll followed by a pass
// over the due pending submissions.
func (v *Verifier) tick(ctx context.Context) {
	if _, err := v.QueryBroadcast(ctx); err != nil {
		v.log.Debugf("Broadcast poll failed: %v", err)
	}
	v.retryPending(ctx)
}

// RecordCompletion records an inference completion.  Recent completions
// shrink the polling interval toward the configured floor.
func (v *Verifier) RecordCompletion() {
	v.Lock()
	now := v.now()
	v.completions = append(v.completions, now)
	v.pruneCompletions(now)
	v.Unlock()

	select {
	case v.wakeCh <- struct{}{}:
	default:
	}
}

// pruneCompletions drops completions outside the sliding window.  Caller
// holds the lock.
func (v *Verifier) pruneCompletions(now time.Time) {
	cutoff := now.Add(-completionWindow)
	i := 0
	for ; i < len(v.completions); i++ {
		if v.completions[i].After(cutoff) {
			break
		}
	}
	v.completions = v.completions[i:]
}

// pollInterval computes the adaptive polling cadence: more recent
// completions pull the interval from the base down to the floor.
func (v *Verifier) pollInterval() time.Duration {
	v.Lock()
	defer v.Unlock()

	base := time.Duration(v.cfg.Verifier.BroadcastInterval) * time.Second
	floor := time.Duration(v.cfg.Verifier.MinBroadcastInterval) * time.Second

	v.pruneCompletions(v.now())
	n := len(v.completions)
	if n == 0 {
		return base
	}
	const saturation = 10
	if n > saturation {
		n = saturation
	}
	return base - (base-floor)*time.Duration(n)/saturation
}

// MarkRecentlyAttested grants a station the recently-attested privilege:
// soft submission failures for it become retryable in the background
// instead of hard rejections, allowing provisional trust during an oracle
// blip.
func (v *Verifier) MarkRecentlyAttested(stationID string) {
	v.Lock()
	defer v.Unlock()
	v.attested[stationID] = v.now()
}

func (v *Verifier) isRecentlyAttested(stationID string) bool {
	at, ok := v.attested[stationID]
	return ok && v.now().Sub(at) < attestedWindow
}

// StationState returns a copy of the station's trust state and whether the
// station is known at all.
func (v *Verifier) StationState(stationID string) (StationState, bool) {
	v.Lock()
	defer v.Unlock()
	st, ok := v.stations[stationID]
	if !ok {
		return StationState{Status: StatusNone}, false
	}
	return *st, true
}

// Stations returns a copy of every known station state.
func (v *Verifier) Stations() map[string]StationState {
	v.Lock()
	defer v.Unlock()
	out := make(map[string]StationState, len(v.stations))
	for id, st := range v.stations {
		out[id] = *st
	}
	return out
}

// OracleOnline reports whether the trust oracle is considered reachable.
func (v *Verifier) OracleOnline() bool {
	v.Lock()
	defer v.Unlock()
	return v.oracleOnline
}

// Subscribe returns a channel of station trust state changes.  The channel
// is buffered; a slow subscriber loses events rather than blocking the
// verifier.
func (v *Verifier) Subscribe() <-chan StationEvent {
	v.Lock()
	defer v.Unlock()
	ch := make(chan StationEvent, eventBuffer)
	v.subscribers = append(v.subscribers, ch)
	return ch
}

// publishLocked sends an event to all subscribers.  Caller holds the lock.
func (v *Verifier) publishLocked(stationID string) {
	st, ok := v.stations[stationID]
	if !ok {
		return
	}
	ev := StationEvent{StationID: stationID, State: *st}
	for _, ch := range v.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// station returns the state entry for id, creating it if needed.  Caller
// holds the lock.
func (v *Verifier) station(id string) *StationState {
	st, ok := v.stations[id]
	if !ok {
		st = &StationState{Status: StatusNone}
		v.stations[id] = st
	}
	return st
}

func (v *Verifier) get(ctx context.Context, url string) (int, []byte, error) {
	return v.do(ctx, http.MethodGet, url, nil)
}

func (v *Verifier) post(ctx context.Context, url string, body []byte) (int, []byte, error) {
	return v.do(ctx, http.MethodPost, url, body)
}

// do issues a direct HTTP request.  The verifier is contacted without any
// general-purpose proxy: the oracle is itself attested and not
// privacy-sensitive to reach.
func (v *Verifier) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.Debug.RequestTimeout)*time.Second)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}
