// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenAnonymity/oa-chat-sub000/config"
	"github.com/OpenAnonymity/oa-chat-sub000/ticket"
)

// fakeClock lets tests advance time without wall-clock sleeps.
type fakeClock struct {
	sync.Mutex
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	c.t = c.t.Add(d)
	c.Unlock()
}

// testOracle is a fake trust oracle.
type testOracle struct {
	mu        sync.Mutex
	broadcast http.HandlerFunc
	submit    http.HandlerFunc

	broadcastCalls atomic.Int64
	submitCalls    atomic.Int64

	server *httptest.Server
}

func newTestOracle(t *testing.T) *testOracle {
	t.Helper()
	o := &testOracle{}
	mux := http.NewServeMux()
	mux.HandleFunc(broadcastPath, func(w http.ResponseWriter, r *http.Request) {
		o.broadcastCalls.Add(1)
		o.mu.Lock()
		h := o.broadcast
		o.mu.Unlock()
		if h == nil {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"verified_stations": []VerifiedStation{},
				"banned_stations":   []BannedStation{},
			})
			return
		}
		h(w, r)
	})
	mux.HandleFunc(submitKeyPath, func(w http.ResponseWriter, r *http.Request) {
		o.submitCalls.Add(1)
		o.mu.Lock()
		h := o.submit
		o.mu.Unlock()
		if h == nil {
			http.Error(w, "no submit handler", http.StatusInternalServerError)
			return
		}
		h(w, r)
	})
	mux.HandleFunc(attestationPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"summary": "ok"})
	})
	o.server = httptest.NewServer(mux)
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOracle) setBroadcast(h http.HandlerFunc) {
	o.mu.Lock()
	o.broadcast = h
	o.mu.Unlock()
}

func (o *testOracle) setSubmit(h http.HandlerFunc) {
	o.mu.Lock()
	o.submit = h
	o.mu.Unlock()
}

func testConfig(t *testing.T, oracleURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Org:      &config.Org{URL: oracleURL},
		Verifier: &config.Verifier{URL: oracleURL},
		Storage:  &config.Storage{DataDir: t.TempDir()},
		Logging:  &config.Logging{Disable: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func newTestVerifier(t *testing.T, o *testOracle) (*Verifier, *fakeClock) {
	t.Helper()
	cfg := testConfig(t, o.server.URL)
	backend, err := cfg.Logging.NewLogBackend()
	require.NoError(t, err)

	v, err := New(cfg, backend)
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	clock := newFakeClock()
	v.now = clock.Now
	return v, clock
}

func testGrant(stationID string) *ticket.ApiKeyGrant {
	return &ticket.ApiKeyGrant{
		Key:              "sk-" + stationID,
		KeyHash:          "unused",
		StationID:        stationID,
		StationURL:       "https://" + stationID + ".example.com",
		StationSignature: "c3RhdGlvbg==",
		OrgSignature:     "b3Jn",
		ExpiresAtUnix:    time.Now().Add(time.Hour).Unix(),
	}
}

func verifiedHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "verified"})
}

func TestSubmitKeyLocalValidation(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	cases := []*ticket.ApiKeyGrant{
		nil,
		{Key: "k", StationSignature: "s", OrgSignature: "o", ExpiresAtUnix: 1}, // no station id
		{StationID: "s", StationSignature: "s", OrgSignature: "o", ExpiresAtUnix: 1},
		{StationID: "s", Key: "k", StationSignature: "s", OrgSignature: "o"}, // no expiry
		{StationID: "s", Key: "k", OrgSignature: "o", ExpiresAtUnix: 1},
		{StationID: "s", Key: "k", StationSignature: "s", ExpiresAtUnix: 1},
	}
	for i, kd := range cases {
		res := v.SubmitKey(context.Background(), kd)
		require.Equal(SubmitRejected, res.Status, "case %d", i)
		require.Error(res.Err, "case %d", i)
	}
	require.Equal(int64(0), o.submitCalls.Load(), "local validation must not touch the network")
}

func TestSubmitKeyVerified(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)
	o.setSubmit(verifiedHandler)

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitVerified, res.Status)
	require.Len(res.KeyHash, 16, "truncated sha256 handle")

	st, ok := v.StationState("station-1")
	require.True(ok)
	require.Equal(StatusPassed, st.Status)
	require.True(st.Trustworthy)
	require.Equal(0, v.PendingCount())
}

func TestSubmitKeyIdempotent(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)
	o.setSubmit(verifiedHandler)

	grant := testGrant("station-1")
	res1 := v.SubmitKey(context.Background(), grant)
	res2 := v.SubmitKey(context.Background(), grant)
	require.Equal(SubmitVerified, res1.Status)
	require.Equal(SubmitVerified, res2.Status)
	require.Equal(res1.KeyHash, res2.KeyHash)
	require.Equal(0, v.PendingCount(), "no duplicate retry entries")

	// Same key queued twice while the oracle is unresponsive collapses
	// into one pending entry.
	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "ownership check error"})
	})
	grant2 := testGrant("station-2")
	require.Equal(SubmitPending, v.SubmitKey(context.Background(), grant2).Status)
	require.Equal(SubmitPending, v.SubmitKey(context.Background(), grant2).Status)
	require.Equal(1, v.PendingCount())
}

func TestSubmitKeyBanned(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "banned",
			"banned_station": map[string]string{
				"station_id": "station-1",
				"public_key": "pk-station-1",
				"reason":     "attestation mismatch",
			},
		})
	})

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitRejected, res.Status)
	require.NotNil(res.BannedStation)
	require.Equal("attestation mismatch", res.BannedStation.Reason)
	require.Equal("pk-station-1", res.BannedStation.PublicKey)
	be, ok := IsBanned(res.Err)
	require.True(ok)
	require.Equal("station-1", be.Ban.StationID)
	require.Equal(0, v.PendingCount(), "a ban must not enqueue a retry")

	st, _ := v.StationState("station-1")
	require.Equal(StatusBanned, st.Status)
	require.True(st.Banned)
	require.False(st.Trustworthy)
	require.Equal(StalenessBanned, v.StalenessFor("station-1"))
}

func TestSubmitKeyHardStatusCodes(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	for _, code := range []int{400, 401, 403, 404} {
		o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
		})
		res := v.SubmitKey(context.Background(), testGrant("station-1"))
		require.Equal(SubmitRejected, res.Status, "HTTP %d", code)
		require.Equal(0, v.PendingCount(), "HTTP %d", code)
	}
}

func TestSubmitKeySignatureErrorIsHard(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	// 500 would normally be soft, but a signature complaint is final.
	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid signature on submission"})
	})
	v.MarkRecentlyAttested("station-1")

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitRejected, res.Status)
	require.Equal(0, v.PendingCount())
}

func TestSubmitKeyUnverifiedIsTerminal(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "unverified"})
	})

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitUnverified, res.Status)
	require.NoError(res.Err, "unverified is a result, not an error")
	require.Equal(0, v.PendingCount())

	st, _ := v.StationState("station-1")
	require.False(st.Trustworthy)
}

func TestSubmitKeySoftUnattestedRejected(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, _ := newTestVerifier(t, o)

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitRejected, res.Status, "an unattested station gets no provisional trust")
	require.Equal(0, v.PendingCount())
}

func TestSubmitKeyPendingThenVerified(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)
	events := v.Subscribe()

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "ownership check error"})
	})

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitPending, res.Status)
	require.Equal(1, v.PendingCount())

	// The oracle recovers; the background queue finishes the job with
	// no caller re-invocation.
	o.setSubmit(verifiedHandler)
	clock.Advance(time.Hour)
	v.retryPending(context.Background())

	require.Equal(0, v.PendingCount())
	st, _ := v.StationState("station-1")
	require.Equal(StatusPassed, st.Status)
	require.True(st.Trustworthy)

	// Observed transitions: pending submission, then passed.
	var statuses []Status
	for len(events) > 0 {
		ev := <-events
		statuses = append(statuses, ev.State.Status)
	}
	require.NotEmpty(statuses)
	require.Equal(StatusPassed, statuses[len(statuses)-1])
}

func TestSubmitKeySoftAttestedRetriesThenExhausts(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	var exhausted []string
	var exhaustedMu sync.Mutex
	done := make(chan struct{})
	v.OnRetryExhausted = func(keyHash, stationID string) {
		exhaustedMu.Lock()
		exhausted = append(exhausted, stationID)
		exhaustedMu.Unlock()
		close(done)
	}

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	v.MarkRecentlyAttested("station-1")

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitPending, res.Status)
	require.Equal(1, v.PendingCount())

	// Short budget is 3 attempts total: the inline one plus two
	// background retries.
	clock.Advance(time.Hour)
	v.retryPending(context.Background())
	require.Equal(1, v.PendingCount())

	clock.Advance(time.Hour)
	v.retryPending(context.Background())
	require.Equal(0, v.PendingCount())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnRetryExhausted not called")
	}
	exhaustedMu.Lock()
	defer exhaustedMu.Unlock()
	require.Equal([]string{"station-1"}, exhausted)
	require.Equal(int64(3), o.submitCalls.Load())
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	o.setSubmit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "ownership check error"})
	})

	res := v.SubmitKey(context.Background(), testGrant("station-1"))
	require.Equal(SubmitPending, res.Status)

	maxDelay := time.Duration(v.cfg.Verifier.RetryMaxDelay) * time.Second
	var prev time.Duration
	for i := 0; i < 8; i++ {
		v.Lock()
		p := v.pending[res.KeyHash]
		require.NotNil(p)
		backoff := p.backoff
		v.Unlock()

		require.GreaterOrEqual(backoff, prev, "backoff must not decrease")
		require.LessOrEqual(backoff, maxDelay, "backoff must honor the cap")
		prev = backoff

		clock.Advance(maxDelay * 2)
		v.retryPending(context.Background())
	}
	require.Equal(maxDelay, prev, "backoff saturates at the cap")
}

func TestAdaptivePollInterval(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	base := time.Duration(v.cfg.Verifier.BroadcastInterval) * time.Second
	floor := time.Duration(v.cfg.Verifier.MinBroadcastInterval) * time.Second

	require.Equal(base, v.pollInterval(), "idle cadence is the base interval")

	v.RecordCompletion()
	mid := v.pollInterval()
	require.Less(mid, base)
	require.Greater(mid, floor)

	for i := 0; i < 20; i++ {
		v.RecordCompletion()
	}
	require.Equal(floor, v.pollInterval(), "saturated cadence hits the floor")

	// Completions age out of the sliding window.
	clock.Advance(2 * completionWindow)
	require.Equal(base, v.pollInterval())
}

func TestPollWorkerKeepsCadenceUnderLoad(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	cfg := testConfig(t, o.server.URL)
	cfg.Verifier.BroadcastInterval = 2
	cfg.Verifier.MinBroadcastInterval = 1
	backend, err := cfg.Logging.NewLogBackend()
	require.NoError(err)
	v, err := New(cfg, backend)
	require.NoError(err)
	t.Cleanup(v.Shutdown)

	v.Start()

	// Completions arriving faster than the cadence must not keep pushing
	// the broadcast poll back; the worker keeps the time already waited.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				v.RecordCompletion()
			}
		}
	}()

	waitFor(t, func() bool { return o.broadcastCalls.Load() >= 3 })
}

func TestAttestationCached(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc(attestationPath, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"summary": "all good"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	v.cfg.Verifier.URL = srv.URL

	a, err := v.Attestation(context.Background())
	require.NoError(err)
	require.Equal("all good", a.Summary)

	_, err = v.Attestation(context.Background())
	require.NoError(err)
	require.Equal(int64(1), calls.Load(), "second fetch within TTL is served from cache")

	clock.Advance(attestationTTL + time.Minute)
	_, err = v.Attestation(context.Background())
	require.NoError(err)
	require.Equal(int64(2), calls.Load())
}
