// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStalenessLevels(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	require.Equal(StalenessUnverified, v.StalenessFor("never-seen"))

	o.setBroadcast(broadcastBody(
		[]VerifiedStation{{StationID: "station-a", LastVerified: clock.Now().Unix()}},
		[]BannedStation{{StationID: "station-b", Reason: "fraud"}},
	))
	_, err := v.QueryBroadcast(context.Background())
	require.NoError(err)

	require.Equal(StalenessFresh, v.StalenessFor("station-a"))
	require.Equal(StalenessBanned, v.StalenessFor("station-b"))

	clock.Advance(20 * time.Minute)
	require.Equal(StalenessStale, v.StalenessFor("station-a"))

	clock.Advance(time.Hour)
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))

	// A failed verification is critical no matter how recent.
	v.Lock()
	st := v.station("station-a")
	st.Status = StatusFailed
	st.Trustworthy = false
	st.LastVerified = clock.Now()
	v.Unlock()
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))
}

func TestStalenessWarnsOnce(t *testing.T) {
	require := require.New(t)
	o := newTestOracle(t)
	v, clock := newTestVerifier(t, o)

	var warnings atomic.Int64
	v.OnStationWarning = func(stationID string, level Staleness) {
		warnings.Add(1)
	}

	o.setBroadcast(broadcastBody(
		[]VerifiedStation{{StationID: "station-a", LastVerified: clock.Now().Unix()}}, nil))
	_, err := v.QueryBroadcast(context.Background())
	require.NoError(err)

	clock.Advance(2 * time.Hour)
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))
	waitFor(t, func() bool { return warnings.Load() == 1 })

	// A fresh verification clears the marker; going critical again
	// warns again.
	o.setBroadcast(broadcastBody(
		[]VerifiedStation{{StationID: "station-a", LastVerified: clock.Now().Unix()}}, nil))
	_, err = v.QueryBroadcast(context.Background())
	require.NoError(err)
	require.Equal(StalenessFresh, v.StalenessFor("station-a"))

	clock.Advance(2 * time.Hour)
	require.Equal(StalenessCritical, v.StalenessFor("station-a"))
	waitFor(t, func() bool { return warnings.Load() == 2 })
}

func TestStalenessOrdering(t *testing.T) {
	require := require.New(t)
	levels := []Staleness{
		StalenessFresh, StalenessStale, StalenessCritical,
		StalenessUnverified, StalenessBanned,
	}
	for i := 1; i < len(levels); i++ {
		require.Greater(int(levels[i]), int(levels[i-1]),
			"%s must outrank %s", levels[i], levels[i-1])
	}
	require.Equal("fresh", StalenessFresh.String())
	require.Equal("banned", StalenessBanned.String())
}
