// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import "time"

// Staleness buckets how long ago a station's trust was last confirmed.
// Higher values are worse; Banned dominates everything.
type Staleness int

const (
	StalenessFresh Staleness = iota
	StalenessStale
	StalenessCritical
	StalenessUnverified
	StalenessBanned
)

const (
	// staleThreshold is the age past which a verification is stale.
	staleThreshold = 15 * time.Minute

	// criticalThreshold is the age past which a verification no longer
	// counts for anything.
	criticalThreshold = time.Hour
)

func (s Staleness) String() string {
	switch s {
	case StalenessFresh:
		return "fresh"
	case StalenessStale:
		return "stale"
	case StalenessCritical:
		return "critical"
	case StalenessUnverified:
		return "unverified"
	case StalenessBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// StalenessFor computes the staleness level for a station on demand, and
// fires the station warning callback for critical and unverified levels,
// at most once per station until the station returns to fresh.
func (v *Verifier) StalenessFor(stationID string) Staleness {
	v.Lock()
	defer v.Unlock()

	level := v.stalenessLocked(stationID)
	switch level {
	case StalenessFresh:
		v.clearWarningLocked(stationID)
	case StalenessCritical, StalenessUnverified:
		if !v.warned[stationID] {
			v.warned[stationID] = true
			v.log.Warningf("Station %s is %s", stationID, level)
			if v.OnStationWarning != nil {
				go v.OnStationWarning(stationID, level)
			}
		}
	}
	return level
}

// stalenessLocked computes the level.  Caller holds the lock.
func (v *Verifier) stalenessLocked(stationID string) Staleness {
	st, ok := v.stations[stationID]
	if !ok {
		return StalenessUnverified
	}
	if st.Banned {
		return StalenessBanned
	}
	if st.LastVerified.IsZero() {
		return StalenessUnverified
	}

	age := v.now().Sub(st.LastVerified)
	switch {
	case st.Status == StatusFailed || !st.Trustworthy || age > criticalThreshold:
		return StalenessCritical
	case age > staleThreshold:
		return StalenessStale
	default:
		return StalenessFresh
	}
}

// clearWarningLocked clears the warned marker for a recovered station.
// Caller holds the lock.
func (v *Verifier) clearWarningLocked(stationID string) {
	delete(v.warned, stationID)
}
