// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	broadcastPath = "/broadcast"

	snapshotBucket = "verifier"
	snapshotKey    = "lastBroadcastData"
)

// VerifiedStation is a broadcast entry for a station the oracle has
// verified.
type VerifiedStation struct {
	StationID    string `json:"station_id" cbor:"station_id"`
	LastVerified int64  `json:"last_verified" cbor:"last_verified"`
}

// BannedStation is a broadcast entry for a station the oracle has banned.
type BannedStation struct {
	StationID string `json:"station_id" cbor:"station_id"`
	Reason    string `json:"reason" cbor:"reason"`
	BannedAt  int64  `json:"banned_at" cbor:"banned_at"`
	PublicKey string `json:"public_key,omitempty" cbor:"public_key,omitempty"`
}

// BroadcastSnapshot is the oracle's trust view: the sole ground truth for
// station states between polls.  It is persisted so a fresh start has a
// last-known view before the first poll completes.
type BroadcastSnapshot struct {
	VerifiedStations []VerifiedStation `cbor:"verified_stations"`
	BannedStations   []BannedStation   `cbor:"banned_stations"`
	Timestamp        time.Time         `cbor:"timestamp"`
}

// Snapshot returns the current broadcast snapshot, or nil if no poll has
// ever succeeded and nothing was persisted.
func (v *Verifier) Snapshot() *BroadcastSnapshot {
	v.Lock()
	defer v.Unlock()
	if v.snapshot == nil {
		return nil
	}
	snap := *v.snapshot
	return &snap
}

// QueryBroadcast polls the oracle's broadcast endpoint and applies the
// result.  A failed poll never discards the last known-good snapshot:
// trust decisions degrade to "last known" rather than "unknown" during
// outages.
func (v *Verifier) QueryBroadcast(ctx context.Context) (*BroadcastSnapshot, error) {
	status, body, err := v.get(ctx, v.cfg.Verifier.URL+broadcastPath)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("verifier: broadcast returned HTTP %d", status)
	}
	var snap *BroadcastSnapshot
	if err == nil {
		snap, err = decodeBroadcast(body)
	}
	if err != nil {
		v.noteBroadcastFailure(err)
		return nil, err
	}
	snap.Timestamp = v.now()

	v.Lock()
	v.consecutiveFailures = 0
	if !v.oracleOnline {
		v.oracleOnline = true
		v.offlineNotified = false
		v.log.Noticef("Trust oracle back online")
		if v.OnOracleOnline != nil {
			go v.OnOracleOnline()
		}
	}
	v.applySnapshot(snap)
	v.Unlock()

	if err := v.persistSnapshot(snap); err != nil {
		v.log.Errorf("Failed to persist broadcast snapshot: %v", err)
	}
	return snap, nil
}

func (v *Verifier) noteBroadcastFailure(err error) {
	v.Lock()
	defer v.Unlock()

	v.consecutiveFailures++
	v.log.Warningf("Broadcast poll failure %d: %v", v.consecutiveFailures, err)
	if v.consecutiveFailures >= offlineThreshold && !v.offlineNotified {
		v.oracleOnline = false
		v.offlineNotified = true
		v.log.Warningf("Trust oracle declared offline after %d consecutive failures", v.consecutiveFailures)
		if v.OnOracleOffline != nil {
			go v.OnOracleOffline()
		}
	}
}

// applySnapshot replaces the in-memory snapshot and reconciles every
// station state against it.  Caller holds the lock.
func (v *Verifier) applySnapshot(snap *BroadcastSnapshot) {
	v.snapshot = snap
	now := v.now()

	verified := make(map[string]VerifiedStation, len(snap.VerifiedStations))
	for _, vs := range snap.VerifiedStations {
		verified[vs.StationID] = vs
	}
	banned := make(map[string]BannedStation, len(snap.BannedStations))
	for _, bs := range snap.BannedStations {
		banned[bs.StationID] = bs
	}

	for id, bs := range banned {
		st := v.station(id)
		changed := !st.Banned
		st.Status = StatusBanned
		st.Banned = true
		st.Trustworthy = false
		st.BanReason = bs.Reason
		st.BannedAt = time.Unix(bs.BannedAt, 0)
		st.LastBroadcastCheck = now
		if changed {
			v.log.Warningf("Station %s banned: %s", id, bs.Reason)
			v.publishLocked(id)
		}
	}

	for id, vs := range verified {
		if _, isBanned := banned[id]; isBanned {
			continue
		}
		st := v.station(id)
		changed := st.Status != StatusPassed || st.Banned
		st.Status = StatusPassed
		st.Registered = true
		st.Trustworthy = true
		st.Banned = false
		st.BanReason = ""
		st.Err = ""
		if vs.LastVerified != 0 {
			st.LastVerified = time.Unix(vs.LastVerified, 0)
		} else {
			st.LastVerified = now
		}
		st.LastBroadcastCheck = now
		v.clearWarningLocked(id)
		if changed {
			v.publishLocked(id)
		}
	}

	// Stations in neither list are re-evaluated: a previous pass no
	// longer holds.  Bans stay sticky until a broadcast lists the
	// station as verified again.
	for id, st := range v.stations {
		if _, ok := verified[id]; ok {
			continue
		}
		if _, ok := banned[id]; ok {
			continue
		}
		st.LastBroadcastCheck = now
		if st.Banned {
			continue
		}
		if st.Status == StatusPassed {
			st.Status = StatusFailed
			st.Trustworthy = false
			v.publishLocked(id)
		}
	}
}

// decodeBroadcast normalizes the three broadcast shapes observed in the
// wild into one canonical snapshot: the current
// {verified_stations, banned_stations} object, the legacy
// {stations: [...]} object, and the oldest bare-array form.
func decodeBroadcast(body []byte) (*BroadcastSnapshot, error) {
	var canonical struct {
		VerifiedStations []VerifiedStation `json:"verified_stations"`
		BannedStations   []BannedStation   `json:"banned_stations"`
		Stations         []VerifiedStation `json:"stations"`
	}
	if err := json.Unmarshal(body, &canonical); err == nil {
		if canonical.VerifiedStations != nil || canonical.BannedStations != nil {
			return &BroadcastSnapshot{
				VerifiedStations: canonical.VerifiedStations,
				BannedStations:   canonical.BannedStations,
			}, nil
		}
		if canonical.Stations != nil {
			return &BroadcastSnapshot{VerifiedStations: canonical.Stations}, nil
		}
	}

	var bare []VerifiedStation
	if err := json.Unmarshal(body, &bare); err == nil {
		return &BroadcastSnapshot{VerifiedStations: bare}, nil
	}

	return nil, fmt.Errorf("verifier: unrecognized broadcast shape")
}

func (v *Verifier) persistSnapshot(snap *BroadcastSnapshot) error {
	blob, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(snapshotBucket)).Put([]byte(snapshotKey), blob)
	})
}

func (v *Verifier) loadSnapshot() (*BroadcastSnapshot, error) {
	var blob []byte
	if err := v.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(snapshotBucket)).Get([]byte(snapshotKey)); b != nil {
			blob = append([]byte(nil), b...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	snap := new(BroadcastSnapshot)
	if err := cbor.Unmarshal(blob, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
