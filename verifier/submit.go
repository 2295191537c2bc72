// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/OpenAnonymity/oa-chat-sub000/ticket"
)

const submitKeyPath = "/submit_key"

// SubmitStatus is the outcome of a key submission.
type SubmitStatus string

const (
	// SubmitVerified means both endorsements validated; the key may be
	// used against the station.
	SubmitVerified SubmitStatus = "verified"

	// SubmitPending means the oracle was transiently unable to decide;
	// the submission was queued for background retry and the caller may
	// proceed provisionally when policy allows.
	SubmitPending SubmitStatus = "pending"

	// SubmitUnverified is a terminal policy outcome: the key is neither
	// trusted nor actively malicious, just not confirmed.  No retry.
	SubmitUnverified SubmitStatus = "unverified"

	// SubmitRejected means the key must not be used.  Never retried.
	SubmitRejected SubmitStatus = "rejected"
)

// BanInfo carries the structured detail of a station ban so the caller can
// warn the user immediately.
type BanInfo struct {
	StationID string
	PublicKey string
	Reason    string
}

// BanError is the error form of a station ban.
type BanError struct {
	Ban *BanInfo
}

func (e *BanError) Error() string {
	return fmt.Sprintf("verifier: station %s banned: %s", e.Ban.StationID, e.Ban.Reason)
}

// IsBanned returns the BanError wrapped in err, if any.
func IsBanned(err error) (*BanError, bool) {
	var be *BanError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// SubmitResult is the outcome of SubmitKey.
type SubmitResult struct {
	Status        SubmitStatus
	KeyHash       string
	BannedStation *BanInfo
	Err           error
}

// KeyHash computes the truncated key digest (first 8 bytes of SHA-256,
// hex) used purely as a local tracking handle for retries and logs.  It is
// never transmitted.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// SubmitKey submits a freshly acquired API key to the oracle for
// validation.  The network call is issued exactly once here; submission is
// idempotent server-side (pure validation, no state mutation), so retries
// are delegated to the background queue.
func (v *Verifier) SubmitKey(ctx context.Context, key *ticket.ApiKeyGrant) *SubmitResult {
	if err := validateKeyData(key); err != nil {
		return &SubmitResult{Status: SubmitRejected, Err: err}
	}
	keyHash := KeyHash(key.Key)

	v.Lock()
	st := v.station(key.StationID)
	if st.Status == StatusNone {
		st.Status = StatusPending
		v.publishLocked(key.StationID)
	}
	v.Unlock()

	status, body, err := v.post(ctx, v.cfg.Verifier.URL+submitKeyPath, submitPayload(key))
	cl := classifySubmitResponse(status, body, err)
	return v.applySubmitOutcome(key, keyHash, cl)
}

// applySubmitOutcome turns a classified submission response into state
// changes, queue operations and the caller-visible result.  The background
// retry queue reuses it for terminal outcomes only; soft and transient
// retry outcomes re-arm inside the queue itself.
func (v *Verifier) applySubmitOutcome(key *ticket.ApiKeyGrant, keyHash string, cl classification) *SubmitResult {
	v.Lock()
	defer v.Unlock()

	switch cl.outcome {
	case outcomeVerified:
		v.markVerifiedLocked(key.StationID, keyHash)
		v.log.Noticef("Key %s verified for station %s", keyHash, key.StationID)
		return &SubmitResult{Status: SubmitVerified, KeyHash: keyHash}

	case outcomeUnverified:
		st := v.station(key.StationID)
		st.Trustworthy = false
		st.Err = "unverified"
		delete(v.pending, keyHash)
		v.publishLocked(key.StationID)
		v.log.Noticef("Key %s unverified for station %s (terminal)", keyHash, key.StationID)
		return &SubmitResult{Status: SubmitUnverified, KeyHash: keyHash}

	case outcomeBan:
		if cl.ban.StationID == "" {
			cl.ban.StationID = key.StationID
		}
		st := v.station(key.StationID)
		st.Status = StatusBanned
		st.Banned = true
		st.Trustworthy = false
		st.BanReason = cl.ban.Reason
		st.BannedAt = v.now()
		delete(v.pending, keyHash)
		v.publishLocked(key.StationID)
		v.log.Warningf("Station %s banned: %s", key.StationID, cl.ban.Reason)
		return &SubmitResult{
			Status:        SubmitRejected,
			KeyHash:       keyHash,
			BannedStation: cl.ban,
			Err:           &BanError{Ban: cl.ban},
		}

	case outcomeHard:
		st := v.station(key.StationID)
		st.Status = StatusFailed
		st.Trustworthy = false
		st.Err = cl.detail
		delete(v.pending, keyHash)
		v.publishLocked(key.StationID)
		v.log.Warningf("Key %s rejected for station %s: %s", keyHash, key.StationID, cl.detail)
		return &SubmitResult{
			Status:  SubmitRejected,
			KeyHash: keyHash,
			Err:     fmt.Errorf("verifier: submission rejected: %s", cl.detail),
		}

	case outcomeOracleTransient:
		v.enqueueLocked(key, keyHash, longRetryBudget)
		v.log.Infof("Key %s queued for retry (oracle transient: %s)", keyHash, cl.detail)
		return &SubmitResult{Status: SubmitPending, KeyHash: keyHash}

	default: // outcomeSoft
		if v.isRecentlyAttested(key.StationID) {
			v.enqueueLocked(key, keyHash, shortRetryBudget)
			v.log.Infof("Key %s queued for retry (station recently attested: %s)", keyHash, cl.detail)
			return &SubmitResult{Status: SubmitPending, KeyHash: keyHash}
		}
		st := v.station(key.StationID)
		st.Status = StatusFailed
		st.Trustworthy = false
		st.Err = cl.detail
		v.publishLocked(key.StationID)
		v.log.Warningf("Key %s rejected for unattested station %s: %s", keyHash, key.StationID, cl.detail)
		return &SubmitResult{
			Status:  SubmitRejected,
			KeyHash: keyHash,
			Err:     fmt.Errorf("verifier: submission failed for unattested station: %s", cl.detail),
		}
	}
}

// markVerifiedLocked records a successful verification.  Caller holds the
// lock.
func (v *Verifier) markVerifiedLocked(stationID, keyHash string) {
	st := v.station(stationID)
	st.Status = StatusPassed
	st.Registered = true
	st.Trustworthy = true
	st.Banned = false
	st.BanReason = ""
	st.Err = ""
	st.LastVerified = v.now()
	delete(v.pending, keyHash)
	v.clearWarningLocked(stationID)
	v.publishLocked(stationID)
}

func validateKeyData(key *ticket.ApiKeyGrant) error {
	if key == nil {
		return fmt.Errorf("verifier: nil key data")
	}
	switch {
	case key.StationID == "":
		return fmt.Errorf("verifier: key data missing station id")
	case key.Key == "":
		return fmt.Errorf("verifier: key data missing key")
	case key.ExpiresAtUnix == 0:
		return fmt.Errorf("verifier: key data missing expiry")
	case key.StationSignature == "":
		return fmt.Errorf("verifier: key data missing station signature")
	case key.OrgSignature == "":
		return fmt.Errorf("verifier: key data missing org signature")
	}
	return nil
}

func submitPayload(key *ticket.ApiKeyGrant) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"station_id":        key.StationID,
		"api_key":           key.Key,
		"key_valid_till":    key.ExpiresAtUnix,
		"station_signature": key.StationSignature,
		"org_signature":     key.OrgSignature,
	})
	return b
}

type submitOutcome int

const (
	outcomeVerified submitOutcome = iota
	outcomeUnverified
	outcomeOracleTransient
	outcomeSoft
	outcomeHard
	outcomeBan
)

type classification struct {
	outcome submitOutcome
	detail  string
	ban     *BanInfo
}

type submitResponse struct {
	Status        string `json:"status"`
	Detail        string `json:"detail"`
	ErrorMsg      string `json:"error"`
	Message       string `json:"message"`
	BannedStation *struct {
		StationID string `json:"station_id"`
		PublicKey string `json:"public_key"`
		Reason    string `json:"reason"`
	} `json:"banned_station"`
}

func (sr *submitResponse) text() string {
	for _, s := range []string{sr.Detail, sr.ErrorMsg, sr.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

// classifySubmitResponse sorts a submission response into the retry
// taxonomy.  Transport errors are treated exactly like soft failures.
func classifySubmitResponse(status int, body []byte, err error) classification {
	if err != nil {
		return classification{outcome: outcomeSoft, detail: err.Error()}
	}

	var sr submitResponse
	_ = json.Unmarshal(body, &sr)
	detail := sr.text()

	if status >= 200 && status < 300 {
		if sr.Status == "unverified" {
			return classification{outcome: outcomeUnverified, detail: detail}
		}
		return classification{outcome: outcomeVerified}
	}

	// Oracle-side transient conditions.
	if status == http.StatusTooManyRequests {
		return classification{outcome: outcomeOracleTransient, detail: "rate limited"}
	}
	if status == http.StatusServiceUnavailable && mentionsOwnershipCheck(detail) {
		return classification{outcome: outcomeOracleTransient, detail: detail}
	}

	// Hard failures: never retried.
	if sr.Status == "banned" || sr.BannedStation != nil {
		ban := &BanInfo{Reason: detail}
		if sr.BannedStation != nil {
			ban.StationID = sr.BannedStation.StationID
			ban.PublicKey = sr.BannedStation.PublicKey
			if sr.BannedStation.Reason != "" {
				ban.Reason = sr.BannedStation.Reason
			}
		}
		return classification{outcome: outcomeBan, detail: detail, ban: ban}
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return classification{outcome: outcomeHard, detail: fmt.Sprintf("HTTP %d: %s", status, detail)}
	}
	if mentionsValidationFailure(detail) {
		return classification{outcome: outcomeHard, detail: detail}
	}

	return classification{outcome: outcomeSoft, detail: fmt.Sprintf("HTTP %d: %s", status, detail)}
}

func mentionsOwnershipCheck(s string) bool {
	m := strings.ToLower(s)
	return strings.Contains(m, "ownership check error") || strings.Contains(m, "ownership_check_error")
}

func mentionsValidationFailure(s string) bool {
	m := strings.ToLower(s)
	for _, hint := range []string{
		"invalid signature", "signature mismatch", "mismatched signature",
		"bad signature", "invalid expiry", "expired", "expiry mismatch",
	} {
		if strings.Contains(m, hint) {
			return true
		}
	}
	return false
}
