// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	attestationPath = "/attestation"
	attestationTTL  = 5 * time.Minute
)

// Attestation is the oracle's self-attestation summary.
type Attestation struct {
	Summary string `json:"summary"`
}

// Attestation fetches the oracle's attestation, served from a 5 minute
// client-side cache.
func (v *Verifier) Attestation(ctx context.Context) (*Attestation, error) {
	v.Lock()
	if v.attestation != nil && v.now().Sub(v.attestationAt) < attestationTTL {
		cached := v.attestation
		v.Unlock()
		return decodeAttestation(cached)
	}
	v.Unlock()

	status, body, err := v.get(ctx, v.cfg.Verifier.URL+attestationPath)
	if err != nil {
		return nil, fmt.Errorf("verifier: attestation fetch failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("verifier: attestation returned HTTP %d", status)
	}
	a, err := decodeAttestation(body)
	if err != nil {
		return nil, err
	}

	v.Lock()
	v.attestation = body
	v.attestationAt = v.now()
	v.Unlock()
	return a, nil
}

func decodeAttestation(body []byte) (*Attestation, error) {
	a := new(Attestation)
	if err := json.Unmarshal(body, a); err != nil {
		return nil, fmt.Errorf("verifier: malformed attestation: %w", err)
	}
	return a, nil
}
