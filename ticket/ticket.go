// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ticket implements the anonymous inference ticket protocol: a
// one-time invitation credential is exchanged for a batch of unlinkable
// blind-signed tickets, and tickets are later redeemed for short-lived
// ephemeral API keys issued by the org.
package ticket

import "time"

// Ticket is a single anonymous, blind-signed, single-use credential
// redeemable for an API key.  It is immutable once created.
type Ticket struct {
	// BlindedRequest is the blinded token request sent at registration.
	BlindedRequest []byte `cbor:"blinded_request"`

	// SignedResponse is the issuer's blind signature over the request.
	SignedResponse []byte `cbor:"signed_response"`

	// FinalizedTicket is the redeemable token in transport encoding.
	// It is the only part of the record the holder ever transmits.
	FinalizedTicket string `cbor:"finalized_ticket"`

	// CreatedAt is the registration time.
	CreatedAt time.Time `cbor:"created_at"`

	// seq is the ledger key of the record, set by the store on Add and
	// Peek.  Never serialized.
	seq uint64
}

// Batch is the result of redeeming an invitation credential.  It is
// ephemeral; the issued tickets themselves are persisted in the Store.
type Batch struct {
	// TicketsIssued is the number of tickets persisted.
	TicketsIssued int

	// Credential is the invitation code that was redeemed.
	Credential string

	// ExpiresAt is the expiry of the issued tickets, as reported by the
	// org.
	ExpiresAt time.Time
}

// ApiKeyGrant is an ephemeral API key issued by the org against consumed
// tickets.  Both the station and org endorsements must validate with the
// verifier before the key may be used.
type ApiKeyGrant struct {
	// Key is the ephemeral API key.
	Key string

	// KeyHash is the org-reported hash of the key.
	KeyHash string

	// StationID identifies the station the key is bound to.
	StationID string

	// StationURL is the inference endpoint of the station.
	StationURL string

	// StationSignature is the station's endorsement of the key.
	StationSignature string

	// OrgSignature is the org's endorsement of the key.
	OrgSignature string

	// ExpiresAtUnix is the key expiry as a Unix timestamp.
	ExpiresAtUnix int64

	// CreditLimit is the inference credit attached to the key.
	CreditLimit float64

	// TicketsConsumed is the number of tickets the org reports having
	// consumed.
	TicketsConsumed int

	// TicketsUsed lists the finalized tickets actually redeemed for
	// this key, so the caller can reconcile the ledger.
	TicketsUsed []string
}
