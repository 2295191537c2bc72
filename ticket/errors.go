// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ticket

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentialFormat is returned when an invitation code is
	// not exactly 24 characters.
	ErrInvalidCredentialFormat = errors.New("ticket: invitation code must be exactly 24 characters")

	// ErrInvalidCredentialEncoding is returned when the invitation code
	// suffix does not encode a positive ticket count.
	ErrInvalidCredentialEncoding = errors.New("ticket: invitation code suffix does not encode a ticket count")

	// ErrProviderUnavailable is returned when no blind signature
	// provider is available.
	ErrProviderUnavailable = errors.New("ticket: no blind signature provider available")

	// ErrKeyFetchFailed is returned when the issuer public key could not
	// be fetched.  Registration never proceeds on a stale key, so this
	// is fatal for the call and not retried.
	ErrKeyFetchFailed = errors.New("ticket: issuer public key fetch failed")

	// ErrIncompleteSigningResponse is returned when the org returned
	// fewer signed responses than blinded requests.  Partial batches are
	// never accepted.
	ErrIncompleteSigningResponse = errors.New("ticket: incomplete signing response")

	// ErrInvalidKeyResponse is returned when a key response is missing
	// required fields without hinting at ticket reuse.
	ErrInvalidKeyResponse = errors.New("ticket: key response missing required fields")

	// ErrInsufficientTickets is returned when the ledger holds fewer
	// unredeemed tickets than requested.
	ErrInsufficientTickets = errors.New("ticket: not enough unredeemed tickets")
)

// CodeTicketUsed distinguishes a confirmed double-spend from every other
// key request failure.
const CodeTicketUsed = "TICKET_USED"

// SpentError reports that the org rejected a key request because one or
// more of the presented tickets was already spent.  The tickets involved
// have been permanently consumed from the ledger: their exact redemption
// state at the org is unknown, so re-use must be prevented.
type SpentError struct {
	// Code is always CodeTicketUsed.
	Code string

	// Tickets lists the finalized tickets that were consumed.
	Tickets []string

	// Detail is the org's error message.
	Detail string
}

func (e *SpentError) Error() string {
	return fmt.Sprintf("ticket: double-spend rejected by org (%d tickets discarded): %s", len(e.Tickets), e.Detail)
}

// IsSpent returns the SpentError wrapped in err, if any.
func IsSpent(err error) (*SpentError, bool) {
	var se *SpentError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
