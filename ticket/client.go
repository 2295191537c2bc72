// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ticket

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/OpenAnonymity/oa-chat-sub000/config"
	"github.com/OpenAnonymity/oa-chat-sub000/core/blindsig"
	"github.com/OpenAnonymity/oa-chat-sub000/core/log"
	"github.com/OpenAnonymity/oa-chat-sub000/core/retry"
)

const (
	invitationCodeLength = 24
	ticketCountSuffixLen = 4

	publicKeyPath  = "/api/ticket/issue/public-key"
	registerPath   = "/api/alpha-register"
	requestKeyPath = "/api/request_key"
	authScheme     = "InferenceTicket"
	maxKeyAttempts = 3
	keyRetryBase   = 1 * time.Second
	keyRetryMax    = 8 * time.Second
)

// ProgressFn receives coarse progress updates during registration.
type ProgressFn func(message string, percent int)

// Client orchestrates registration (invitation credential to signed
// tickets) and key acquisition (tickets to an ephemeral API key).
//
// Registration and key requests against the same ledger must not be issued
// concurrently; callers serialize credential operations externally.
type Client struct {
	cfg      *config.Config
	store    *Store
	provider blindsig.Provider
	client   *http.Client
	log      *logging.Logger
}

// NewClient creates a ticket client.  The provider may be nil, in which
// case registration fails with ErrProviderUnavailable.
func NewClient(cfg *config.Config, store *Store, provider blindsig.Provider, logBackend *log.Backend) *Client {
	return &Client{
		cfg:      cfg,
		store:    store,
		provider: provider,
		client:   &http.Client{},
		log:      logBackend.GetLogger("ticket/client"),
	}
}

// Store returns the ticket ledger the client operates on.
func (c *Client) Store() *Store {
	return c.store
}

// TicketCount derives the number of tickets encoded in an invitation code:
// the last 4 characters parsed as a base-16 integer.
func TicketCount(invitationCode string) (int, error) {
	if len(invitationCode) != invitationCodeLength {
		return 0, ErrInvalidCredentialFormat
	}
	suffix := invitationCode[invitationCodeLength-ticketCountSuffixLen:]
	n, err := strconv.ParseUint(suffix, 16, 32)
	if err != nil || n == 0 {
		return 0, ErrInvalidCredentialEncoding
	}
	return int(n), nil
}

// AlphaRegister redeems a one-time invitation credential for a batch of
// blind-signed tickets and persists them to the ledger.  The registration
// POST is issued exactly once: blinded requests are single-use server-side,
// so a retry after a timeout could double-submit requests the org already
// consumed.
func (c *Client) AlphaRegister(ctx context.Context, invitationCode string, onProgress ProgressFn) (*Batch, error) {
	progress := func(msg string, pct int) {
		if onProgress != nil {
			onProgress(msg, pct)
		}
	}

	n, err := TicketCount(invitationCode)
	if err != nil {
		return nil, err
	}
	if c.provider == nil {
		return nil, ErrProviderUnavailable
	}

	progress("Fetching issuer key", 5)
	issuerKey, err := c.fetchIssuerKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}

	progress(fmt.Sprintf("Blinding %d requests", n), 15)
	challenge, err := c.provider.NewChallenge()
	if err != nil {
		return nil, err
	}
	requests := make([]indexed, 0, n)
	states := make(map[int]blindsig.State, n)
	blinded := make(map[int][]byte, n)
	for i := 0; i < n; i++ {
		b, state, err := c.provider.Blind(issuerKey, challenge)
		if err != nil {
			return nil, fmt.Errorf("ticket: blinding request %d: %w", i, err)
		}
		requests = append(requests, indexed{Index: i, Value: base64.StdEncoding.EncodeToString(b)})
		states[i] = state
		blinded[i] = b
		if n >= 20 && i%10 == 9 {
			progress(fmt.Sprintf("Blinding %d requests", n), 15+35*i/n)
		}
	}

	progress("Waiting for signatures", 55)
	signed, expiresAt, err := c.register(ctx, invitationCode, requests, n)
	if err != nil {
		return nil, err
	}

	progress("Unblinding tickets", 75)
	now := time.Now()
	tickets := make([]*Ticket, 0, n)
	for i := 0; i < n; i++ {
		sig, ok := signed[i]
		if !ok {
			return nil, fmt.Errorf("%w: no signed response for index %d", ErrIncompleteSigningResponse, i)
		}
		token, err := states[i].Finalize(sig)
		if err != nil {
			return nil, fmt.Errorf("ticket: finalizing ticket %d: %w", i, err)
		}
		tickets = append(tickets, &Ticket{
			BlindedRequest:  blinded[i],
			SignedResponse:  sig,
			FinalizedTicket: blindsig.EncodeToken(token),
			CreatedAt:       now,
		})
	}

	progress("Saving tickets", 90)
	if err := c.store.Add(tickets); err != nil {
		return nil, err
	}
	progress("Done", 100)

	c.log.Noticef("Registered %d tickets (expire %v)", n, expiresAt)
	return &Batch{
		TicketsIssued: n,
		Credential:    invitationCode,
		ExpiresAt:     expiresAt,
	}, nil
}

// RequestAPIKey redeems ticketCount tickets for an ephemeral API key.
// Transient failures are retried up to 3 times; a confirmed double-spend is
// never retried and permanently consumes the selected tickets.
func (c *Client) RequestAPIKey(ctx context.Context, name string, ticketCount int) (*ApiKeyGrant, error) {
	if ticketCount <= 0 {
		return nil, fmt.Errorf("ticket: ticket count must be positive")
	}
	tickets, err := c.store.Peek(ticketCount)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, len(tickets))
	for i, t := range tickets {
		tokens[i] = t.FinalizedTicket
	}

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", authHeader(tokens))
	hdr.Set("Content-Type", "application/json")

	var status int
	var resp []byte
	for attempt := 0; ; attempt++ {
		status, resp, err = c.post(ctx, c.cfg.Org.URL+requestKeyPath, hdr, body, c.requestTimeout())
		if err == nil && !retry.IsRetryableStatus(status) {
			break
		}
		if err == nil && messageHintsReuse(orgError(resp)) {
			// Paranoia: a spent-ticket rejection must never loop.
			break
		}
		if err != nil && !retry.IsTransientError(err) {
			return nil, fmt.Errorf("ticket: key request failed: %w", err)
		}
		if attempt+1 >= maxKeyAttempts {
			if err != nil {
				return nil, fmt.Errorf("ticket: key request failed after %d attempts: %w", maxKeyAttempts, err)
			}
			return nil, fmt.Errorf("ticket: org unavailable after %d attempts (HTTP %d)", maxKeyAttempts, status)
		}
		delay := retry.Delay(keyRetryBase, keyRetryMax, retry.DefaultJitter, attempt)
		c.log.Debugf("Key request attempt %d failed (status %d, err %v); retrying in %v", attempt+1, status, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if status == http.StatusUnauthorized || messageHintsReuse(orgError(resp)) {
		return nil, c.consumeSpent(tickets, tokens, orgError(resp))
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ticket: key request rejected (HTTP %d): %s", status, orgError(resp))
	}

	var kr keyResponse
	if err := json.Unmarshal(resp, &kr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyResponse, err)
	}
	if missing := kr.missingFields(); len(missing) != 0 {
		if messageHintsReuse(kr.message()) {
			return nil, c.consumeSpent(tickets, tokens, kr.message())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyResponse, strings.Join(missing, ", "))
	}

	if err := c.store.Consume(tickets); err != nil {
		return nil, fmt.Errorf("ticket: ledger reconcile failed: %w", err)
	}

	grant := &ApiKeyGrant{
		Key:              kr.Key,
		KeyHash:          kr.KeyHash,
		StationID:        kr.StationID,
		StationURL:       kr.StationURL,
		StationSignature: kr.StationSignature,
		OrgSignature:     kr.OrgSignature,
		ExpiresAtUnix:    kr.ExpiresAtUnix,
		CreditLimit:      kr.CreditLimit,
		TicketsConsumed:  kr.TicketsConsumed,
		TicketsUsed:      tokens,
	}
	c.log.Noticef("Acquired API key for station %s (%d tickets, expires %v)",
		grant.StationID, len(tokens), time.Unix(grant.ExpiresAtUnix, 0))
	return grant, nil
}

// consumeSpent permanently discards tickets whose redemption state at the
// org is now unknown, then reports the double-spend.
func (c *Client) consumeSpent(tickets []*Ticket, tokens []string, detail string) error {
	if err := c.store.Consume(tickets); err != nil {
		c.log.Errorf("Failed to discard spent tickets: %v", err)
	}
	c.log.Warningf("Org reported double-spend; %d tickets discarded", len(tokens))
	return &SpentError{
		Code:    CodeTicketUsed,
		Tickets: tokens,
		Detail:  detail,
	}
}

func (c *Client) fetchIssuerKey(ctx context.Context) ([]byte, error) {
	status, body, err := c.get(ctx, c.cfg.Org.URL+publicKeyPath, c.requestTimeout())
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", status)
	}
	var pk struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &pk); err != nil {
		return nil, err
	}
	if pk.PublicKey == "" {
		return nil, fmt.Errorf("empty public_key")
	}
	return []byte(pk.PublicKey), nil
}

func (c *Client) register(ctx context.Context, credential string, requests []indexed, n int) (map[int][]byte, time.Time, error) {
	body, err := json.Marshal(&registerRequest{
		Credential:      credential,
		BlindedRequests: requests,
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")

	status, resp, err := c.post(ctx, c.cfg.Org.URL+registerPath, hdr, body, c.signingTimeout(n))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("ticket: registration failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("ticket: registration rejected (HTTP %d): %s", status, orgError(resp))
	}

	var rr registerResponse
	if err := json.Unmarshal(resp, &rr); err != nil {
		return nil, time.Time{}, fmt.Errorf("ticket: malformed registration response: %w", err)
	}
	signed := make(map[int][]byte, len(rr.SignedResponses))
	for _, p := range rr.SignedResponses {
		raw, err := base64.StdEncoding.DecodeString(p.Value)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("ticket: malformed signed response for index %d: %w", p.Index, err)
		}
		signed[p.Index] = raw
	}
	return signed, time.Unix(rr.ExpiresAt, 0), nil
}

func (c *Client) requestTimeout() time.Duration {
	return time.Duration(c.cfg.Debug.RequestTimeout) * time.Second
}

// signingTimeout scales with the number of tickets being signed.
func (c *Client) signingTimeout(n int) time.Duration {
	d := time.Duration(c.cfg.Debug.SigningTimeoutFloor+n*c.cfg.Debug.SigningTimeoutPerTicket) * time.Second
	return d
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, url, nil, nil, timeout)
}

func (c *Client) post(ctx context.Context, url string, hdr http.Header, body []byte, timeout time.Duration) (int, []byte, error) {
	return c.do(ctx, http.MethodPost, url, hdr, body, timeout)
}

func (c *Client) do(ctx context.Context, method, url string, hdr http.Header, body []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if hdr != nil {
		req.Header = hdr
	}
	resp, err := c.client.Do(req)
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

func authHeader(tokens []string) string {
	if len(tokens) == 1 {
		return authScheme + " token=" + tokens[0]
	}
	return authScheme + " tokens=" + strings.Join(tokens, ",")
}

func messageHintsReuse(msg string) bool {
	m := strings.ToLower(msg)
	for _, hint := range []string{"double-spending", "double spend", "already spent", "already used", "reused"} {
		if strings.Contains(m, hint) {
			return true
		}
	}
	return false
}

type registerRequest struct {
	Credential      string    `json:"credential"`
	BlindedRequests []indexed `json:"blinded_requests"`
}

type registerResponse struct {
	SignedResponses []indexed `json:"signed_responses"`
	ExpiresAt       int64     `json:"expires_at"`
}

type keyResponse struct {
	Key              string  `json:"key"`
	KeyHash          string  `json:"key_hash"`
	TicketsConsumed  int     `json:"tickets_consumed"`
	CreditLimit      float64 `json:"credit_limit"`
	DurationMinutes  int     `json:"duration_minutes"`
	ExpiresAt        int64   `json:"expires_at"`
	ExpiresAtUnix    int64   `json:"expires_at_unix"`
	StationID        string  `json:"station_id"`
	StationURL       string  `json:"station_url"`
	StationSignature string  `json:"station_signature"`
	OrgSignature     string  `json:"org_signature"`
	ErrorMsg         string  `json:"error"`
	Message          string  `json:"message"`
}

func (kr *keyResponse) message() string {
	if kr.ErrorMsg != "" {
		return kr.ErrorMsg
	}
	return kr.Message
}

// missingFields reports which of the five required grant fields are absent.
func (kr *keyResponse) missingFields() []string {
	var missing []string
	if kr.Key == "" {
		missing = append(missing, "key")
	}
	if kr.StationID == "" {
		missing = append(missing, "station_id")
	}
	if kr.StationSignature == "" {
		missing = append(missing, "station_signature")
	}
	if kr.OrgSignature == "" {
		missing = append(missing, "org_signature")
	}
	if kr.ExpiresAtUnix == 0 {
		missing = append(missing, "expires_at_unix")
	}
	return missing
}

// orgError extracts an error message from an org response body.
func orgError(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, s := range []string{e.Error, e.Message, e.Detail} {
		if s != "" {
			return s
		}
	}
	return ""
}

// indexed is the wire form of an (index, value) pair, serialized as a
// two-element JSON array so request/response pairing survives any ordering
// the network layer applies.
type indexed struct {
	Index int
	Value string
}

func (p indexed) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Index, p.Value})
}

func (p *indexed) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Index); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Value)
}
