// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package blindsig is the boundary to the blind-signature primitives used
// for inference tickets.  The actual blind/unblind/finalize math lives in
// the cloudflare/circl RSA blind signature implementation; this package
// only orchestrates it and keeps the rest of the client decoupled from the
// concrete scheme.
package blindsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/cloudflare/circl/blindsign"
	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// ChallengeSize is the size in bytes of the shared registration
	// challenge.
	ChallengeSize = 32

	// nonceSize is the size in bytes of the per-ticket nonce that makes
	// each token message unique under the shared challenge.
	nonceSize = 32
)

// State holds the locally kept unblinding state for a single blinded
// request.  It is bound to the request it was created with and must be used
// to finalize exactly that request's signed response.
type State interface {
	// Finalize unblinds the issuer's signed response and returns the
	// redeemable finalized ticket.
	Finalize(signedResponse []byte) ([]byte, error)
}

// Provider creates blinded token requests and finalizes signed responses.
type Provider interface {
	// NewChallenge creates a fresh challenge shared by one registration
	// batch.
	NewChallenge() ([]byte, error)

	// Blind creates a blinded request for one ticket under the issuer's
	// public key and the shared challenge, together with the unblinding
	// state held locally until the signed response arrives.
	Blind(issuerPublicKey, challenge []byte) (blindedRequest []byte, state State, err error)
}

// RSAProvider is the production Provider, backed by the RSABSSA blind
// signature scheme.  The issuer public key is a base64 encoded PKIX DER
// RSA public key, as served by the org's public-key endpoint.
type RSAProvider struct {
	// Rand is the entropy source; defaults to the system entropy source
	// when nil.
	Rand io.Reader
}

// NewRSAProvider creates an RSAProvider using the system entropy source.
func NewRSAProvider() *RSAProvider {
	return &RSAProvider{Rand: rand.Reader}
}

func (p *RSAProvider) random() io.Reader {
	if p.Rand == nil {
		return rand.Reader
	}
	return p.Rand
}

// NewChallenge creates a fresh registration challenge.
func (p *RSAProvider) NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(p.random(), challenge); err != nil {
		return nil, fmt.Errorf("blindsig: failed to create challenge: %w", err)
	}
	return challenge, nil
}

// Blind creates one blinded request and its unblinding state.
func (p *RSAProvider) Blind(issuerPublicKey, challenge []byte) ([]byte, State, error) {
	pk, err := parseIssuerKey(issuerPublicKey)
	if err != nil {
		return nil, nil, err
	}

	// Each token message is the shared challenge plus a fresh nonce, so
	// tickets from the same batch are unlinkable from one another.
	msg := make([]byte, 0, len(challenge)+nonceSize)
	msg = append(msg, challenge...)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(p.random(), nonce); err != nil {
		return nil, nil, fmt.Errorf("blindsig: failed to create nonce: %w", err)
	}
	msg = append(msg, nonce...)

	verifier := blindrsa.NewRSAVerifier(pk, crypto.SHA384)
	blinded, vState, err := verifier.Blind(p.random(), msg)
	if err != nil {
		return nil, nil, fmt.Errorf("blindsig: blinding failed: %w", err)
	}

	return blinded, &rsaState{msg: msg, state: vState}, nil
}

type rsaState struct {
	msg   []byte
	state blindsign.VerifierState
}

func (s *rsaState) Finalize(signedResponse []byte) ([]byte, error) {
	sig, err := s.state.Finalize(signedResponse)
	if err != nil {
		return nil, fmt.Errorf("blindsig: finalize failed: %w", err)
	}

	// A redeemable ticket is the token message plus its unblinded
	// signature; the issuer re-derives the message split from the fixed
	// sizes.
	token := make([]byte, 0, len(s.msg)+len(sig))
	token = append(token, s.msg...)
	token = append(token, sig...)
	return token, nil
}

func parseIssuerKey(raw []byte) (*rsa.PublicKey, error) {
	der := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(der, raw)
	if err != nil {
		// Accept raw DER too.
		der = raw
		n = len(raw)
	}
	pub, err := x509.ParsePKIXPublicKey(der[:n])
	if err != nil {
		return nil, fmt.Errorf("blindsig: failed to parse issuer public key: %w", err)
	}
	pk, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("blindsig: issuer public key is not RSA")
	}
	return pk, nil
}

// EncodeToken returns the transport encoding of a finalized ticket.
func EncodeToken(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token)
}

// DecodeToken parses the transport encoding of a finalized ticket.
func DecodeToken(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
