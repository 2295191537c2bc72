// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the anonymous-access
// client: the org (broker) and verifier (trust oracle) endpoints, durable
// storage locations, logging, and tuning knobs.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/OpenAnonymity/oa-chat-sub000/core/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRequestTimeout       = 10
	defaultSigningTimeoutPer    = 1
	defaultSigningTimeoutFloor  = 30
	defaultBroadcastInterval    = 60
	defaultMinBroadcastInterval = 10
	defaultRetryBaseDelay       = 5
	defaultRetryMaxDelay        = 300
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Org is the ticket issuer / key broker configuration.
type Org struct {
	// URL is the base URL of the org's HTTP API.
	URL string
}

func (oCfg *Org) validate() error {
	if oCfg == nil {
		return fmt.Errorf("config: No Org block was present")
	}
	if _, err := url.Parse(oCfg.URL); err != nil || oCfg.URL == "" {
		return fmt.Errorf("config: Org: URL '%v' is invalid", oCfg.URL)
	}
	oCfg.URL = strings.TrimRight(oCfg.URL, "/")
	return nil
}

// Verifier is the trust oracle configuration.
type Verifier struct {
	// URL is the base URL of the verifier's HTTP API.  The verifier is
	// contacted directly, bypassing any general-purpose proxy, since the
	// oracle is itself attested and not privacy-sensitive to reach.
	URL string

	// BroadcastInterval is the base broadcast polling interval in
	// seconds.
	BroadcastInterval int

	// MinBroadcastInterval is the polling interval floor in seconds,
	// reached when recent inference completions call for fresher trust.
	MinBroadcastInterval int

	// RetryBaseDelay is the initial background submission retry delay in
	// seconds.
	RetryBaseDelay int

	// RetryMaxDelay caps the background submission retry delay, in
	// seconds.
	RetryMaxDelay int
}

func (vCfg *Verifier) validate() error {
	if vCfg == nil {
		return fmt.Errorf("config: No Verifier block was present")
	}
	if _, err := url.Parse(vCfg.URL); err != nil || vCfg.URL == "" {
		return fmt.Errorf("config: Verifier: URL '%v' is invalid", vCfg.URL)
	}
	vCfg.URL = strings.TrimRight(vCfg.URL, "/")
	if vCfg.BroadcastInterval == 0 {
		vCfg.BroadcastInterval = defaultBroadcastInterval
	}
	if vCfg.MinBroadcastInterval == 0 {
		vCfg.MinBroadcastInterval = defaultMinBroadcastInterval
	}
	if vCfg.MinBroadcastInterval > vCfg.BroadcastInterval {
		return fmt.Errorf("config: Verifier: MinBroadcastInterval %d exceeds BroadcastInterval %d", vCfg.MinBroadcastInterval, vCfg.BroadcastInterval)
	}
	if vCfg.RetryBaseDelay == 0 {
		vCfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if vCfg.RetryMaxDelay == 0 {
		vCfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	return nil
}

// Storage is the durable state configuration.
type Storage struct {
	// DataDir is the directory holding the ticket ledger and the
	// verifier snapshot databases.
	DataDir string
}

func (sCfg *Storage) validate() error {
	if sCfg == nil {
		return fmt.Errorf("config: No Storage block was present")
	}
	if sCfg.DataDir == "" {
		return fmt.Errorf("config: Storage: DataDir is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// TicketDB returns the path of the ticket ledger database.
func (sCfg *Storage) TicketDB() string {
	return filepath.Join(sCfg.DataDir, "tickets.db")
}

// VerifierDB returns the path of the verifier snapshot database.
func (sCfg *Storage) VerifierDB() string {
	return filepath.Join(sCfg.DataDir, "verifier.db")
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// NewLogBackend creates a logging backend from the configuration.
func (lCfg *Logging) NewLogBackend() (*log.Backend, error) {
	return log.New(lCfg.File, lCfg.Level, lCfg.Disable)
}

// Debug is the debug configuration.
type Debug struct {
	// RequestTimeout is the per-request timeout in seconds for org and
	// verifier calls.
	RequestTimeout int

	// SigningTimeoutPerTicket is the additional signing-call timeout in
	// seconds granted per requested ticket.
	SigningTimeoutPerTicket int

	// SigningTimeoutFloor is the minimum signing-call timeout in
	// seconds.
	SigningTimeoutFloor int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.RequestTimeout == 0 {
		dCfg.RequestTimeout = defaultRequestTimeout
	}
	if dCfg.SigningTimeoutPerTicket == 0 {
		dCfg.SigningTimeoutPerTicket = defaultSigningTimeoutPer
	}
	if dCfg.SigningTimeoutFloor == 0 {
		dCfg.SigningTimeoutFloor = defaultSigningTimeoutFloor
	}
}

// Config is the top level client configuration.
type Config struct {
	Org      *Org
	Verifier *Verifier
	Storage  *Storage
	Logging  *Logging
	Debug    *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.applyDefaults()

	if err := c.Org.validate(); err != nil {
		return err
	}
	if err := c.Verifier.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, fmt.Errorf("config: No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
