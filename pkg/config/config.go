// Package config holds the options recognised by the submitter, their defaults
// and TOML file loading. Secrets are never part of Options.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreBadger   StoreKind = "badger"
	StorePostgres StoreKind = "postgres"
)

type StoreOptions struct {
	Kind StoreKind `toml:"kind"`
	// Path is the badger data directory
	Path string `toml:"path"`
	// DSN is the postgres connection string
	DSN string `toml:"dsn"`
}

type LogOptions struct {
	Debug      bool   `toml:"debug"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Options configures the submission pipeline.
type Options struct {
	// Endpoint is the JSON-RPC URL of the ledger network
	Endpoint string `toml:"endpoint"`
	// ChainID is the expected chain id of Endpoint
	ChainID uint64 `toml:"chain_id"`
	// MaxRebuildCycles bounds how often one intent is rebuilt after remediable rejections
	MaxRebuildCycles int `toml:"max_rebuild_cycles"`
	// MaxBackoffSeconds caps the interval between status polls
	MaxBackoffSeconds float64 `toml:"max_backoff_seconds"`
	// SubmissionTimeoutSeconds bounds the wait for confirmation after submission
	SubmissionTimeoutSeconds int `toml:"submission_timeout_seconds"`
	// FeeMultiplier scales the base fee headroom of the fee cap
	FeeMultiplier float64 `toml:"fee_multiplier"`

	// MaxNetworkAttempts bounds retries of each network call while building
	MaxNetworkAttempts uint `toml:"max_network_attempts"`
	// InitialBackoffMillis is the first retry and poll interval
	InitialBackoffMillis int `toml:"initial_backoff_millis"`
	// AmbiguousGraceSeconds is how long a transaction with an unanswered submit may stay unknown to the network before it is rebuilt
	AmbiguousGraceSeconds int `toml:"ambiguous_grace_seconds"`
	// TxValiditySeconds is how long a built transaction may be submitted
	TxValiditySeconds int `toml:"tx_validity_seconds"`
	// MinTipCapWei is the lowest priority fee offered, as a decimal string
	MinTipCapWei string `toml:"min_tip_cap_wei"`

	Store StoreOptions `toml:"store"`
	Log   LogOptions   `toml:"log"`
}

// Default returns the options used when nothing is configured.
func Default() *Options {
	return &Options{
		Endpoint:                 "http://localhost:8545",
		ChainID:                  1337,
		MaxRebuildCycles:         3,
		MaxBackoffSeconds:        2,
		SubmissionTimeoutSeconds: 120,
		FeeMultiplier:            1.0,
		MaxNetworkAttempts:       5,
		InitialBackoffMillis:     250,
		AmbiguousGraceSeconds:    15,
		TxValiditySeconds:        60,
		MinTipCapWei:             "0",
		Store: StoreOptions{
			Kind: StoreMemory,
		},
	}
}

// LoadFile reads TOML from path over the defaults. Keys absent from the file keep their default.
func LoadFile(path string) (*Options, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	opts := Default()
	if err := toml.Unmarshal(blob, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the options for values the pipeline cannot run with.
func (o *Options) Validate() error {
	var errs []error
	if o.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if o.ChainID == 0 {
		errs = append(errs, errors.New("chain_id is required"))
	}
	if o.MaxRebuildCycles < 0 {
		errs = append(errs, errors.New("max_rebuild_cycles must not be negative"))
	}
	if o.MaxBackoffSeconds <= 0 {
		errs = append(errs, errors.New("max_backoff_seconds must be positive"))
	}
	if o.SubmissionTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("submission_timeout_seconds must be positive"))
	}
	if o.FeeMultiplier < 1 {
		errs = append(errs, errors.New("fee_multiplier must be at least 1"))
	}
	if o.MaxNetworkAttempts < 1 {
		errs = append(errs, errors.New("max_network_attempts must be at least 1"))
	}
	if o.InitialBackoffMillis <= 0 {
		errs = append(errs, errors.New("initial_backoff_millis must be positive"))
	}
	if o.AmbiguousGraceSeconds < 0 {
		errs = append(errs, errors.New("ambiguous_grace_seconds must not be negative"))
	}
	if o.TxValiditySeconds <= 0 {
		errs = append(errs, errors.New("tx_validity_seconds must be positive"))
	}
	if _, err := o.MinTipCap(); err != nil {
		errs = append(errs, err)
	}
	switch o.Store.Kind {
	case StoreMemory:
	case StoreBadger:
		if o.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the badger store"))
		}
	case StorePostgres:
		if o.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", o.Store.Kind))
	}
	return errors.Join(errs...)
}

func (o *Options) MaxBackoff() time.Duration {
	return time.Duration(o.MaxBackoffSeconds * float64(time.Second))
}

func (o *Options) SubmissionTimeout() time.Duration {
	return time.Duration(o.SubmissionTimeoutSeconds) * time.Second
}

func (o *Options) InitialBackoff() time.Duration {
	return time.Duration(o.InitialBackoffMillis) * time.Millisecond
}

func (o *Options) AmbiguousGrace() time.Duration {
	return time.Duration(o.AmbiguousGraceSeconds) * time.Second
}

func (o *Options) TxValidity() time.Duration {
	return time.Duration(o.TxValiditySeconds) * time.Second
}

// MinTipCap parses MinTipCapWei. An empty value is zero.
func (o *Options) MinTipCap() (*big.Int, error) {
	if o.MinTipCapWei == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(o.MinTipCapWei, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("min_tip_cap_wei %q is not a non-negative integer", o.MinTipCapWei)
	}
	return v, nil
}
