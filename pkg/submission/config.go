package submission

import (
	"time"

	"github.com/Layr-Labs/txsubmitter-go/pkg/config"
)

// Config is the coordinator's retry and timeout policy.
type Config struct {
	// MaxRebuildCycles is how many times one intent may be rebuilt before it is abandoned
	MaxRebuildCycles int
	// MaxNetworkAttempts bounds each building-phase network call
	MaxNetworkAttempts uint
	// InitialBackoff is the first retry delay and poll interval
	InitialBackoff time.Duration
	// MaxBackoff caps retry delays and poll intervals
	MaxBackoff time.Duration
	// SubmissionTimeout bounds the wait for a submitted transaction to settle
	SubmissionTimeout time.Duration
	// AmbiguousGrace is how long a transaction may stay unknown to the network
	// before it is treated as lost and rebuilt
	AmbiguousGrace time.Duration
	// TxValidity is how long a built transaction may be submitted
	TxValidity time.Duration
}

// ConfigFromOptions extracts the coordinator policy from validated options.
func ConfigFromOptions(o *config.Options) *Config {
	return &Config{
		MaxRebuildCycles:   o.MaxRebuildCycles,
		MaxNetworkAttempts: o.MaxNetworkAttempts,
		InitialBackoff:     o.InitialBackoff(),
		MaxBackoff:         o.MaxBackoff(),
		SubmissionTimeout:  o.SubmissionTimeout(),
		AmbiguousGrace:     o.AmbiguousGrace(),
		TxValidity:         o.TxValidity(),
	}
}
