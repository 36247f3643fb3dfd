package protocol

import (
	"fmt"
	"time"
)

// FedConfig provides the round parameters shared by the relay, the aggregator
// and the clients.
type FedConfig struct {
	// Hub is the client whose key domain hosts the averaging.
	Hub ClientID `json:"hub" yaml:"hub"`

	// Peer is re-encrypted into the hub's domain and back.
	Peer ClientID `json:"peer" yaml:"peer"`

	// RoundTimeout bounds how long aggregation waits for a round's
	// submissions and rekeys.
	RoundTimeout time.Duration `json:"round_timeout,string" yaml:"round_timeout"`

	// Parallelism caps concurrent per-chunk crypto operations.
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// MaxRounds is the number of rounds a client run loop drives. Zero means
	// unbounded.
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`
}

// DefaultFedConfig returns the two-party reference configuration.
func DefaultFedConfig() *FedConfig {
	return &FedConfig{
		Hub:          "client1",
		Peer:         "client2",
		RoundTimeout: 10 * time.Minute,
		Parallelism:  4,
	}
}

// Participants returns hub and peer in aggregation order.
func (c *FedConfig) Participants() []ClientID {
	return []ClientID{c.Hub, c.Peer}
}

// Validate checks that the two parties are set and distinct and that the
// timeout and parallelism are usable.
func (c *FedConfig) Validate() error {
	if c.Hub == "" || c.Peer == "" {
		return fmt.Errorf("%w: hub and peer must be set", ErrValidation)
	}
	if c.Hub == c.Peer {
		return fmt.Errorf("%w: hub and peer must differ", ErrValidation)
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("%w: round_timeout must be positive", ErrValidation)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1", ErrValidation)
	}
	return nil
}
