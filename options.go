package toxgroup

import (
	"github.com/opd-ai/toxgroup/crypto"
)

// Options configures a new Node instance.
type Options struct {
	// UDPEnabled starts the UDP transport. When false the caller must
	// supply a Transport of its own via NewWithTransport.
	UDPEnabled bool

	// ListenAddr is the UDP bind address, for example ":33445".
	ListenAddr string

	// Savedata restores previously saved groups when non-nil.
	Savedata []byte

	// TimeProvider overrides the clock for deterministic testing.
	TimeProvider crypto.TimeProvider
}

// NewOptions creates an Options struct with default settings.
func NewOptions() *Options {
	return &Options{
		UDPEnabled: true,
		ListenAddr: ":33445",
	}
}
