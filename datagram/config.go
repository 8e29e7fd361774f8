package datagram

import (
	"time"

	"github.com/nmerryman/antt-go/frame"
)

// Config carries the per-endpoint tunables. Zero-value fields are
// replaced with DefaultConfig's values by NewEndpoint.
type Config struct {
	Header frame.Header

	// MTU is the maximum size of a single on-wire datagram.
	MTU int

	// MaxIdleBeforeHeartbeat is how long the loop waits since its last
	// send before emitting a CtrlHeartbeat.
	MaxIdleBeforeHeartbeat time.Duration

	// PeerBufferCapacity is the assumed size of the peer's receive
	// buffer for flow control purposes.
	PeerBufferCapacity int

	// RetransmitLatency is how long an in-progress incoming message
	// may go without a new part before the receiver requests the gaps.
	RetransmitLatency time.Duration

	// ConnectTryTimeout is the total verification budget; the per-try
	// timeout is ConnectTryTimeout/ConnectTryLimit, attempted up to
	// ConnectTryLimit times.
	ConnectTryTimeout time.Duration
	ConnectTryLimit   int

	// MaxInFlightMessages bounds the number of outgoing messages
	// awaiting a CtrlBuilt ack before further submits are held back
	// on the command queue.
	MaxInFlightMessages int

	// TombstoneTTL bounds how long a delivered/acknowledged message's
	// metadata-only tombstone is retained before its id may be reused.
	TombstoneTTL time.Duration

	// RecvBufferBytes, if non-zero, is the SO_RCVBUF size requested on
	// the underlying UDP socket (see internal/sockopt).
	RecvBufferBytes int

	// LoopIdleSleep is how long an idle scheduler pass sleeps before
	// repeating, so the loop never busy-spins.
	LoopIdleSleep time.Duration
}

// DefaultConfig returns the stock tunables: 1024-byte MTU, 20s idle
// heartbeat, 40000-byte peer buffer, 1s retransmit latency.
func DefaultConfig() Config {
	return Config{
		Header:                 frame.DefaultHeader,
		MTU:                    1024,
		MaxIdleBeforeHeartbeat: 20 * time.Second,
		PeerBufferCapacity:     40000,
		RetransmitLatency:      time.Second,
		ConnectTryTimeout:      5 * time.Second,
		ConnectTryLimit:        6,
		MaxInFlightMessages:    64,
		TombstoneTTL:           5 * time.Minute,
		LoopIdleSleep:          10 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Header.IDWidth == 0 {
		c.Header = d.Header
	}
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.MaxIdleBeforeHeartbeat == 0 {
		c.MaxIdleBeforeHeartbeat = d.MaxIdleBeforeHeartbeat
	}
	if c.PeerBufferCapacity == 0 {
		c.PeerBufferCapacity = d.PeerBufferCapacity
	}
	if c.RetransmitLatency == 0 {
		c.RetransmitLatency = d.RetransmitLatency
	}
	if c.ConnectTryTimeout == 0 {
		c.ConnectTryTimeout = d.ConnectTryTimeout
	}
	if c.ConnectTryLimit == 0 {
		c.ConnectTryLimit = d.ConnectTryLimit
	}
	if c.MaxInFlightMessages == 0 {
		c.MaxInFlightMessages = d.MaxInFlightMessages
	}
	if c.TombstoneTTL == 0 {
		c.TombstoneTTL = d.TombstoneTTL
	}
	if c.LoopIdleSleep == 0 {
		c.LoopIdleSleep = d.LoopIdleSleep
	}
}
