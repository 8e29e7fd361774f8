package config

import (
	"time"

	"github.com/nmerryman/antt-go/datagram"
	"github.com/nmerryman/antt-go/detect"
	"github.com/nmerryman/antt-go/establish"
	"github.com/nmerryman/antt-go/frame"
)

// ToDatagramConfig builds a datagram.Config from the toml document.
func (c Config) ToDatagramConfig() datagram.Config {
	e := c.Endpoint
	return datagram.Config{
		Header:                 frame.DefaultHeader,
		MTU:                    e.MTU,
		MaxIdleBeforeHeartbeat: secToDuration(e.MaxIdleBeforeHeartbeatSec),
		PeerBufferCapacity:     e.PeerBufferCapacity,
		RetransmitLatency:      secToDuration(e.RetransmitLatencySec),
		ConnectTryTimeout:      secToDuration(e.ConnectTryTimeoutSec),
		ConnectTryLimit:        e.ConnectTryLimit,
		MaxInFlightMessages:    e.MaxInFlightMessages,
		TombstoneTTL:           secToDuration(e.TombstoneTTLSec),
		RecvBufferBytes:        e.RecvBufferBytes,
	}
}

// ToOrchestratorConfig builds an establish.Config from the toml document.
func (c Config) ToOrchestratorConfig() establish.Config {
	o := c.Orchestrator
	return establish.Config{
		RetryCount:     o.RetryCount,
		Timeout:        secToDuration(o.TimeoutSec),
		ProbeTimeout:   secToDuration(o.ProbeSec),
		DatagramConfig: c.ToDatagramConfig(),
	}
}

// StrategyNames converts the configured strategy name strings into
// establish.StrategyName values.
func (o OrchestratorConfig) StrategyNames() []establish.StrategyName {
	out := make([]establish.StrategyName, len(o.Strategies))
	for i, s := range o.Strategies {
		out[i] = establish.StrategyName(s)
	}
	return out
}

// ToDetectConfig builds a detect.Config from the toml document.
func (c Config) ToDetectConfig() detect.Config {
	d := c.Detect
	return detect.Config{
		BindIP:    d.BindIP,
		RootPort:  d.RootPort,
		APort:     d.APort,
		BPort:     d.BPort,
		CPort:     d.CPort,
		Freshness: time.Duration(d.FreshnessSec * float64(time.Second)),
	}
}
