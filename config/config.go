// Package config loads the toml configuration shared by the example
// binaries in cmd/: endpoint tunables, the establishment orchestrator's
// strategy list and retry/backoff settings, and detection-server
// bindings. Loading is two-stage: toml for the on-disk file, then
// mapstructure applies ANTT_-prefixed environment-variable overrides
// onto the same struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
)

// EndpointConfig mirrors datagram.Config's tunables in a toml-friendly
// shape, with durations as plain seconds.
type EndpointConfig struct {
	MTU                       int     `toml:"mtu"`
	MaxIdleBeforeHeartbeatSec float64 `toml:"max_idle_before_heartbeat_seconds"`
	PeerBufferCapacity        int     `toml:"peer_buffer_capacity"`
	RetransmitLatencySec      float64 `toml:"retransmit_latency_seconds"`
	ConnectTryTimeoutSec      float64 `toml:"connect_try_timeout_seconds"`
	ConnectTryLimit           int     `toml:"connect_try_limit"`
	MaxInFlightMessages       int     `toml:"max_in_flight_messages"`
	TombstoneTTLSec           float64 `toml:"tombstone_ttl_seconds"`
	RecvBufferBytes           int     `toml:"recv_buffer_bytes"`
}

// OrchestratorConfig configures the establishment strategy walk.
type OrchestratorConfig struct {
	RetryCount   int      `toml:"retry_count"`
	TimeoutSec   float64  `toml:"timeout_seconds"`
	ProbeSec     float64  `toml:"probe_timeout_seconds"`
	Strategies   []string `toml:"strategies"`
}

// DetectConfig configures a NAT Detection Server instance.
type DetectConfig struct {
	BindIP           string `toml:"bind_ip"`
	RootPort         int    `toml:"root_port"`
	APort            int    `toml:"a_port"`
	BPort            int    `toml:"b_port"`
	CPort            int    `toml:"c_port"`
	FreshnessSec     float64 `toml:"freshness_seconds"`
	StoreKind        string `toml:"store_kind"` // "memory", "bbolt", "postgres"
	BboltPath        string `toml:"bbolt_path"`
	PostgresDSN      string `toml:"postgres_dsn"`
}

// Config is the top-level document loaded from a single toml file.
type Config struct {
	Endpoint     EndpointConfig      `toml:"endpoint"`
	Orchestrator OrchestratorConfig  `toml:"orchestrator"`
	Detect       DetectConfig        `toml:"detect"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Endpoint: EndpointConfig{
			MTU:                       1024,
			MaxIdleBeforeHeartbeatSec: 20,
			PeerBufferCapacity:        40000,
			RetransmitLatencySec:      1,
			ConnectTryTimeoutSec:      5,
			ConnectTryLimit:           6,
			MaxInFlightMessages:       64,
			TombstoneTTLSec:           300,
		},
		Orchestrator: OrchestratorConfig{
			RetryCount: 6,
			TimeoutSec: 1,
			ProbeSec:   1,
			Strategies: []string{"local", "punch cone", "punch symmetric"},
		},
		Detect: DetectConfig{
			BindIP:       "0.0.0.0",
			StoreKind:    "memory",
			FreshnessSec: 3600,
		},
	}
}

// Load reads path as toml into Default()'s baseline, then applies any
// ANTT_-prefixed environment variable overrides via mapstructure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: apply env overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides decodes ANTT_-prefixed environment variables into
// a loosely-typed map, then uses mapstructure to weakly-decode that
// map onto cfg, so e.g. ANTT_ENDPOINT_MTU=2048 overrides
// cfg.Endpoint.MTU without a per-field switch statement. The first
// underscore after the prefix separates the section (endpoint,
// orchestrator, detect) from the field; everything after it is the
// field's toml tag verbatim, so multi-word tags like
// tombstone_ttl_seconds resolve correctly.
func applyEnvOverrides(cfg *Config) error {
	overrides := map[string]interface{}{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "ANTT_") {
			continue
		}
		section, field, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(k, "ANTT_")), "_")
		if !ok || field == "" {
			continue
		}
		sub, ok := overrides[section].(map[string]interface{})
		if !ok {
			sub = map[string]interface{}{}
			overrides[section] = sub
		}
		sub[field] = v
	}
	if len(overrides) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "toml",
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(overrides)
}

func secToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ParsePort accepts either a bare port number or "host:port" and
// returns the numeric port.
func ParsePort(s string) (int, error) {
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	return strconv.Atoi(s)
}
