package datagram

import "errors"

// Sentinel error kinds surfaced by endpoints and their blocking
// helpers.
var (
	// ErrConnectionIssue means a strategy/attempt failed; the caller
	// (e.g. the establish orchestrator) may continue to the next one.
	ErrConnectionIssue = errors.New("datagram: connection issue")
	// ErrConnectionNoResponse means the verification retry budget was
	// exhausted; fatal to this endpoint.
	ErrConnectionNoResponse = errors.New("datagram: no response from peer during verification")
	// ErrInvalidData means a malformed frame or header was dropped.
	ErrInvalidData = errors.New("datagram: invalid data")
	// ErrSocketIssue wraps an unexpected OS error.
	ErrSocketIssue = errors.New("datagram: socket issue")
	// ErrTimeout is returned by blocking helpers whose deadline elapsed.
	ErrTimeout = errors.New("datagram: timeout")
	// ErrQueueFull is returned by Submit when the command queue is saturated.
	ErrQueueFull = errors.New("datagram: command queue full")
	// ErrIDSpaceExhausted means every message id in the configured
	// width is in use or tombstoned within the TTL.
	ErrIDSpaceExhausted = errors.New("datagram: message id space exhausted")
	// ErrClosed is returned by Submit/Pop after Kill.
	ErrClosed = errors.New("datagram: endpoint closed")
)
