package domain

import (
	"errors"
	"fmt"
)

// ErrVenueTimeout marks a venue write whose outcome is unknown: the
// request may or may not have been applied. It is retried under the
// orchestrator's timeout policy and, if retries are exhausted, surfaces
// as an UNKNOWN outcome flagged for reconciliation. It is never treated
// as a rejection.
var ErrVenueTimeout = errors.New("venue: request timed out")

// ErrStaleRiskState is returned by the storage compare-and-commit when
// the persisted risk state version no longer matches the snapshot the
// commit was computed from.
var ErrStaleRiskState = errors.New("risk state version conflict")

// ErrPacketFinalized is returned when something attempts to rewrite a
// decision packet after PERSISTING completed. The audit log is
// append-only; corrections are new packets referencing the old one.
var ErrPacketFinalized = errors.New("decision packet already finalized")

// VenueError is a definitive rejection from the venue. Terminal for the
// cycle: never retried.
type VenueError struct {
	StatusCode int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue: rejected (%d): %s", e.StatusCode, e.Message)
}

// DataError is an observation assembly failure. The cycle aborts to
// FAILED before any risk check runs; no trade is attempted.
type DataError struct {
	MarketID string
	Err      error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("observation %s: %v", e.MarketID, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// ConfigError is an invalid limit or setting. Fatal at startup; no cycle
// ever runs with a broken configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps an audit/storage write failure. Retried
// independently of execution; if it outlives a confirmed execution the
// packet is flagged executed-unaudited for operator attention.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
