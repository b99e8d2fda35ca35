package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrPairInFlight  = errors.New("pair already in flight")
	ErrNoPoolAddress = errors.New("no shielded pool address configured")
	ErrUnknownVenue  = errors.New("unknown venue")
	ErrProofInvalid  = errors.New("proof does not verify")
	ErrShutdown      = errors.New("shutdown requested")
	ErrBadPrice      = errors.New("price is not positive")
	ErrLockLost      = errors.New("lock lost")
)

// ConfigurationError is fatal at startup. It carries every problem found
// so an operator can fix them in one pass.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 0 && e.Err != nil {
		return "configuration: " + e.Err.Error()
	}
	return "configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FetchError means a venue's quote could not be obtained this cycle.
type FetchError struct {
	Venue string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch quote from %s: %v", e.Venue, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StaleQuoteError means a quote was older than the staleness bound.
type StaleQuoteError struct {
	Venue string
	Age   time.Duration
	Bound time.Duration
}

func (e *StaleQuoteError) Error() string {
	return fmt.Sprintf("quote from %s is stale: age %s exceeds %s", e.Venue, e.Age, e.Bound)
}

// PredictionError is an oracle failure. Validation treats it as a reject
// but counts it apart from ordinary rejects.
type PredictionError struct {
	Venue string
	Err   error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("predict %s: %v", e.Venue, e.Err)
}

func (e *PredictionError) Unwrap() error { return e.Err }

// ProofError is returned by a ProofGenerator that could not produce a handle.
type ProofError struct {
	Err error
}

func (e *ProofError) Error() string { return "generate proof: " + e.Err.Error() }

func (e *ProofError) Unwrap() error { return e.Err }

// PrivacyPreparationError aborts an attempt before any leg is submitted.
type PrivacyPreparationError struct {
	Venue string
	Role  Role
	Err   error
}

func (e *PrivacyPreparationError) Error() string {
	return fmt.Sprintf("prepare %s leg on %s: %v", e.Role, e.Venue, e.Err)
}

func (e *PrivacyPreparationError) Unwrap() error { return e.Err }

// SubmissionError is a venue refusing or failing to accept a leg.
type SubmissionError struct {
	Venue string
	Leg   int
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit leg %d on %s: %v", e.Leg, e.Venue, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError is raised when confirmation polling exhausts its budget.
type TimeoutError struct {
	Venue    string
	Leg      int
	TxRef    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("leg %d on %s (tx %s) unconfirmed after %d polls", e.Leg, e.Venue, e.TxRef, e.Attempts)
}
