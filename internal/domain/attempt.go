package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttemptState is a node of the two-leg execution state machine.
type AttemptState string

const (
	StateDetected      AttemptState = "detected"
	StateValidating    AttemptState = "validating"
	StatePreparing     AttemptState = "preparing"
	StateLeg1Submitted AttemptState = "leg1_submitted"
	StateLeg1Confirmed AttemptState = "leg1_confirmed"
	StateLeg2Submitted AttemptState = "leg2_submitted"
	StateLeg2Confirmed AttemptState = "leg2_confirmed"
	StateLeg1Failed    AttemptState = "leg1_failed"
	StateLeg1TimedOut  AttemptState = "leg1_timed_out"
	StateLeg2Failed    AttemptState = "leg2_failed"
	StateLeg2TimedOut  AttemptState = "leg2_timed_out"
	StateRejected      AttemptState = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s AttemptState) IsTerminal() bool {
	switch s {
	case StateLeg2Confirmed, StateLeg1Failed, StateLeg1TimedOut,
		StateLeg2Failed, StateLeg2TimedOut, StateRejected:
		return true
	}
	return false
}

// Outcome maps a terminal state to the attempt outcome. Non-terminal
// states have no outcome.
func (s AttemptState) Outcome() Outcome {
	switch s {
	case StateLeg2Confirmed:
		return OutcomeSuccess
	case StateLeg2Failed, StateLeg2TimedOut:
		return OutcomePartialFailure
	case StateLeg1Failed, StateLeg1TimedOut, StateRejected:
		return OutcomeRejected
	}
	return OutcomeNone
}

// Outcome is the overall result of a terminal attempt.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeRejected       Outcome = "rejected"
)

// TradeLegResult records one submitted leg.
type TradeLegResult struct {
	VenueID     string          `json:"venue_id"`
	Role        Role            `json:"role"`
	Amount      decimal.Decimal `json:"amount"`
	TxRef       string          `json:"tx_ref,omitempty"`
	Status      LegStatus       `json:"status"`
	Fill        *Fill           `json:"fill,omitempty"`
	Polls       int             `json:"polls"`
	SubmittedAt time.Time       `json:"submitted_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
}

// Transition is one timestamped state change.
type Transition struct {
	State AttemptState `json:"state"`
	At    time.Time    `json:"at"`
}

// TradeAttempt is the unit of record in the ledger. Once State is terminal
// the attempt is never mutated again.
type TradeAttempt struct {
	ID             string          `json:"id"`
	Opportunity    Opportunity     `json:"opportunity"`
	ExpectedSpread decimal.Decimal `json:"expected_spread"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	Amount         decimal.Decimal `json:"amount"`
	State          AttemptState    `json:"state"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Leg1           *TradeLegResult `json:"leg1,omitempty"`
	Leg2           *TradeLegResult `json:"leg2,omitempty"`
	Profit         decimal.Decimal `json:"profit"`
	LossEstimate   decimal.Decimal `json:"loss_estimate"`
	Transitions    []Transition    `json:"transitions"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewTradeAttempt starts an attempt in the Detected state.
func NewTradeAttempt(id string, opp Opportunity, now time.Time) *TradeAttempt {
	return &TradeAttempt{
		ID:          id,
		Opportunity: opp,
		State:       StateDetected,
		Transitions: []Transition{{State: StateDetected, At: now}},
		CreatedAt:   now,
	}
}

// Advance moves the attempt to state. Terminal attempts are left as they are.
func (a *TradeAttempt) Advance(state AttemptState, at time.Time) {
	if a.State.IsTerminal() {
		return
	}
	a.State = state
	a.Transitions = append(a.Transitions, Transition{State: state, At: at})
	if state.IsTerminal() {
		a.Outcome = state.Outcome()
		done := at
		a.CompletedAt = &done
	}
}

// Finish moves the attempt to a terminal state with a reason.
func (a *TradeAttempt) Finish(state AttemptState, reason string, at time.Time) {
	if a.State.IsTerminal() {
		return
	}
	a.Reason = reason
	a.Advance(state, at)
}

// IsTerminal reports whether the attempt reached a terminal state.
func (a *TradeAttempt) IsTerminal() bool { return a.State.IsTerminal() }

// Clone returns a deep copy safe to hand to another goroutine.
func (a *TradeAttempt) Clone() *TradeAttempt {
	c := *a
	c.Transitions = append([]Transition(nil), a.Transitions...)
	if a.Leg1 != nil {
		l := *a.Leg1
		c.Leg1 = &l
	}
	if a.Leg2 != nil {
		l := *a.Leg2
		c.Leg2 = &l
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AttemptEvent is published whenever an attempt changes state.
type AttemptEvent struct {
	AttemptID string       `json:"attempt_id"`
	Pair      string       `json:"pair"`
	State     AttemptState `json:"state"`
	Outcome   Outcome      `json:"outcome,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Profit    string       `json:"profit,omitempty"`
	At        time.Time    `json:"at"`
}

// EventFor builds the event describing the attempt's current state.
func EventFor(a *TradeAttempt, at time.Time) AttemptEvent {
	ev := AttemptEvent{
		AttemptID: a.ID,
		Pair:      a.Opportunity.PairKey(),
		State:     a.State,
		Outcome:   a.Outcome,
		Reason:    a.Reason,
		At:        at,
	}
	if a.Outcome == OutcomeSuccess {
		ev.Profit = a.Profit.String()
	}
	return ev
}

// LedgerStats aggregates terminal attempts.
type LedgerStats struct {
	TotalProfit     decimal.Decimal `json:"total_profit"`
	TotalTrades     int             `json:"total_trades"`
	Successes       int             `json:"successes"`
	PartialFailures int             `json:"partial_failures"`
	Rejected        int             `json:"rejected"`
	SuccessRate     decimal.Decimal `json:"success_rate"`
	AverageProfit   decimal.Decimal `json:"average_profit"`
	Exposure        decimal.Decimal `json:"exposure"`
}
