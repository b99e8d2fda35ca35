package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Event types an operator can subscribe to.
const (
	EventPartialFailure = "partial_failure"
	EventLeg1TimedOut   = "leg1_timed_out"
)

// AttemptAlerter turns attempts that left capital unhedged or unconfirmed
// into operator notifications.
type AttemptAlerter struct {
	n *Notifier
}

// NewAttemptAlerter wraps n.
func NewAttemptAlerter(n *Notifier) *AttemptAlerter {
	return &AttemptAlerter{n: n}
}

// Alert notifies about a PartialFailure or a leg-1 timeout. Other attempts
// are ignored.
func (a *AttemptAlerter) Alert(ctx context.Context, attempt *domain.TradeAttempt) error {
	event, title := classify(attempt)
	if event == "" || !a.n.Enabled(event) {
		return nil
	}
	return a.n.Notify(ctx, event, title, describe(attempt))
}

func classify(a *domain.TradeAttempt) (event, title string) {
	switch {
	case a.Outcome == domain.OutcomePartialFailure:
		return EventPartialFailure, "PARTIAL FAILURE " + a.Opportunity.PairKey()
	case a.State == domain.StateLeg1TimedOut:
		return EventLeg1TimedOut, "Leg 1 unconfirmed " + a.Opportunity.PairKey()
	}
	return "", ""
}

func describe(a *domain.TradeAttempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "attempt: %s\n", a.ID)
	fmt.Fprintf(&b, "state: %s\n", a.State)
	fmt.Fprintf(&b, "amount: %s\n", a.Amount.String())
	if a.Leg1 != nil {
		fmt.Fprintf(&b, "leg 1: %s tx %s (%s)\n", a.Leg1.VenueID, a.Leg1.TxRef, a.Leg1.Status)
	}
	if a.Leg2 != nil {
		fmt.Fprintf(&b, "leg 2: %s tx %s (%s)\n", a.Leg2.VenueID, a.Leg2.TxRef, a.Leg2.Status)
	}
	if a.Outcome == domain.OutcomePartialFailure {
		fmt.Fprintf(&b, "loss estimate: %s\n", a.LossEstimate.String())
	}
	if a.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", a.Reason)
	}
	b.WriteString("manual reconciliation required")
	return b.String()
}
