package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// awaitConfirmation polls a submitted leg every interval until the venue
// reports Confirmed or Failed, the poll budget runs out, or ctx ends. A
// poll error counts against the budget and polling carries on.
func (c *Coordinator) awaitConfirmation(ctx context.Context, adapter domain.VenueAdapter, leg *domain.TradeLegResult, legNo int) (domain.PollResult, error) {
	log := c.logger.With(
		slog.String("venue", leg.VenueID),
		slog.String("tx_ref", leg.TxRef),
		slog.Int("leg", legNo),
	)

	for polls := 0; polls < c.maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return domain.PollResult{Status: domain.LegPending}, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		leg.Polls++
		pctx, cancel := context.WithTimeout(ctx, c.adapterTimeout)
		res, err := adapter.Poll(pctx, leg.TxRef)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return domain.PollResult{Status: domain.LegPending}, ctx.Err()
			}
			log.WarnContext(ctx, "confirmation poll failed",
				slog.Int("poll", leg.Polls),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch res.Status {
		case domain.LegConfirmed, domain.LegFailed:
			return res, nil
		}
		log.DebugContext(ctx, "leg still pending", slog.Int("poll", leg.Polls))
	}

	return domain.PollResult{Status: domain.LegTimedOut}, &domain.TimeoutError{
		Venue:    leg.VenueID,
		Leg:      legNo,
		TxRef:    leg.TxRef,
		Attempts: c.maxPolls,
	}
}
