package venue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

// PaperConfig configures a simulated venue.
type PaperConfig struct {
	Venue   domain.Venue
	Price   decimal.Decimal
	Latency time.Duration // time from submit to settlement
	FailPct float64       // probability in [0,1] that a leg fails
	Rand    *rand.Rand
	Now     func() time.Time
}

type paperOrder struct {
	isBuy       bool
	amount      decimal.Decimal
	submittedAt time.Time
	fails       bool
}

// Paper is an in-memory venue. Orders settle after Latency at the price
// current at settlement time.
type Paper struct {
	venue   domain.Venue
	latency time.Duration
	failPct float64
	now     func() time.Time

	mu     sync.Mutex
	price  decimal.Decimal
	rnd    *rand.Rand
	orders map[string]*paperOrder
}

var (
	_ domain.VenueAdapter = (*Paper)(nil)
	_ PriceSource         = (*Paper)(nil)
)

// NewPaper creates a paper venue.
func NewPaper(cfg PaperConfig) *Paper {
	p := &Paper{
		venue:   cfg.Venue,
		latency: cfg.Latency,
		failPct: cfg.FailPct,
		now:     cfg.Now,
		price:   cfg.Price,
		rnd:     cfg.Rand,
		orders:  make(map[string]*paperOrder),
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return p
}

// NewPaperFromConfig is the registry factory for paper venues.
func NewPaperFromConfig(_ context.Context, vc config.VenueConfig, v domain.Venue, deps Deps) (Built, error) {
	p := NewPaper(PaperConfig{
		Venue:   v,
		Price:   vc.PaperPrice.Decimal,
		Latency: vc.PaperLatency.Duration,
		FailPct: vc.PaperFailPct,
	})
	if prices, run, ok := externalFeed(vc, v, deps); ok {
		return Built{Adapter: p, Prices: prices, Run: run}, nil
	}
	return Built{Adapter: p, Prices: p}, nil
}

// Venue returns the static venue description.
func (p *Paper) Venue() domain.Venue { return p.venue }

// SetPrice moves the simulated market.
func (p *Paper) SetPrice(price decimal.Decimal) {
	p.mu.Lock()
	p.price = price
	p.mu.Unlock()
}

// Quote returns the simulated price.
func (p *Paper) Quote(context.Context) (domain.PriceQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.price.IsPositive() {
		return domain.PriceQuote{}, fmt.Errorf("paper: %s has no price", p.venue.ID)
	}
	return domain.PriceQuote{VenueID: p.venue.ID, AssetID: p.venue.Asset, Price: p.price, Timestamp: p.now()}, nil
}

// Submit accepts every well-formed leg and decides its fate up front.
func (p *Paper) Submit(_ context.Context, note domain.ShieldedNote, proof domain.ProofHandle, isBuy bool, amount decimal.Decimal) (domain.Submission, error) {
	if len(proof) == 0 {
		return domain.Submission{}, domain.ErrProofInvalid
	}
	if note.PoolAddress != p.venue.PoolAddress {
		return domain.Submission{}, fmt.Errorf("paper: note targets pool %q, venue pool is %q", note.PoolAddress, p.venue.PoolAddress)
	}
	if !amount.IsPositive() {
		return domain.Submission{}, fmt.Errorf("paper: amount must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ref := "paper-" + uuid.New().String()
	p.orders[ref] = &paperOrder{
		isBuy:       isBuy,
		amount:      amount,
		submittedAt: p.now(),
		fails:       p.failPct > 0 && p.rnd.Float64() < p.failPct,
	}
	return domain.Submission{TxRef: ref, Status: domain.LegPending}, nil
}

// Poll reports Pending until the latency has elapsed.
func (p *Paper) Poll(_ context.Context, txRef string) (domain.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[txRef]
	if !ok {
		return domain.PollResult{}, fmt.Errorf("paper: %s: %w", txRef, domain.ErrNotFound)
	}
	if p.now().Sub(o.submittedAt) < p.latency {
		return domain.PollResult{Status: domain.LegPending}, nil
	}
	if o.fails {
		return domain.PollResult{Status: domain.LegFailed, Reason: "simulated venue failure"}, nil
	}
	return domain.PollResult{
		Status: domain.LegConfirmed,
		Fill: &domain.Fill{
			Price:  p.price,
			Amount: o.amount,
			Fee:    o.amount.Mul(p.venue.FeeRate),
		},
	}, nil
}
