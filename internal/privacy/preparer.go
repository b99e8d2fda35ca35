// Package privacy builds shielded notes and their proof handles for trade
// legs.
package privacy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const maxDiversifierDraws = 8

var (
	errDiversifierExhausted = errors.New("could not draw an unused diversifier")
	errPoolNotConfigured    = errors.New("pool address not in configured set")
	errMissingField         = errors.New("note is missing a required field")
)

// PreparerConfig configures the preparer.
type PreparerConfig struct {
	Venues       []domain.Venue
	Families     map[string]Family // venue id -> family; defaults by kind
	Asset        string
	Prover       domain.ProofGenerator
	ProofTimeout time.Duration
	Rand         io.Reader // defaults to crypto/rand
	Logger       *slog.Logger
}

// Preparer produces (ShieldedNote, ProofHandle) pairs. Every diversifier it
// hands out is unique for the life of the process.
type Preparer struct {
	venues       map[string]domain.Venue
	families     map[string]Family
	pools        map[string]bool
	asset        string
	prover       domain.ProofGenerator
	proofTimeout time.Duration
	rand         io.Reader
	logger       *slog.Logger

	mu   sync.Mutex
	seen map[domain.Diversifier]struct{}
}

// NewPreparer creates a preparer.
func NewPreparer(cfg PreparerConfig) *Preparer {
	p := &Preparer{
		venues:       make(map[string]domain.Venue, len(cfg.Venues)),
		families:     make(map[string]Family, len(cfg.Venues)),
		pools:        make(map[string]bool, len(cfg.Venues)),
		asset:        cfg.Asset,
		prover:       cfg.Prover,
		proofTimeout: cfg.ProofTimeout,
		rand:         cfg.Rand,
		logger:       cfg.Logger.With(slog.String("component", "privacy")),
		seen:         make(map[domain.Diversifier]struct{}),
	}
	if p.rand == nil {
		p.rand = rand.Reader
	}
	for _, v := range cfg.Venues {
		p.venues[v.ID] = v
		fam, ok := cfg.Families[v.ID]
		if !ok || fam == "" {
			fam = DefaultFamily(v.Kind)
		}
		p.families[v.ID] = fam
		if v.PoolAddress != "" {
			p.pools[v.PoolAddress] = true
		}
	}
	return p
}

// Prepare builds and proves the note for one leg. Any failure comes back as
// a *domain.PrivacyPreparationError and no leg may be submitted.
func (p *Preparer) Prepare(ctx context.Context, venueID string, amount decimal.Decimal, role domain.Role) (domain.PreparedLeg, error) {
	fail := func(err error) (domain.PreparedLeg, error) {
		return domain.PreparedLeg{}, &domain.PrivacyPreparationError{Venue: venueID, Role: role, Err: err}
	}

	venue, ok := p.venues[venueID]
	if !ok {
		return fail(domain.ErrUnknownVenue)
	}
	if venue.PoolAddress == "" {
		return fail(&domain.ConfigurationError{Err: domain.ErrNoPoolAddress})
	}

	div, err := p.freshDiversifier()
	if err != nil {
		return fail(err)
	}

	note := domain.ShieldedNote{
		VenueID:     venueID,
		PoolAddress: venue.PoolAddress,
		Amount:      amount,
		Memo:        memo(role, p.asset, venueID),
		Diversifier: div,
		Params:      ChainParams(p.families[venueID]),
	}

	proofCtx := ctx
	if p.proofTimeout > 0 {
		var cancel context.CancelFunc
		proofCtx, cancel = context.WithTimeout(ctx, p.proofTimeout)
		defer cancel()
	}
	proof, err := p.prover.GenerateProof(proofCtx, note)
	if err != nil {
		return fail(err)
	}
	if err := p.Check(note, proof); err != nil {
		return fail(err)
	}

	p.logger.DebugContext(ctx, "leg prepared",
		slog.String("venue", venueID),
		slog.String("role", string(role)),
		slog.String("amount", amount.String()),
	)
	return domain.PreparedLeg{Role: role, Note: note, Proof: proof}, nil
}

// PrepareBoth prepares the buy leg and then the sell leg so a failure on
// either is known before anything is submitted.
func (p *Preparer) PrepareBoth(ctx context.Context, buyVenue, sellVenue string, amount decimal.Decimal) (buy, sell domain.PreparedLeg, err error) {
	buy, err = p.Prepare(ctx, buyVenue, amount, domain.RoleBuy)
	if err != nil {
		return buy, sell, err
	}
	sell, err = p.Prepare(ctx, sellVenue, amount, domain.RoleSell)
	return buy, sell, err
}

// Verify re-checks a note and proof before submission.
func (p *Preparer) Verify(note domain.ShieldedNote, proof domain.ProofHandle) bool {
	return p.Check(note, proof) == nil
}

// Check is Verify with the reason for failure.
func (p *Preparer) Check(note domain.ShieldedNote, proof domain.ProofHandle) error {
	if note.PoolAddress == "" || !note.Amount.IsPositive() || note.Diversifier.IsZero() {
		return errMissingField
	}
	if !p.pools[note.PoolAddress] {
		return fmt.Errorf("%w: %s", errPoolNotConfigured, note.PoolAddress)
	}
	ok, err := p.prover.VerifyProof(note, proof)
	if err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return domain.ErrProofInvalid
	}
	return nil
}

// freshDiversifier draws random diversifiers until one has not been used
// before. A repeat is logged since it points at a broken entropy source.
func (p *Preparer) freshDiversifier() (domain.Diversifier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < maxDiversifierDraws; i++ {
		var d domain.Diversifier
		if _, err := io.ReadFull(p.rand, d[:]); err != nil {
			return d, fmt.Errorf("read entropy: %w", err)
		}
		if d.IsZero() {
			continue
		}
		if _, dup := p.seen[d]; dup {
			p.logger.Warn("diversifier collision, redrawing", slog.Int("draw", i+1))
			continue
		}
		p.seen[d] = struct{}{}
		return d, nil
	}
	return domain.Diversifier{}, errDiversifierExhausted
}

func memo(role domain.Role, asset, venueID string) string {
	verb := "Buy"
	if role == domain.RoleSell {
		verb = "Sell"
	}
	return fmt.Sprintf("%s %s on %s", verb, asset, venueID)
}
