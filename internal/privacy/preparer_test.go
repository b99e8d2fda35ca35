package privacy

import (
	"context"
	"errors"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/logging"
)

// MockProver is a mock implementation of domain.ProofGenerator.
type MockProver struct {
	mock.Mock
}

func (m *MockProver) GenerateProof(ctx context.Context, note domain.ShieldedNote) (domain.ProofHandle, error) {
	args := m.Called(note.VenueID)
	h, _ := args.Get(0).(domain.ProofHandle)
	return h, args.Error(1)
}

func (m *MockProver) VerifyProof(note domain.ShieldedNote, proof domain.ProofHandle) (bool, error) {
	args := m.Called(note.VenueID)
	return args.Bool(0), args.Error(1)
}

// scriptedReader hands out fixed chunks, one per Read.
type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, errors.New("script exhausted")
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func venues() []domain.Venue {
	return []domain.Venue{
		{ID: "eth-dex", Kind: domain.VenueKindEVM, PoolAddress: "zs1eth"},
		{ID: "btc-otc", Kind: domain.VenueKindREST, PoolAddress: "zs1btc"},
		{ID: "sol-dex", Kind: domain.VenueKindREST, PoolAddress: "zs1sol"},
		{ID: "nopool", Kind: domain.VenueKindPaper},
	}
}

func realProver(t *testing.T) domain.ProofGenerator {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewCommitmentProver(crypto.NewSigner(key))
}

func newPreparer(t *testing.T, prover domain.ProofGenerator) *Preparer {
	return NewPreparer(PreparerConfig{
		Venues:       venues(),
		Families:     map[string]Family{"btc-otc": FamilyUTXO},
		Asset:        "ZEC",
		Prover:       prover,
		ProofTimeout: time.Second,
		Logger:       logging.Nop(),
	})
}

func TestPrepare_BuildsVerifiedNote(t *testing.T) {
	p := newPreparer(t, realProver(t))
	amount := decimal.RequireFromString("42.5")

	leg, err := p.Prepare(context.Background(), "eth-dex", amount, domain.RoleBuy)
	require.NoError(t, err)

	assert.Equal(t, domain.RoleBuy, leg.Role)
	assert.Equal(t, "zs1eth", leg.Note.PoolAddress)
	assert.True(t, leg.Note.Amount.Equal(amount))
	assert.Equal(t, "Buy ZEC on eth-dex", leg.Note.Memo)
	assert.False(t, leg.Note.Diversifier.IsZero())
	assert.Equal(t, map[string]string{"gas_limit": "300000", "gas_price": "auto"}, leg.Note.Params)
	assert.True(t, p.Verify(leg.Note, leg.Proof))
}

func TestPrepare_ParamsByFamily(t *testing.T) {
	p := newPreparer(t, realProver(t))

	utxo, err := p.Prepare(context.Background(), "btc-otc", decimal.NewFromInt(1), domain.RoleSell)
	require.NoError(t, err)
	assert.Equal(t, "2", utxo.Note.Params["version"])
	assert.Equal(t, "0", utxo.Note.Params["locktime"])
	assert.Equal(t, "0", utxo.Note.Params["expiry_height"])
	assert.Equal(t, "Sell ZEC on btc-otc", utxo.Note.Memo)

	acct, err := p.Prepare(context.Background(), "sol-dex", decimal.NewFromInt(1), domain.RoleSell)
	require.NoError(t, err)
	fp, ok := acct.Note.Params["fee_payer"]
	assert.True(t, ok)
	assert.Empty(t, fp)
}

// acceptAllProver hands out a fixed handle and accepts everything.
type acceptAllProver struct{}

func (acceptAllProver) GenerateProof(context.Context, domain.ShieldedNote) (domain.ProofHandle, error) {
	return domain.ProofHandle{0x01}, nil
}

func (acceptAllProver) VerifyProof(domain.ShieldedNote, domain.ProofHandle) (bool, error) {
	return true, nil
}

func TestPrepare_DiversifiersNeverRepeat(t *testing.T) {
	p := newPreparer(t, acceptAllProver{})
	seen := make(map[domain.Diversifier]bool, 10_000)

	for i := 0; i < 10_000; i++ {
		leg, err := p.Prepare(context.Background(), "eth-dex", decimal.NewFromInt(1), domain.RoleBuy)
		require.NoError(t, err)
		require.False(t, seen[leg.Note.Diversifier], "diversifier repeated at call %d", i)
		seen[leg.Note.Diversifier] = true
	}
}

func TestPrepare_BothLegsGetDistinctDiversifiers(t *testing.T) {
	p := newPreparer(t, realProver(t))

	buy, sell, err := p.PrepareBoth(context.Background(), "eth-dex", "sol-dex", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.NotEqual(t, buy.Note.Diversifier, sell.Note.Diversifier)
	assert.Equal(t, domain.RoleSell, sell.Role)
}

func TestFreshDiversifier_RedrawsOnCollision(t *testing.T) {
	a := []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	b := []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	p := NewPreparer(PreparerConfig{
		Venues: venues(),
		Prover: realProver(t),
		Rand:   &scriptedReader{chunks: [][]byte{a, a, b}},
		Logger: logging.Nop(),
	})

	first, err := p.freshDiversifier()
	require.NoError(t, err)
	second, err := p.freshDiversifier()
	require.NoError(t, err)

	assert.Equal(t, domain.Diversifier{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, first)
	assert.Equal(t, domain.Diversifier{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, second)
}

func TestPrepare_MissingPoolIsConfigurationError(t *testing.T) {
	p := newPreparer(t, realProver(t))

	_, err := p.Prepare(context.Background(), "nopool", decimal.NewFromInt(1), domain.RoleBuy)

	var prepErr *domain.PrivacyPreparationError
	require.ErrorAs(t, err, &prepErr)
	assert.Equal(t, "nopool", prepErr.Venue)
	assert.Equal(t, domain.RoleBuy, prepErr.Role)
	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, domain.ErrNoPoolAddress)
}

func TestPrepare_ProverFailure(t *testing.T) {
	prover := new(MockProver)
	prover.On("GenerateProof", "eth-dex").Return(nil, &domain.ProofError{Err: errors.New("prover offline")})
	p := newPreparer(t, prover)

	_, err := p.Prepare(context.Background(), "eth-dex", decimal.NewFromInt(1), domain.RoleBuy)

	var prepErr *domain.PrivacyPreparationError
	require.ErrorAs(t, err, &prepErr)
	var proofErr *domain.ProofError
	assert.ErrorAs(t, err, &proofErr)
	prover.AssertExpectations(t)
}

func TestPrepare_RejectsProofThatDoesNotVerify(t *testing.T) {
	prover := new(MockProver)
	prover.On("GenerateProof", "eth-dex").Return(domain.ProofHandle("junk"), nil)
	prover.On("VerifyProof", "eth-dex").Return(false, nil)
	p := newPreparer(t, prover)

	_, err := p.Prepare(context.Background(), "eth-dex", decimal.NewFromInt(1), domain.RoleBuy)
	assert.ErrorIs(t, err, domain.ErrProofInvalid)
}

func TestVerify_ChecksPoolAndFields(t *testing.T) {
	p := newPreparer(t, realProver(t))
	leg, err := p.Prepare(context.Background(), "eth-dex", decimal.NewFromInt(3), domain.RoleBuy)
	require.NoError(t, err)

	foreignPool := leg.Note
	foreignPool.PoolAddress = "zs1attacker"
	assert.False(t, p.Verify(foreignPool, leg.Proof))

	noDiversifier := leg.Note
	noDiversifier.Diversifier = domain.Diversifier{}
	assert.False(t, p.Verify(noDiversifier, leg.Proof))

	zeroAmount := leg.Note
	zeroAmount.Amount = decimal.Zero
	assert.False(t, p.Verify(zeroAmount, leg.Proof))
}
