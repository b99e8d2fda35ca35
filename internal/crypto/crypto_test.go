package crypto

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestKeyFile_EncryptThenLoad(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err := LoadSigningKey(KeySource{File: path, Password: "hunter2"})
	require.NoError(t, err)
	want, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(want.PublicKey), ethcrypto.PubkeyToAddress(key.PublicKey))

	_, err = LoadSigningKey(KeySource{File: path, Password: "wrong"})
	assert.ErrorContains(t, err, "decryption failed")
}

func TestLoadSigningKey_Errors(t *testing.T) {
	_, err := LoadSigningKey(KeySource{})
	assert.Error(t, err)

	_, err = LoadSigningKey(KeySource{Hex: "zz"})
	assert.Error(t, err)

	_, err = EncryptKey(testKeyHex, "")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	assert.ErrorContains(t, err, "expected 32-byte key")
}

func testNote() domain.ShieldedNote {
	return domain.ShieldedNote{
		VenueID:     "eth-dex",
		PoolAddress: "zs1pool",
		Amount:      decimal.RequireFromString("12.5"),
		Memo:        "Buy ZEC on eth-dex",
		Diversifier: domain.Diversifier{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		Params:      map[string]string{"gas_limit": "300000", "gas_price": "auto"},
	}
}

func newTestProver(t *testing.T) *CommitmentProver {
	t.Helper()
	key, err := LoadSigningKey(KeySource{Hex: testKeyHex})
	require.NoError(t, err)
	return NewCommitmentProver(NewSigner(key))
}

func TestCommitmentProver_RoundTrip(t *testing.T) {
	p := newTestProver(t)
	note := testNote()

	proof, err := p.GenerateProof(context.Background(), note)
	require.NoError(t, err)
	assert.Len(t, proof, ProofLen)

	ok, err := p.VerifyProof(note, proof)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommitmentProver_BindsToOneNote(t *testing.T) {
	p := newTestProver(t)
	note := testNote()
	proof, err := p.GenerateProof(context.Background(), note)
	require.NoError(t, err)

	tampered := []func(n *domain.ShieldedNote){
		func(n *domain.ShieldedNote) { n.Amount = decimal.RequireFromString("12.6") },
		func(n *domain.ShieldedNote) { n.PoolAddress = "zs1other" },
		func(n *domain.ShieldedNote) { n.Diversifier[0] ^= 0xff },
		func(n *domain.ShieldedNote) { n.Params = map[string]string{"gas_limit": "1"} },
	}
	for i, mutate := range tampered {
		n := testNote()
		mutate(&n)
		ok, err := p.VerifyProof(n, proof)
		require.NoError(t, err, "case %d", i)
		assert.False(t, ok, "case %d", i)
	}
}

func TestCommitmentProver_RejectsForeignKey(t *testing.T) {
	p := newTestProver(t)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	foreign := NewCommitmentProver(NewSigner(other))

	proof, err := foreign.GenerateProof(context.Background(), testNote())
	require.NoError(t, err)

	ok, err := p.VerifyProof(testNote(), proof)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.VerifyProof(testNote(), proof[:10])
	assert.Error(t, err)
}

func TestCommitmentProver_CancelledContext(t *testing.T) {
	p := newTestProver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.GenerateProof(ctx, testNote())
	var proofErr *domain.ProofError
	assert.ErrorAs(t, err, &proofErr)
}

func TestHMACAuth_HeadersAt(t *testing.T) {
	h := &HMACAuth{Key: "key-1", Secret: "secret"}

	a := h.HeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, 1700000000000)
	b := h.HeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, 1700000000000)
	c := h.HeadersAt("POST", "/api/v1/orders", `{"side":"sell"}`, 1700000000000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a["X-SIGNATURE"], c["X-SIGNATURE"])
	assert.Equal(t, "1700000000000", a["X-TIMESTAMP"])
	assert.Len(t, a["X-SIGNATURE"], 64)
	assert.Equal(t, "HMACAuth{key=key-****, secret=secr****}", h.String())
}
