package domain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// DiversifierLen is the byte length of a shielded note diversifier.
const DiversifierLen = 11

// Diversifier makes each shielded note unlinkable to earlier ones.
type Diversifier [DiversifierLen]byte

// ShieldedNote describes one privacy-preserving trade leg. A note is built
// for exactly one leg and never reused.
type ShieldedNote struct {
	VenueID     string            `json:"venue_id"`
	PoolAddress string            `json:"pool_address"`
	Amount      decimal.Decimal   `json:"amount"`
	Memo        string            `json:"memo"`
	Diversifier Diversifier       `json:"diversifier"`
	Params      map[string]string `json:"params"`
}

// ProofHandle is an opaque capability bound to one ShieldedNote.
type ProofHandle []byte

// PreparedLeg keeps a note and its proof together. They are always
// submitted as a unit.
type PreparedLeg struct {
	Role  Role
	Note  ShieldedNote
	Proof ProofHandle
}

// ProofGenerator produces and checks proofs for shielded notes.
type ProofGenerator interface {
	GenerateProof(ctx context.Context, note ShieldedNote) (ProofHandle, error)
	VerifyProof(note ShieldedNote, proof ProofHandle) (bool, error)
}

func (d Diversifier) String() string { return hex.EncodeToString(d[:]) }

func (d Diversifier) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Diversifier) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("diversifier: %w", err)
	}
	if len(b) != DiversifierLen {
		return fmt.Errorf("diversifier: want %d bytes, got %d", DiversifierLen, len(b))
	}
	copy(d[:], b)
	return nil
}

// IsZero reports whether the diversifier was never filled.
func (d Diversifier) IsZero() bool { return d == Diversifier{} }
