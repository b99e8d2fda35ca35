package crypto

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	commitmentLen = 32
	signatureLen  = 65
	// ProofLen is the byte length of a CommitmentProver handle.
	ProofLen = commitmentLen + signatureLen
)

var proofDomain = ethcrypto.Keccak256([]byte("crossarb.shielded-note.v1"))

// CommitmentProver binds a proof handle to exactly one note: the handle is
// keccak256 of the note's canonical encoding followed by the prover key's
// signature over it. Any change to the note breaks verification.
type CommitmentProver struct {
	signer *Signer
}

var _ domain.ProofGenerator = (*CommitmentProver)(nil)

// NewCommitmentProver creates a prover that signs with signer.
func NewCommitmentProver(signer *Signer) *CommitmentProver {
	return &CommitmentProver{signer: signer}
}

// GenerateProof commits to note and signs the commitment.
func (p *CommitmentProver) GenerateProof(ctx context.Context, note domain.ShieldedNote) (domain.ProofHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ProofError{Err: err}
	}
	commitment := NoteCommitment(note)
	sig, err := p.signer.SignDigest(commitment)
	if err != nil {
		return nil, &domain.ProofError{Err: err}
	}
	handle := make(domain.ProofHandle, 0, ProofLen)
	handle = append(handle, commitment...)
	handle = append(handle, sig...)
	return handle, nil
}

// VerifyProof recomputes the commitment and checks the signature was made
// by this prover's key.
func (p *CommitmentProver) VerifyProof(note domain.ShieldedNote, proof domain.ProofHandle) (bool, error) {
	if len(proof) != ProofLen {
		return false, fmt.Errorf("crypto/prover: proof is %d bytes, want %d", len(proof), ProofLen)
	}
	commitment := NoteCommitment(note)
	if !bytes.Equal(commitment, proof[:commitmentLen]) {
		return false, nil
	}
	addr, err := RecoverAddress(commitment, proof[commitmentLen:])
	if err != nil {
		return false, err
	}
	return addr == p.signer.Address(), nil
}

// Address is the key that signs proofs.
func (p *CommitmentProver) Address() common.Address {
	return p.signer.Address()
}

// NoteCommitment is keccak256 over a length-prefixed encoding of every note
// field, with params in key order.
func NoteCommitment(note domain.ShieldedNote) []byte {
	var buf bytes.Buffer
	buf.Write(proofDomain)
	writeField(&buf, note.VenueID)
	writeField(&buf, note.PoolAddress)
	writeField(&buf, note.Amount.String())
	writeField(&buf, note.Memo)
	writeField(&buf, string(note.Diversifier[:]))

	keys := make([]string, 0, len(note.Params))
	for k := range note.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&buf, k)
		writeField(&buf, note.Params[k])
	}
	return ethcrypto.Keccak256(buf.Bytes())
}

func writeField(buf *bytes.Buffer, s string) {
	var n [4]byte
	l := len(s)
	n[0], n[1], n[2], n[3] = byte(l>>24), byte(l>>16), byte(l>>8), byte(l)
	buf.Write(n[:])
	buf.WriteString(s)
}
