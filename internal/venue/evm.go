package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

const defaultGasLimit = 300_000

// submitSelector is the pool entry point for shielded swaps.
var submitSelector = ethcrypto.Keccak256([]byte("submitShielded(bytes11,bool,uint256,bytes)"))[:4]

// evmBackend is the subset of ethclient.Client the adapter needs.
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ evmBackend = (*ethclient.Client)(nil)

// EVMConfig configures an EVM chain venue.
type EVMConfig struct {
	Venue    domain.Venue
	ChainID  *big.Int
	Signer   *crypto.Signer
	Decimals int32 // token decimals used to scale the amount; 0 means 18
	Logger   *slog.Logger
}

// EVM submits legs as EIP-1559 transactions to the venue's shielded pool.
// The proof and the note diversifier travel in calldata.
type EVM struct {
	venue    domain.Venue
	backend  evmBackend
	chainID  *big.Int
	signer   *crypto.Signer
	pool     common.Address
	decimals int32
	logger   *slog.Logger

	// nonce assignment and send are serialized per account
	sendMu sync.Mutex
}

var _ domain.VenueAdapter = (*EVM)(nil)

// NewEVM creates an EVM adapter over backend.
func NewEVM(cfg EVMConfig, backend evmBackend) (*EVM, error) {
	if !common.IsHexAddress(cfg.Venue.PoolAddress) {
		return nil, fmt.Errorf("venue/evm: pool address %q is not a hex address", cfg.Venue.PoolAddress)
	}
	if cfg.Signer == nil {
		return nil, errors.New("venue/evm: signer is required")
	}
	dec := cfg.Decimals
	if dec == 0 {
		dec = 18
	}
	return &EVM{
		venue:    cfg.Venue,
		backend:  backend,
		chainID:  cfg.ChainID,
		signer:   cfg.Signer,
		pool:     common.HexToAddress(cfg.Venue.PoolAddress),
		decimals: dec,
		logger: cfg.Logger.With(
			slog.String("component", "evm_venue"),
			slog.String("venue", cfg.Venue.ID),
		),
	}, nil
}

// NewEVMFromConfig is the registry factory for EVM venues. It dials the
// RPC endpoint and unlocks the venue key.
func NewEVMFromConfig(ctx context.Context, vc config.VenueConfig, v domain.Venue, deps Deps) (Built, error) {
	prices, run, ok := externalFeed(vc, v, deps)
	if !ok {
		return Built{}, fmt.Errorf("venue/evm: %s: price_url or price_ws_url is required", v.ID)
	}
	key, err := crypto.LoadSigningKey(crypto.KeySource{File: vc.KeyFile, Password: vc.KeyPassword})
	if err != nil {
		return Built{}, fmt.Errorf("venue/evm: %w", err)
	}
	client, err := ethclient.DialContext(ctx, vc.RPCURL)
	if err != nil {
		return Built{}, fmt.Errorf("venue/evm: dial %s: %w", v.ID, err)
	}
	a, err := NewEVM(EVMConfig{
		Venue:   v,
		ChainID: big.NewInt(vc.ChainID),
		Signer:  crypto.NewSigner(key),
		Logger:  deps.Logger,
	}, client)
	if err != nil {
		client.Close()
		return Built{}, err
	}
	return Built{
		Adapter: a,
		Prices:  prices,
		Run:     run,
		Close:   client.Close,
	}, nil
}

// Venue returns the static venue description.
func (e *EVM) Venue() domain.Venue { return e.venue }

// Submit signs and broadcasts the leg. The returned TxRef is the tx hash.
func (e *EVM) Submit(ctx context.Context, note domain.ShieldedNote, proof domain.ProofHandle, isBuy bool, amount decimal.Decimal) (domain.Submission, error) {
	if len(proof) == 0 {
		return domain.Submission{}, domain.ErrProofInvalid
	}
	gasLimit := uint64(defaultGasLimit)
	if s, ok := note.Params["gas_limit"]; ok {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return domain.Submission{}, fmt.Errorf("venue/evm: gas_limit %q: %w", s, err)
		}
		gasLimit = n
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.backend.PendingNonceAt(ctx, e.signer.Address())
	if err != nil {
		return domain.Submission{}, fmt.Errorf("venue/evm: nonce: %w", err)
	}
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("venue/evm: gas tip: %w", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("venue/evm: latest header: %w", err)
	}
	feeCap := new(big.Int).Mul(baseFee(head), big.NewInt(2))
	feeCap.Add(feeCap, tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &e.pool,
		Value:     new(big.Int),
		Data:      e.calldata(note, proof, isBuy, amount),
	})
	signed, err := e.signer.SignTx(tx, e.chainID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("venue/evm: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		// The node may have accepted the tx before the call failed; the
		// hash lets the caller reconcile it.
		return domain.Submission{TxRef: signed.Hash().Hex()}, fmt.Errorf("venue/evm: send: %w", err)
	}

	e.logger.InfoContext(ctx, "leg broadcast",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Bool("buy", isBuy),
	)
	return domain.Submission{TxRef: signed.Hash().Hex(), Status: domain.LegPending}, nil
}

// Poll reads the receipt. A missing receipt means the tx is still pending.
func (e *EVM) Poll(ctx context.Context, txRef string) (domain.PollResult, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.PollResult{Status: domain.LegPending}, nil
		}
		return domain.PollResult{}, fmt.Errorf("venue/evm: receipt %s: %w", txRef, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.PollResult{Status: domain.LegConfirmed}, nil
	}
	return domain.PollResult{Status: domain.LegFailed, Reason: "reverted"}, nil
}

// calldata is selector || diversifier || side || amount || proof.
func (e *EVM) calldata(note domain.ShieldedNote, proof domain.ProofHandle, isBuy bool, amount decimal.Decimal) []byte {
	data := make([]byte, 0, 4+domain.DiversifierLen+1+32+len(proof))
	data = append(data, submitSelector...)
	data = append(data, note.Diversifier[:]...)
	if isBuy {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	units := amount.Shift(e.decimals).BigInt()
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return append(data, proof...)
}

func baseFee(h *types.Header) *big.Int {
	if h == nil || h.BaseFee == nil {
		return new(big.Int)
	}
	return h.BaseFee
}
