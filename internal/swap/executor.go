package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/internal/discovery"
	"github.com/moneroswap/swapd/internal/htlc"
	"github.com/moneroswap/swapd/internal/moneroaddr"
	"github.com/moneroswap/swapd/internal/node"
	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/internal/wallet"
	"github.com/moneroswap/swapd/pkg/helpers"
	"github.com/moneroswap/swapd/pkg/logging"
)

// Executor errors
var (
	ErrQuoteExpired      = errors.New("quote has expired")
	ErrWrongXMRNetwork   = errors.New("XMR address is for the wrong network")
	ErrSwapActive        = errors.New("a continuation is already running for this swap")
	ErrNotResumable      = errors.New("swap phase cannot be resumed")
	ErrRedeemWaitTimeout = errors.New("timed out waiting for lock output to be redeemed")
)

// Polling and bound defaults. The confirmation and redeem-watch loops
// tick on PollInterval; the redeem watch gives up after RedeemTimeout,
// leaving the swap open for a caller-driven refund.
const (
	DefaultPollInterval  = 30 * time.Second
	DefaultRedeemTimeout = time.Hour
)

// PeerClient is the slice of the protocol client the executor needs.
// *node.Client satisfies it.
type PeerClient interface {
	RequestQuote(ctx context.Context, peerID peer.ID, btcAmount uint64) (*node.QuoteResponse, error)
	InitiateSwap(ctx context.Context, peerID peer.ID, req *node.SwapRequest) (*node.SwapResponse, error)
	SendEncryptedSignature(ctx context.Context, peerID peer.ID, msg *node.EncryptedSignature) error
	WaitTransferProof(ctx context.Context, swapID string) (*node.TransferProof, error)
}

// KeySource yields fresh, never-reused wallet keys and re-derives keys
// at stored indices. *wallet.Service satisfies it.
type KeySource interface {
	NextDepositKeys() (*wallet.SwapKeys, error)
	PrivateKeyAt(index uint32) (*btcec.PrivateKey, error)
	NextDepositAddress() (string, uint32, error)
}

// SecretStore persists HTLC preimages separately from swap records.
// *storage.Storage satisfies it.
type SecretStore interface {
	SaveSecret(sec *storage.SwapSecret) error
	GetSecret(swapID string) (*storage.SwapSecret, error)
}

// XMRChain is the Monero-side capability: waiting out lock
// confirmations. The engine never talks to a Monero node itself.
type XMRChain interface {
	WaitForConfirmations(ctx context.Context, txRef string, confirmations uint64) error
}

// BlockTimeWaiter approximates Monero confirmations by sleeping a fixed
// per-block interval. It is the default XMRChain when no real Monero
// collaborator is wired in.
type BlockTimeWaiter struct {
	BlockTime time.Duration
}

// WaitForConfirmations sleeps confirmations × BlockTime or until the
// context is cancelled.
func (w *BlockTimeWaiter) WaitForConfirmations(ctx context.Context, txRef string, confirmations uint64) error {
	blockTime := w.BlockTime
	if blockTime == 0 {
		blockTime = 2 * time.Minute
	}
	timer := time.NewTimer(time.Duration(confirmations) * blockTime)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Callbacks report asynchronous swap progress. All fields are optional.
type Callbacks struct {
	OnPhaseChange func(state *SwapState)
	OnError       func(swapID string, err error)
	OnComplete    func(state *SwapState)
}

// Executor drives swaps end-to-end: the synchronous prefix up to lock
// broadcast, then an asynchronous continuation per swap. At most one
// continuation runs per swap id.
type Executor struct {
	store     *Store
	secrets   SecretStore
	backend   backend.Backend
	peers     PeerClient
	keys      KeySource
	xmr       XMRChain
	network   chain.Network
	callbacks Callbacks
	log       *logging.Logger

	pollInterval  time.Duration
	redeemTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	Store     *Store
	Secrets   SecretStore
	Backend   backend.Backend
	Peers     PeerClient
	Keys      KeySource
	XMR       XMRChain // optional; defaults to BlockTimeWaiter
	Network   chain.Network
	Callbacks Callbacks

	PollInterval  time.Duration // optional
	RedeemTimeout time.Duration // optional
}

// NewExecutor creates an executor. Close must be called to stop running
// continuations.
func NewExecutor(cfg *ExecutorConfig) *Executor {
	xmr := cfg.XMR
	if xmr == nil {
		xmr = &BlockTimeWaiter{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	redeemTimeout := cfg.RedeemTimeout
	if redeemTimeout == 0 {
		redeemTimeout = DefaultRedeemTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:         cfg.Store,
		secrets:       cfg.Secrets,
		backend:       cfg.Backend,
		peers:         cfg.Peers,
		keys:          cfg.Keys,
		xmr:           xmr,
		network:       cfg.Network,
		callbacks:     cfg.Callbacks,
		log:           logging.GetDefault().Component("executor"),
		pollInterval:  pollInterval,
		redeemTimeout: redeemTimeout,
		ctx:           ctx,
		cancel:        cancel,
		active:        make(map[string]struct{}),
	}
}

// Close cancels all running continuations and waits for them to stop.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// Store exposes the swap store for read paths (listing, inspection).
func (e *Executor) Store() *Store {
	return e.store
}

// RequestQuote asks a peer for a quote and attaches the computed
// exchange rate and a five-minute expiry.
func (e *Executor) RequestQuote(ctx context.Context, peerID peer.ID, btcAmount uint64) (*discovery.Quote, error) {
	resp, err := e.peers.RequestQuote(ctx, peerID, btcAmount)
	if err != nil {
		return nil, err
	}

	xmrAmount := resp.XMRAmount
	if xmrAmount == 0 && resp.Price != "" {
		xmrAmount, err = helpers.ConvertBTCToXMR(btcAmount, resp.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: bad price %q", node.ErrMalformedResponse, resp.Price)
		}
	}
	if xmrAmount == 0 {
		return nil, fmt.Errorf("%w: quote carries no XMR amount", node.ErrMalformedResponse)
	}

	return &discovery.Quote{
		PeerID:    peerID,
		BTCAmount: btcAmount,
		XMRAmount: xmrAmount,
		Rate:      helpers.ExchangeRate(btcAmount, xmrAmount),
		MinBTC:    resp.MinBTC,
		MaxBTC:    resp.MaxBTC,
		ExpiresAt: time.Now().Add(discovery.QuoteExpiry),
	}, nil
}

// FundingInput is one wallet UTXO funding the lock transaction, with
// the derivation index of the key controlling it.
type FundingInput struct {
	UTXO     backend.UTXO
	KeyIndex uint32
}

// ExecuteSwapParams are the caller-supplied inputs to a swap.
type ExecuteSwapParams struct {
	Quote      *discovery.Quote
	XMRAddress string // payout destination
	Inputs     []FundingInput
	FeeRate    uint64 // sat/vB; fetched from the backend if zero
}

// ExecuteSwap runs the synchronous prefix of a swap: validation, key
// and secret generation, peer negotiation, lock transaction build and
// broadcast. It returns once the lock transaction is broadcast; the
// remaining steps run in a background continuation reporting through
// the callbacks.
func (e *Executor) ExecuteSwap(ctx context.Context, params *ExecuteSwapParams) (*SwapState, error) {
	quote := params.Quote
	if quote.Expired() {
		return nil, ErrQuoteExpired
	}
	if err := e.validateXMRAddress(params.XMRAddress); err != nil {
		return nil, err
	}

	secret, secretHash, err := htlc.GenerateSecret()
	if err != nil {
		return nil, err
	}
	keys, err := e.keys.NextDepositKeys()
	if err != nil {
		return nil, err
	}
	refundPub := keys.RefundKey.PubKey().SerializeCompressed()

	swapID := newSwapID(time.Now())
	resp, err := e.peers.InitiateSwap(ctx, quote.PeerID, &node.SwapRequest{
		SwapID:       swapID,
		BTCAmount:    quote.BTCAmount,
		XMRAmount:    quote.XMRAmount,
		SecretHash:   secretHash,
		RefundPubKey: refundPub,
		XMRAddress:   params.XMRAddress,
	})
	if err != nil {
		return nil, err
	}

	state, err := e.store.Create(&NewSwapParams{
		ID:                  swapID,
		PeerID:              quote.PeerID.String(),
		Network:             e.network,
		BTCAmount:           quote.BTCAmount,
		XMRAmount:           quote.XMRAmount,
		ExchangeRate:        quote.Rate,
		MinBTCConfirmations: resp.MinBTCConfirmations,
		MinXMRConfirmations: resp.MinXMRConfirmations,
		CancelTimelock:      resp.CancelTimelock,
		PunishTimelock:      resp.PunishTimelock,
		SecretHash:          secretHash,
		RefundPubKey:        refundPub,
		RedeemPubKey:        resp.RedeemPubKey,
		RefundKeyIndex:      keys.RefundIndex,
		XMRAddress:          params.XMRAddress,
		XMRLockAddress:      resp.XMRLockAddress,
	})
	if err != nil {
		return nil, err
	}
	if err := e.secrets.SaveSecret(&storage.SwapSecret{
		SwapID:     state.ID,
		SecretHash: hex.EncodeToString(secretHash),
		Secret:     hex.EncodeToString(secret),
	}); err != nil {
		return nil, err
	}

	state, err = e.buildLockTx(ctx, state, params)
	if err != nil {
		return nil, err
	}
	state, err = e.broadcastLockTx(ctx, state)
	if err != nil {
		return state, err
	}

	e.spawnContinuation(state)
	return state, nil
}

// buildLockTx constructs and signs the lock transaction, persisting it
// before broadcast so a crash in between is recoverable.
func (e *Executor) buildLockTx(ctx context.Context, state *SwapState, params *ExecuteSwapParams) (*SwapState, error) {
	script, err := htlc.BuildScript(&htlc.Params{
		SecretHash:   state.SecretHash,
		RedeemPubKey: state.RedeemPubKey,
		RefundPubKey: state.RefundPubKey,
		Locktime:     uint32(state.CancelTimelock),
	})
	if err != nil {
		return nil, err
	}
	lockAddress, err := htlc.LockAddress(script, state.Network)
	if err != nil {
		return nil, err
	}

	feeRate := params.FeeRate
	if feeRate == 0 {
		estimates, err := e.backend.GetFeeEstimates(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch fee rate: %w", err)
		}
		feeRate = estimates.HalfHourFee
	}

	changeAddress, _, err := e.keys.NextDepositAddress()
	if err != nil {
		return nil, err
	}

	utxos := make([]backend.UTXO, len(params.Inputs))
	for i, in := range params.Inputs {
		utxos[i] = in.UTXO
	}
	tx, err := htlc.BuildLockTx(&htlc.LockTxParams{
		Network:       state.Network,
		UTXOs:         utxos,
		Script:        script,
		AmountSat:     state.BTCAmount,
		ChangeAddress: changeAddress,
		FeeRate:       feeRate,
	})
	if err != nil {
		return nil, err
	}
	err = htlc.SignLockInputs(tx, utxos, func(i int) (*btcec.PrivateKey, error) {
		return e.keys.PrivateKeyAt(params.Inputs[i].KeyIndex)
	})
	if err != nil {
		return nil, err
	}
	rawTx, err := htlc.SerializeTx(tx)
	if err != nil {
		return nil, err
	}

	state, err = e.store.Update(state, func(s *SwapState) {
		s.HTLCScript = script
		s.LockAddress = lockAddress
		s.LockTxHex = rawTx
		s.LockVout = 0 // BuildLockTx emits the HTLC output first
	})
	if err != nil {
		return nil, err
	}
	return e.transition(state, PhaseLockTxCreated, "")
}

// broadcastLockTx submits the stored lock transaction. A rejected
// broadcast is recorded on the swap without advancing its phase.
func (e *Executor) broadcastLockTx(ctx context.Context, state *SwapState) (*SwapState, error) {
	txID, err := e.backend.BroadcastTransaction(ctx, state.LockTxHex)
	if err != nil {
		state, rerr := e.store.RecordError(state, err)
		if rerr != nil {
			return state, rerr
		}
		return state, err
	}

	state, err = e.store.Update(state, func(s *SwapState) {
		s.LockTxID = txID
		s.LockTxHex = "" // no longer needed once on the network
	})
	if err != nil {
		return state, err
	}
	return e.transition(state, PhaseLockTxBroadcast, txID)
}

func (e *Executor) validateXMRAddress(address string) error {
	expected := moneroaddr.Mainnet
	if e.network != chain.Mainnet {
		expected = moneroaddr.Stagenet
	}
	if err := moneroaddr.Validate(address, expected); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongXMRNetwork, err)
	}
	return nil
}

// transition advances the phase and fires the phase-change callback.
func (e *Executor) transition(state *SwapState, next Phase, detail string) (*SwapState, error) {
	state, err := e.store.TransitionPhase(state, next, detail)
	if err != nil {
		return nil, err
	}
	if e.callbacks.OnPhaseChange != nil {
		e.callbacks.OnPhaseChange(state)
	}
	return state, nil
}
