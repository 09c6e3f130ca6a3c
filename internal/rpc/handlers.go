package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moneroswap/swapd/internal/discovery"
	"github.com/moneroswap/swapd/internal/htlc"
	"github.com/moneroswap/swapd/internal/swap"
	"github.com/moneroswap/swapd/pkg/helpers"
)

var errSwapStillRunning = errors.New("swap is not in a terminal phase; refund or wait before deleting")

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// --- node ---

// NodeInfo describes this daemon's identity on the network.
type NodeInfo struct {
	PeerID    string   `json:"peer_id"`
	Addrs     []string `json:"addrs"`
	PeerCount int      `json:"peer_count"`
	UptimeSec int64    `json:"uptime_sec"`
	Network   string   `json:"network"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addrs := make([]string, 0)
	for _, a := range s.node.Addrs() {
		addrs = append(addrs, a.String())
	}
	return &NodeInfo{
		PeerID:    s.node.ID().String(),
		Addrs:     addrs,
		PeerCount: len(s.node.Peers()),
		UptimeSec: int64(s.node.Uptime().Seconds()),
		Network:   string(s.node.Config().Network),
	}, nil
}

func (s *Server) nodePeers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	peers := make([]string, 0)
	for _, p := range s.node.Peers() {
		peers = append(peers, p.String())
	}
	return peers, nil
}

// --- provider discovery ---

// ProviderInfo is the wire form of a discovered ASB provider.
type ProviderInfo struct {
	PeerID   string   `json:"peer_id"`
	Addrs    []string `json:"addrs"`
	Price    string   `json:"price,omitempty"`
	MinBTC   uint64   `json:"min_btc"`
	MaxBTC   uint64   `json:"max_btc"`
	Online   bool     `json:"online"`
	LastSeen int64    `json:"last_seen"`
}

func (s *Server) providersDiscover(ctx context.Context, params json.RawMessage) (interface{}, error) {
	providers, err := s.discovery.DiscoverProviders(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		infos = append(infos, ProviderInfo{
			PeerID:   p.PeerID.String(),
			Addrs:    p.Addrs,
			Price:    p.Price,
			MinBTC:   p.MinBTC,
			MaxBTC:   p.MaxBTC,
			Online:   p.Online,
			LastSeen: p.LastSeen.Unix(),
		})
	}
	return infos, nil
}

// QuoteParams asks a specific provider for a quote.
type QuoteParams struct {
	PeerID    string `json:"peer_id"`
	BTCAmount uint64 `json:"btc_amount"`
}

// QuoteInfo is the wire form of a quote.
type QuoteInfo struct {
	PeerID    string `json:"peer_id"`
	BTCAmount uint64 `json:"btc_amount"`
	XMRAmount uint64 `json:"xmr_amount"`
	Rate      string `json:"rate"`
	MinBTC    uint64 `json:"min_btc"`
	MaxBTC    uint64 `json:"max_btc"`
	ExpiresAt int64  `json:"expires_at"`
}

func quoteToInfo(q *discovery.Quote) *QuoteInfo {
	return &QuoteInfo{
		PeerID:    q.PeerID.String(),
		BTCAmount: q.BTCAmount,
		XMRAmount: q.XMRAmount,
		Rate:      q.Rate,
		MinBTC:    q.MinBTC,
		MaxBTC:    q.MaxBTC,
		ExpiresAt: q.ExpiresAt.Unix(),
	}
}

func (s *Server) providersQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	peerID, err := peer.Decode(p.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}

	providers, err := s.discovery.DiscoverProviders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		if providers[i].PeerID == peerID {
			quote, err := s.discovery.GetQuote(ctx, &providers[i], p.BTCAmount)
			if err != nil {
				return nil, err
			}
			return quoteToInfo(quote), nil
		}
	}
	return nil, fmt.Errorf("provider %s not found", p.PeerID)
}

// --- swap lifecycle ---

func (s *Server) swapQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	peerID, err := peer.Decode(p.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}
	quote, err := s.executor.RequestQuote(ctx, peerID, p.BTCAmount)
	if err != nil {
		return nil, err
	}
	return quoteToInfo(quote), nil
}

// ExecuteParams starts a swap against a previously obtained quote.
type ExecuteParams struct {
	PeerID     string `json:"peer_id"`
	BTCAmount  uint64 `json:"btc_amount"`
	XMRAmount  uint64 `json:"xmr_amount"`
	Rate       string `json:"rate"`
	ExpiresAt  int64  `json:"expires_at"`
	XMRAddress string `json:"xmr_address"`
	FeeRate    uint64 `json:"fee_rate,omitempty"`
}

func (s *Server) swapExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ExecuteParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	peerID, err := peer.Decode(p.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}

	inputs, err := s.collectFunding(ctx, p.BTCAmount, p.FeeRate)
	if err != nil {
		return nil, err
	}

	state, err := s.executor.ExecuteSwap(ctx, &swap.ExecuteSwapParams{
		Quote: &discovery.Quote{
			PeerID:    peerID,
			BTCAmount: p.BTCAmount,
			XMRAmount: p.XMRAmount,
			Rate:      p.Rate,
			ExpiresAt: time.Unix(p.ExpiresAt, 0),
		},
		XMRAddress: p.XMRAddress,
		Inputs:     inputs,
		FeeRate:    p.FeeRate,
	})
	if err != nil {
		return nil, err
	}
	return swapToInfo(state), nil
}

// collectFunding scans the wallet's derived addresses for confirmed
// UTXOs until the target amount plus a fee allowance is covered.
func (s *Server) collectFunding(ctx context.Context, amount, feeRate uint64) ([]swap.FundingInput, error) {
	if feeRate == 0 {
		estimates, err := s.backend.GetFeeEstimates(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch fee rate: %w", err)
		}
		feeRate = estimates.HalfHourFee
	}

	addrs, err := s.wallet.AddressesUpTo()
	if err != nil {
		return nil, err
	}

	var (
		inputs []swap.FundingInput
		total  uint64
	)
	for index, addr := range addrs {
		utxos, err := s.backend.GetAddressUTXOs(ctx, addr)
		if err != nil {
			return nil, err
		}
		for _, u := range utxos {
			if u.Confirmations == 0 {
				continue
			}
			inputs = append(inputs, swap.FundingInput{UTXO: u, KeyIndex: uint32(index)})
			total += u.Amount

			need := amount + htlc.EstimateFee(len(inputs), 2, feeRate)
			if total >= need {
				return inputs, nil
			}
		}
	}

	need := amount + htlc.EstimateFee(len(inputs)+1, 2, feeRate)
	return nil, fmt.Errorf("%w: need %s BTC, have %s",
		htlc.ErrInsufficientFunds, helpers.SatoshisToBTC(need), helpers.SatoshisToBTC(total))
}

// SwapInfo is the wire form of a swap record.
type SwapInfo struct {
	ID             string             `json:"id"`
	PeerID         string             `json:"peer_id"`
	Phase          swap.Phase         `json:"phase"`
	BTCAmount      uint64             `json:"btc_amount"`
	XMRAmount      uint64             `json:"xmr_amount"`
	Rate           string             `json:"rate"`
	XMRAddress     string             `json:"xmr_address"`
	LockTxID       string             `json:"lock_tx_id,omitempty"`
	RedeemTxID     string             `json:"redeem_tx_id,omitempty"`
	RefundTxID     string             `json:"refund_tx_id,omitempty"`
	XMRLockTxID    string             `json:"xmr_lock_tx_id,omitempty"`
	CancelTimelock int64              `json:"cancel_timelock"`
	LastError      string             `json:"last_error,omitempty"`
	ErrorCount     int                `json:"error_count"`
	PhaseHistory   []swap.PhaseChange `json:"phase_history"`
	CreatedAt      int64              `json:"created_at"`
	UpdatedAt      int64              `json:"updated_at"`
}

func swapToInfo(st *swap.SwapState) *SwapInfo {
	return &SwapInfo{
		ID:             st.ID,
		PeerID:         st.PeerID,
		Phase:          st.Phase,
		BTCAmount:      st.BTCAmount,
		XMRAmount:      st.XMRAmount,
		Rate:           st.ExchangeRate,
		XMRAddress:     st.XMRAddress,
		LockTxID:       st.LockTxID,
		RedeemTxID:     st.RedeemTxID,
		RefundTxID:     st.RefundTxID,
		XMRLockTxID:    st.XMRLockTxID,
		CancelTimelock: st.CancelTimelock,
		LastError:      st.LastError,
		ErrorCount:     st.ErrorCount,
		PhaseHistory:   st.PhaseHistory,
		CreatedAt:      st.CreatedAt.Unix(),
		UpdatedAt:      st.UpdatedAt.Unix(),
	}
}

// SwapIDParams identifies one swap.
type SwapIDParams struct {
	SwapID string `json:"swap_id"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	states, err := s.executor.Store().ListAll()
	if err != nil {
		return nil, err
	}
	infos := make([]*SwapInfo, 0, len(states))
	for _, st := range states {
		infos = append(infos, swapToInfo(st))
	}
	return infos, nil
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	state, err := s.executor.Store().Load(p.SwapID)
	if err != nil {
		return nil, err
	}
	return swapToInfo(state), nil
}

func (s *Server) swapDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	state, err := s.executor.Store().Load(p.SwapID)
	if err != nil {
		return nil, err
	}
	if !state.Phase.Terminal() {
		return nil, errSwapStillRunning
	}
	if err := s.executor.Store().Delete(p.SwapID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

// RefundParams requests a refund of one swap.
type RefundParams struct {
	SwapID      string `json:"swap_id"`
	DestAddress string `json:"dest_address,omitempty"`
	FeeRate     uint64 `json:"fee_rate,omitempty"`
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RefundParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	txID, err := s.executor.RefundSwap(ctx, p.SwapID, p.DestAddress, p.FeeRate)
	if err != nil {
		return nil, err
	}
	return map[string]string{"refund_tx_id": txID}, nil
}

func (s *Server) swapResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	state, err := s.executor.ResumeSwap(ctx, p.SwapID)
	if err != nil {
		return nil, err
	}
	return swapToInfo(state), nil
}

func (s *Server) swapResumeAll(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.executor.ResumeAll(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"resumed": true}, nil
}

// --- wallet ---

func (s *Server) walletDepositAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addr, index, err := s.wallet.NextDepositAddress()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr, "index": index}, nil
}

// WalletUTXO is the wire form of a spendable output.
type WalletUTXO struct {
	Address       string `json:"address"`
	KeyIndex      uint32 `json:"key_index"`
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"amount"`
	Confirmations int64  `json:"confirmations"`
}

func (s *Server) walletUTXOs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addrs, err := s.wallet.AddressesUpTo()
	if err != nil {
		return nil, err
	}

	var (
		out   []WalletUTXO
		total uint64
	)
	for index, addr := range addrs {
		utxos, err := s.backend.GetAddressUTXOs(ctx, addr)
		if err != nil {
			return nil, err
		}
		for _, u := range utxos {
			out = append(out, WalletUTXO{
				Address:       addr,
				KeyIndex:      uint32(index),
				TxID:          u.TxID,
				Vout:          u.Vout,
				Amount:        u.Amount,
				Confirmations: u.Confirmations,
			})
			total += u.Amount
		}
	}
	return map[string]interface{}{
		"utxos":     out,
		"total_sat": total,
		"total_btc": helpers.SatoshisToBTC(total),
	}, nil
}
