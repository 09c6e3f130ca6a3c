package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &MempoolBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.tipHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.connected = true
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	currentHeight, err := m.GetTipHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 && currentHeight > 0 {
			confirmations = currentHeight - u.Status.BlockHeight + 1
		} else if u.Status.Confirmed {
			confirmations = 1
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations,
			BlockHeight:   u.Status.BlockHeight,
		}
	}

	// The utxo endpoint does not include scriptPubKeys; fetch them from
	// the funding transactions so lock-input signing has what it needs.
	for i := range utxos {
		tx, err := m.GetTransaction(ctx, utxos[i].TxID)
		if err != nil {
			continue
		}
		if int(utxos[i].Vout) < len(tx.Outputs) {
			utxos[i].ScriptPubKey = tx.Outputs[utxos[i].Vout].ScriptPubKey
		}
	}

	return utxos, nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}

	tx := result.convert()

	// mempool.space returns block_height but not confirmations directly
	if tx.Confirmed && tx.BlockHeight > 0 {
		currentHeight, err := m.GetTipHeight(ctx)
		if err == nil && currentHeight >= tx.BlockHeight {
			tx.Confirmations = currentHeight - tx.BlockHeight + 1
		}
	}

	return tx, nil
}

// GetConfirmations returns the confirmation count of a transaction;
// zero for unconfirmed.
func (m *MempoolBackend) GetConfirmations(ctx context.Context, txID string) (int64, error) {
	tx, err := m.GetTransaction(ctx, txID)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// BroadcastTransaction broadcasts a raw transaction.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetSpendingTransaction checks the outspend status of an outpoint and, if
// spent, returns the spender's txid and the witness of the spending input.
func (m *MempoolBackend) GetSpendingTransaction(ctx context.Context, txID string, vout uint32) (*SpendingTx, error) {
	var outspend struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
		Vin   uint32 `json:"vin"`
	}
	if err := m.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txID, vout), &outspend); err != nil {
		return nil, err
	}
	if !outspend.Spent {
		return nil, ErrNotSpent
	}

	spender, err := m.GetTransaction(ctx, outspend.TxID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spending tx %s: %w", outspend.TxID, err)
	}
	if int(outspend.Vin) >= len(spender.Inputs) {
		return nil, fmt.Errorf("spending tx %s has no input %d", outspend.TxID, outspend.Vin)
	}

	witnessHex := spender.Inputs[outspend.Vin].Witness
	witness := make([][]byte, len(witnessHex))
	for i, w := range witnessHex {
		witness[i], err = hex.DecodeString(w)
		if err != nil {
			return nil, fmt.Errorf("invalid witness element in %s: %w", outspend.TxID, err)
		}
	}

	return &SpendingTx{
		TxID:    outspend.TxID,
		Witness: witness,
	}, nil
}

// GetTipHeight returns the current block height.
func (m *MempoolBackend) GetTipHeight(ctx context.Context) (int64, error) {
	return m.tipHeight(ctx)
}

func (m *MempoolBackend) tipHeight(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// convert converts the mempool format to our Transaction format.
func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Size:        mt.Size,
		Weight:      mt.Weight,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     make([]TxOutput, len(mt.Vout)),
	}
	for i, in := range mt.Vin {
		tx.Inputs[i] = TxInput{
			TxID:     in.TxID,
			Vout:     in.Vout,
			Witness:  in.Witness,
			Sequence: in.Sequence,
		}
	}
	for i, out := range mt.Vout {
		tx.Outputs[i] = TxOutput{
			ScriptPubKey:     out.ScriptPubKey,
			ScriptPubKeyAddr: out.ScriptPubKeyAddr,
			Value:            out.Value,
		}
	}
	return tx
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
