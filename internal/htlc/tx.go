// Package htlc - transaction builders for the three HTLC spending paths.
package htlc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/chain"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutputBelowDust   = errors.New("output amount below dust threshold")
	ErrWrongSecret       = errors.New("secret does not match committed hash")
)

// Fee estimation constants. The heuristic is deliberately static: tx
// overhead plus one P2WSH/P2WPKH output each weigh in around these vbyte
// figures, and each signed segwit input adds roughly 70 vbytes. Real
// mempool conditions only enter through the caller-supplied fee rate.
const (
	txOverheadVBytes = 10
	outputVBytes     = 43
	inputVBytes      = 70
)

// EstimateFee returns the fee in satoshis for a transaction with the given
// input/output counts at feeRate sat/vB.
func EstimateFee(inputs, outputs int, feeRate uint64) uint64 {
	vsize := uint64(txOverheadVBytes + outputVBytes*outputs + inputVBytes*inputs)
	return vsize * feeRate
}

// LockTxParams contains parameters for building the lock transaction.
type LockTxParams struct {
	Network chain.Network

	// UTXOs to spend; caller fetches these from the wallet's addresses.
	UTXOs []backend.UTXO

	// The HTLC script the output pays to.
	Script []byte

	// Amount locked into the HTLC output, in satoshis.
	AmountSat uint64

	// Change address for leftover funds.
	ChangeAddress string

	// Fee rate in sat/vB.
	FeeRate uint64
}

// BuildLockTx creates the unsigned transaction funding the HTLC output.
// The fee is computed assuming a change output; if the remainder after
// amount and fee is at or below the dust threshold, no change output is
// emitted and the remainder is absorbed as extra fee.
func BuildLockTx(params *LockTxParams) (*wire.MsgTx, error) {
	if len(params.UTXOs) == 0 {
		return nil, ErrNoUTXOs
	}

	chainParams, err := chain.BTCParams(params.Network)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	var totalInput uint64
	for _, utxo := range params.UTXOs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // enable RBF
		tx.AddTxIn(txIn)
		totalInput += utxo.Amount
	}

	tx.AddTxOut(wire.NewTxOut(int64(params.AmountSat), LockScriptPubKey(params.Script)))

	fee := EstimateFee(len(params.UTXOs), 2, params.FeeRate)
	if totalInput < params.AmountSat+fee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, params.AmountSat+fee, totalInput)
	}

	change := totalInput - params.AmountSat - fee
	if change > chain.BTCDustLimitSat {
		changeScript, err := addressToScript(params.ChangeAddress, chainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	return tx, nil
}

// SignLockInputs signs every input of a lock transaction built over
// P2WPKH-funded UTXOs. keyForInput returns the private key controlling the
// input at the given index.
func SignLockInputs(tx *wire.MsgTx, utxos []backend.UTXO, keyForInput func(i int) (*btcec.PrivateKey, error)) error {
	if len(tx.TxIn) != len(utxos) {
		return fmt.Errorf("input count %d does not match UTXO count %d", len(tx.TxIn), len(utxos))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, utxo := range utxos {
		pkScript, err := hex.DecodeString(utxo.ScriptPubKey)
		if err != nil {
			return fmt.Errorf("invalid scriptPubKey on UTXO %d: %w", i, err)
		}
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(int64(utxo.Amount), pkScript))
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, utxo := range utxos {
		key, err := keyForInput(i)
		if err != nil {
			return fmt.Errorf("no key for input %d: %w", i, err)
		}
		pkScript, _ := hex.DecodeString(utxo.ScriptPubKey)
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, int64(utxo.Amount), pkScript,
			txscript.SigHashAll, key, true,
		)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// SpendTxParams contains parameters shared by the redeem and refund
// builders: both spend the single HTLC output to a destination address.
type SpendTxParams struct {
	Network chain.Network

	LockTxID      string
	LockVout      uint32
	LockAmountSat uint64

	Script      []byte
	DestAddress string
	FeeRate     uint64
}

// BuildRedeemTx creates and signs the transaction spending the HTLC output
// via the redeem branch, revealing the secret in the witness.
func BuildRedeemTx(params *SpendTxParams, secret []byte, redeemKey *btcec.PrivateKey) (*wire.MsgTx, error) {
	scriptParams, err := ParseScript(params.Script)
	if err != nil {
		return nil, err
	}
	// Defensive check before anything is signed.
	if !VerifySecret(secret, scriptParams.SecretHash) {
		return nil, ErrWrongSecret
	}

	tx, err := buildHTLCSpend(params, 0, wire.MaxTxInSequenceNum)
	if err != nil {
		return nil, err
	}

	sig, err := signHTLCSpend(tx, params, redeemKey)
	if err != nil {
		return nil, err
	}

	witness := RedeemWitness(sig, secret, params.Script)
	tx.TxIn[0].Witness = witness
	return tx, nil
}

// BuildRefundTx creates and signs the transaction spending the HTLC output
// via the refund branch. The transaction's nLockTime is set to the script's
// locktime and the input sequence is lowered so locktime enforcement is
// active; without that the refund branch is not consensus-valid.
func BuildRefundTx(params *SpendTxParams, locktime uint32, refundKey *btcec.PrivateKey) (*wire.MsgTx, error) {
	scriptParams, err := ParseScript(params.Script)
	if err != nil {
		return nil, err
	}
	if scriptParams.Locktime != locktime {
		return nil, fmt.Errorf("locktime %d does not match script locktime %d", locktime, scriptParams.Locktime)
	}

	tx, err := buildHTLCSpend(params, locktime, wire.MaxTxInSequenceNum-1)
	if err != nil {
		return nil, err
	}

	sig, err := signHTLCSpend(tx, params, refundKey)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = RefundWitness(sig, params.Script)
	return tx, nil
}

// buildHTLCSpend assembles the unsigned single-input single-output spend.
func buildHTLCSpend(params *SpendTxParams, locktime, sequence uint32) (*wire.MsgTx, error) {
	chainParams, err := chain.BTCParams(params.Network)
	if err != nil {
		return nil, err
	}

	txHash, err := chainhash.NewHashFromStr(params.LockTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, params.LockTxID)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = locktime

	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, params.LockVout), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)

	fee := EstimateFee(1, 1, params.FeeRate)
	if params.LockAmountSat <= fee {
		return nil, fmt.Errorf("%w: lock amount %d <= fee %d", ErrInsufficientFunds, params.LockAmountSat, fee)
	}
	outputAmount := params.LockAmountSat - fee
	if outputAmount <= chain.BTCDustLimitSat {
		return nil, fmt.Errorf("%w: %d sat", ErrOutputBelowDust, outputAmount)
	}

	destScript, err := addressToScript(params.DestAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(outputAmount), destScript))

	return tx, nil
}

// signHTLCSpend produces the DER signature (with sighash flag) over the
// witness digest of input 0, committing to the full HTLC script.
func signHTLCSpend(tx *wire.MsgTx, params *SpendTxParams, key *btcec.PrivateKey) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(
		LockScriptPubKey(params.Script),
		int64(params.LockAmountSat),
	)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sighash, err := txscript.CalcWitnessSigHash(
		params.Script, sigHashes, txscript.SigHashAll, tx, 0, int64(params.LockAmountSat),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(key, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}

// addressToScript converts an address string to its scriptPubKey.
func addressToScript(address string, chainParams *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, chainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create script: %w", err)
	}
	return script, nil
}
