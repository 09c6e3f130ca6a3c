// Package htlc builds the Hash Time-Locked Contract script and the three
// transactions that touch it: lock, secret-redeem, and timelock-refund.
// Everything here is pure given its inputs; broadcast and chain queries
// live in the backend package.
package htlc

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/moneroswap/swapd/internal/chain"
	"github.com/moneroswap/swapd/pkg/helpers"
)

// Script errors
var (
	ErrBadSecretHash = errors.New("secret hash must be 32 bytes")
	ErrBadPubKey     = errors.New("pubkey must be 33 bytes (compressed)")
	ErrSameKeys      = errors.New("redeem and refund pubkeys must differ")
	ErrBadLocktime   = errors.New("locktime must be a block height (1..499999999)")
)

// locktimeThreshold is the nLockTime value below which the field is
// interpreted as a block height rather than a unix timestamp.
const locktimeThreshold = 500000000

// Params describes one HTLC output.
type Params struct {
	SecretHash   []byte // SHA256 of the 32-byte preimage
	RedeemPubKey []byte // counterparty key, spends with the preimage
	RefundPubKey []byte // our key, spends after Locktime
	Locktime     uint32 // absolute block height for the refund branch
}

// Validate checks the parameter invariants.
func (p *Params) Validate() error {
	if len(p.SecretHash) != 32 {
		return fmt.Errorf("%w, got %d", ErrBadSecretHash, len(p.SecretHash))
	}
	if len(p.RedeemPubKey) != 33 {
		return fmt.Errorf("redeem %w, got %d", ErrBadPubKey, len(p.RedeemPubKey))
	}
	if len(p.RefundPubKey) != 33 {
		return fmt.Errorf("refund %w, got %d", ErrBadPubKey, len(p.RefundPubKey))
	}
	if helpers.BytesEqual(p.RedeemPubKey, p.RefundPubKey) {
		return ErrSameKeys
	}
	if p.Locktime == 0 || p.Locktime >= locktimeThreshold {
		return fmt.Errorf("%w, got %d", ErrBadLocktime, p.Locktime)
	}
	return nil
}

// BuildScript creates the HTLC script.
//
// Script structure:
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <redeem_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// The OP_SIZE check pins the preimage to exactly 32 bytes so a spender
// cannot claim with an oversized value whose hash happens to collide on
// some other chain's shorter commitment.
func BuildScript(params *Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()

	// Redeem branch
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(params.SecretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(params.RedeemPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	// Refund branch
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(params.Locktime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(params.RefundPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// LockAddress derives the P2WSH address paying to the script.
func LockAddress(script []byte, network chain.Network) (string, error) {
	chainParams, err := chain.BTCParams(network)
	if err != nil {
		return "", err
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], chainParams)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// LockScriptPubKey creates the P2WSH output script: OP_0 <sha256(script)>.
func LockScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// RedeemWitness creates the witness stack spending the redeem branch.
//
// Stack (bottom to top): <signature> <secret> <1> <script>
func RedeemWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01}, // select the OP_IF branch
		script,
	}
}

// RefundWitness creates the witness stack spending the refund branch.
//
// Stack (bottom to top): <signature> <0> <script>
func RefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{}, // empty selects the OP_ELSE branch
		script,
	}
}

// ParseScript extracts the components of an HTLC script built by
// BuildScript. Used to validate stored scripts on resume and to recover
// the committed hash without trusting persisted metadata.
func ParseScript(script []byte) (*Params, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("malformed HTLC script: expected opcode 0x%02x", op)
		}
		return nil
	}

	params := &Params{}

	if err := expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_SIZE); err != nil {
		return nil, err
	}
	// <32>
	if !tokenizer.Next() {
		return nil, errors.New("malformed HTLC script: expected size push")
	}
	if n, err := scriptNum(&tokenizer); err != nil || n != 32 {
		return nil, errors.New("malformed HTLC script: preimage size must be 32")
	}
	if err := expectOp(txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_SHA256); err != nil {
		return nil, err
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return nil, errors.New("malformed HTLC script: expected 32-byte secret hash")
	}
	params.SecretHash = tokenizer.Data()
	if err := expectOp(txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return nil, errors.New("malformed HTLC script: expected redeem pubkey")
	}
	params.RedeemPubKey = tokenizer.Data()
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}
	if !tokenizer.Next() {
		return nil, errors.New("malformed HTLC script: expected locktime")
	}
	locktime, err := scriptNum(&tokenizer)
	if err != nil {
		return nil, errors.New("malformed HTLC script: invalid locktime")
	}
	params.Locktime = uint32(locktime)
	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP); err != nil {
		return nil, err
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return nil, errors.New("malformed HTLC script: expected refund pubkey")
	}
	params.RefundPubKey = tokenizer.Data()
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF); err != nil {
		return nil, err
	}

	return params, nil
}

// scriptNum decodes the current tokenizer token as a minimally encoded
// script integer (small int opcode or little-endian data push).
func scriptNum(tokenizer *txscript.ScriptTokenizer) (int64, error) {
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		return int64(txscript.AsSmallInt(op)), nil
	}
	data := tokenizer.Data()
	if len(data) == 0 || len(data) > 5 {
		return 0, errors.New("invalid script number")
	}
	var n int64
	for i := 0; i < len(data); i++ {
		n |= int64(data[i]) << (8 * i)
	}
	return n, nil
}
