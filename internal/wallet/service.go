package wallet

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/moneroswap/swapd/internal/storage"
	"github.com/moneroswap/swapd/pkg/logging"
)

// KV keys for derivation counters.
const (
	keyNextExternalIndex = "wallet/next_index"
	keyNextChangeIndex   = "wallet/next_change_index"
)

// Service ties a Wallet to persistent derivation counters so that a
// restart never reuses an index already handed out. The counters only
// ever move forward.
type Service struct {
	wallet *Wallet
	store  storage.KV
	logger *logging.Logger
}

// NewService creates a wallet service backed by a KV store.
func NewService(wallet *Wallet, store storage.KV) *Service {
	return &Service{
		wallet: wallet,
		store:  store,
		logger: logging.GetDefault().Component("wallet"),
	}
}

// Wallet returns the underlying wallet.
func (s *Service) Wallet() *Wallet {
	return s.wallet
}

func (s *Service) nextIndex(key string) (uint32, error) {
	var index uint32
	raw, err := s.store.Get(key)
	switch {
	case err == nil:
		v, perr := strconv.ParseUint(string(raw), 10, 32)
		if perr != nil {
			return 0, fmt.Errorf("corrupt derivation counter %q: %w", key, perr)
		}
		index = uint32(v)
	case errors.Is(err, storage.ErrKeyNotFound):
		index = 0
	default:
		return 0, err
	}

	if err := s.store.Set(key, []byte(strconv.FormatUint(uint64(index)+1, 10))); err != nil {
		return 0, fmt.Errorf("failed to advance derivation counter: %w", err)
	}
	return index, nil
}

// NextKeys reserves the next external derivation index and returns it
// with the private key at that index. Callers persist the index, not
// the key.
func (s *Service) NextKeys() (uint32, *btcec.PrivateKey, error) {
	index, err := s.nextIndex(keyNextExternalIndex)
	if err != nil {
		return 0, nil, err
	}
	priv, err := s.wallet.PrivateKeyAt(index)
	if err != nil {
		return 0, nil, err
	}
	s.logger.Debug("reserved external key", "index", index)
	return index, priv, nil
}

// SwapKeys is a reserved pair of wallet keys for one swap: a deposit
// key the counterparty pays to and a refund key controlling the HTLC
// refund path.
type SwapKeys struct {
	DepositIndex uint32
	DepositKey   *btcec.PrivateKey
	RefundIndex  uint32
	RefundKey    *btcec.PrivateKey
}

// NextDepositKeys reserves two consecutive external indices and returns
// the key pair a new swap needs.
func (s *Service) NextDepositKeys() (*SwapKeys, error) {
	depositIndex, depositKey, err := s.NextKeys()
	if err != nil {
		return nil, err
	}
	refundIndex, refundKey, err := s.NextKeys()
	if err != nil {
		return nil, err
	}
	return &SwapKeys{
		DepositIndex: depositIndex,
		DepositKey:   depositKey,
		RefundIndex:  refundIndex,
		RefundKey:    refundKey,
	}, nil
}

// PrivateKeyAt re-derives the private key at a previously reserved
// external index. Used when resuming a swap from stored state.
func (s *Service) PrivateKeyAt(index uint32) (*btcec.PrivateKey, error) {
	return s.wallet.PrivateKeyAt(index)
}

// NextDepositAddress reserves a fresh external index and returns its
// P2WPKH address.
func (s *Service) NextDepositAddress() (string, uint32, error) {
	index, err := s.nextIndex(keyNextExternalIndex)
	if err != nil {
		return "", 0, err
	}
	addr, err := s.wallet.AddressAt(index)
	if err != nil {
		return "", 0, err
	}
	s.logger.Debug("reserved deposit address", "index", index, "address", addr)
	return addr, index, nil
}

// NextChangeAddress reserves a fresh change index and returns its
// P2WPKH address.
func (s *Service) NextChangeAddress() (string, uint32, error) {
	index, err := s.nextIndex(keyNextChangeIndex)
	if err != nil {
		return "", 0, err
	}
	addr, err := s.wallet.ChangeAddressAt(index)
	if err != nil {
		return "", 0, err
	}
	return addr, index, nil
}

// AddressesUpTo returns all external addresses below the current
// counter, oldest first. Used to scan for spendable UTXOs.
func (s *Service) AddressesUpTo() ([]string, error) {
	raw, err := s.store.Get(keyNextExternalIndex)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	count, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("corrupt derivation counter: %w", err)
	}

	addrs := make([]string, 0, count)
	for i := uint32(0); i < uint32(count); i++ {
		addr, err := s.wallet.AddressAt(i)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
