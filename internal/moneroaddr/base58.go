package moneroaddr

import (
	"errors"
	"math"
)

// Monero uses a block-based base58 variant: the payload is split into
// 8-byte blocks, each encoded independently to a fixed 11 characters,
// with the trailing partial block mapped through encodedBlockSizes.
// This keeps addresses a fixed length for a given payload size.

const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// encodedBlockSizes[n] is the encoded length of an n-byte block.
var encodedBlockSizes = [fullBlockSize + 1]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var (
	ErrInvalidBase58Char   = errors.New("invalid base58 character")
	ErrInvalidBase58Length = errors.New("invalid base58 block length")
	ErrBase58Overflow      = errors.New("base58 block value overflow")
)

var b58Index [256]int8

func init() {
	for i := range b58Index {
		b58Index[i] = -1
	}
	for i, c := range b58Alphabet {
		b58Index[c] = int8(i)
	}
}

func decodedBlockSize(encodedLen int) int {
	for n, l := range encodedBlockSizes {
		if l == encodedLen {
			return n
		}
	}
	return -1
}

func decodeBlock(block string, out []byte) error {
	var num uint64
	for i := 0; i < len(block); i++ {
		digit := b58Index[block[i]]
		if digit < 0 {
			return ErrInvalidBase58Char
		}
		if num > math.MaxUint64/58 {
			return ErrBase58Overflow
		}
		num *= 58
		if num > math.MaxUint64-uint64(digit) {
			return ErrBase58Overflow
		}
		num += uint64(digit)
	}

	if len(out) < fullBlockSize && num>>(uint(len(out))*8) != 0 {
		return ErrBase58Overflow
	}

	for i := len(out) - 1; i >= 0; i-- {
		out[i] = byte(num)
		num >>= 8
	}
	return nil
}

func decodeBase58(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrInvalidBase58Length
	}

	fullBlocks := len(s) / fullEncodedBlockSize
	tailLen := len(s) % fullEncodedBlockSize
	tailDecoded := 0
	if tailLen > 0 {
		tailDecoded = decodedBlockSize(tailLen)
		if tailDecoded < 0 {
			return nil, ErrInvalidBase58Length
		}
	}

	out := make([]byte, fullBlocks*fullBlockSize+tailDecoded)
	for i := 0; i < fullBlocks; i++ {
		block := s[i*fullEncodedBlockSize : (i+1)*fullEncodedBlockSize]
		if err := decodeBlock(block, out[i*fullBlockSize:(i+1)*fullBlockSize]); err != nil {
			return nil, err
		}
	}
	if tailLen > 0 {
		block := s[fullBlocks*fullEncodedBlockSize:]
		if err := decodeBlock(block, out[fullBlocks*fullBlockSize:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeBlock(block []byte, out []byte) {
	var num uint64
	for _, b := range block {
		num = num<<8 | uint64(b)
	}
	for i := range out {
		out[i] = b58Alphabet[0]
	}
	for i := len(out) - 1; num > 0; i-- {
		out[i] = b58Alphabet[num%58]
		num /= 58
	}
}

func encodeBase58(data []byte) string {
	fullBlocks := len(data) / fullBlockSize
	tailLen := len(data) % fullBlockSize

	out := make([]byte, fullBlocks*fullEncodedBlockSize+encodedBlockSizes[tailLen])
	for i := 0; i < fullBlocks; i++ {
		encodeBlock(
			data[i*fullBlockSize:(i+1)*fullBlockSize],
			out[i*fullEncodedBlockSize:(i+1)*fullEncodedBlockSize],
		)
	}
	if tailLen > 0 {
		encodeBlock(data[fullBlocks*fullBlockSize:], out[fullBlocks*fullEncodedBlockSize:])
	}
	return string(out)
}
