package hash

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"
	"math/rand/v2"

	"lukechampine.com/blake3"
)

const (
	// KeySize is the size of a key in bytes.
	KeySize = 32

	// KeyBits is the size of the key space in bits (2^256).
	KeyBits = KeySize * 8
)

// Key identifies both nodes and content in the XOR metric space.
type Key [KeySize]byte

// HashBytes hashes arbitrary data to a 256-bit key using BLAKE3.
func HashBytes(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// HashString hashes a string to a 256-bit key.
func HashString(s string) Key {
	return HashBytes([]byte(s))
}

// HashAddress derives a node id from its transport address.
func HashAddress(address string) Key {
	return HashString(address)
}

// FromBytes copies a raw 32-byte slice into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseHex parses a hex encoded key.
func ParseHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid hex key: %w", err)
	}
	return FromBytes(b)
}

// RandomKey returns a uniformly random key drawn from rng.
func RandomKey(rng *rand.Rand) Key {
	var k Key
	fillRandom(k[:], rng)
	return k
}

func fillRandom(b []byte, rng *rand.Rand) {
	for i := 0; i < len(b); i += 8 {
		v := rng.Uint64()
		for j := 0; j < 8 && i+j < len(b); j++ {
			b[i+j] = byte(v >> (8 * j))
		}
	}
}

// String returns the full hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns an abbreviated hex form for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// IsZero reports whether every byte of the key is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Xor returns k XOR o.
func (k Key) Xor(o Key) Key {
	var out Key
	for i := range k {
		out[i] = k[i] ^ o[i]
	}
	return out
}

// MarshalText encodes the key as hex so it renders readably in JSON.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a hex key.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Distance returns the XOR distance between a and b as a non-negative integer.
// Distance(a, b) == Distance(b, a) and Distance(a, b) == 0 iff a == b.
func Distance(a, b Key) *big.Int {
	x := a.Xor(b)
	return new(big.Int).SetBytes(x[:])
}

// Compare orders a and b by closeness to ref. It returns -1 when a is closer,
// 1 when b is closer and 0 only when a == b.
func Compare(a, b, ref Key) int {
	for i := 0; i < KeySize; i++ {
		da := a[i] ^ ref[i]
		db := b[i] ^ ref[i]
		if da == db {
			continue
		}
		if da < db {
			return -1
		}
		return 1
	}
	return 0
}

// Closer reports whether a is strictly closer to ref than b.
func Closer(a, b, ref Key) bool {
	return Compare(a, b, ref) < 0
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b Key) int {
	for i := 0; i < KeySize; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KeyBits
}

// HighestBit returns the index of the most significant set bit of k, counting
// from 0 at the least significant bit, or -1 if k is zero.
func HighestBit(k Key) int {
	for i, b := range k {
		if b != 0 {
			return (KeySize-1-i)*8 + bits.Len8(b) - 1
		}
	}
	return -1
}

// bit returns bit i of k, counting from the least significant bit.
func bit(k Key, i int) int {
	return int(k[KeySize-1-i/8]>>(uint(i)%8)) & 1
}

func setBit(k *Key, i int, v int) {
	idx := KeySize - 1 - i/8
	mask := byte(1) << (uint(i) % 8)
	if v != 0 {
		k[idx] |= mask
	} else {
		k[idx] &^= mask
	}
}

// clearFrom zeroes every bit at index >= i.
func clearFrom(k *Key, i int) {
	for j := i; j < KeyBits; j++ {
		setBit(k, j, 0)
	}
}
