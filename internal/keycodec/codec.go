// Package keycodec provides the bijection between internal 64-bit task keys
// and the opaque alphanumeric strings exposed across the API boundary.
package keycodec

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	hashids "github.com/speps/go-hashids/v2"
)

// Default seed (used when Initialize is given an empty seed) and default
// minimum length, mirroring the original implementation's compiled-in
// default. Encode and Decode fail with ErrMissingGenerator until Initialize
// has been called.
const (
	DefaultSeed      = "220232566797978763445376627431768261475"
	DefaultMinLength = 4
)

var (
	// ErrMissingGenerator is returned by Encode/Decode when no codec has
	// been initialized yet.
	ErrMissingGenerator = errors.New("keycodec: generator not initialized")
	// ErrAlreadyInitialized is returned by Initialize on a second call.
	ErrAlreadyInitialized = errors.New("keycodec: already initialized")
	// ErrKeyEncode is returned by Encode when n is outside the codec's
	// representable range.
	ErrKeyEncode = errors.New("keycodec: value out of representable range")
	// ErrKeyDecode is returned by Decode when the input is not a valid
	// encoding produced by this codec.
	ErrKeyDecode = errors.New("keycodec: invalid external key")
)

var (
	mu       sync.Mutex
	instance *hashids.HashID
)

// Initialize sets the process-wide codec exactly once. seed is a decimal
// string representation of a 128-bit integer (kept as a string since Go has
// no native 128-bit integer type); minLength is the minimum output length.
// A second call fails with ErrAlreadyInitialized.
func Initialize(seed string, minLength int) error {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return ErrAlreadyInitialized
	}
	if seed == "" {
		seed = DefaultSeed
	}
	if seed == DefaultSeed {
		slog.Warn("keycodec initialized with default seed; set KEY_SEED in production")
	}
	if _, ok := new(big.Int).SetString(seed, 10); !ok {
		return fmt.Errorf("keycodec: seed %q is not a valid decimal integer", seed)
	}

	hd := hashids.NewData()
	hd.Salt = seed
	hd.MinLength = minLength
	hid, err := hashids.NewWithData(hd)
	if err != nil {
		return fmt.Errorf("keycodec: init: %w", err)
	}
	instance = hid
	return nil
}

// reset clears the singleton; test-only helper, never called from
// production code paths.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}

// ResetForTest clears the singleton so other packages' tests can
// re-initialize the codec with known parameters. Never called outside tests.
func ResetForTest() {
	reset()
}

// Encode returns the external string form of an internal key.
func Encode(n uint64) (string, error) {
	mu.Lock()
	hid := instance
	mu.Unlock()
	if hid == nil {
		return "", ErrMissingGenerator
	}
	if n > 1<<63-1 {
		return "", ErrKeyEncode
	}
	s, err := hid.EncodeInt64([]int64{int64(n)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyEncode, err)
	}
	return s, nil
}

// Decode returns the internal key encoded by the given external string.
func Decode(s string) (uint64, error) {
	mu.Lock()
	hid := instance
	mu.Unlock()
	if hid == nil {
		return 0, ErrMissingGenerator
	}
	ids, ok := hid.DecodeInt64WithError(s)
	if ok != nil || len(ids) != 1 || ids[0] < 0 {
		return 0, ErrKeyDecode
	}
	return uint64(ids[0]), nil
}
