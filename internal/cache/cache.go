// Package cache stores parsed query results for a bounded time so repeated
// queries do not reach the device again.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/parser"
)

// ErrMiss is returned by Get when no unexpired entry exists.
var ErrMiss = errors.New("cache miss")

// KeyPrefix namespaces every key written by this package.
const KeyPrefix = "lglass:result:"

// Cache stores parsed results under opaque keys.
type Cache interface {
	Get(ctx context.Context, key string) (*parser.Result, error)
	Set(ctx context.Context, key string, res *parser.Result, ttl time.Duration) error
	Close() error
}

// Key derives the cache key for a query. Arguments are hashed in sorted
// order so equal queries map to the same key.
func Key(device, command string, args map[string]string) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	h := blake3.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(device)
	write(command)
	for _, name := range names {
		write(name)
		write(args[name])
	}
	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// encMode produces Core Deterministic Encoding: the same result always
// encodes to the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// Encode serializes a result for storage.
func Encode(res *parser.Result) ([]byte, error) {
	return encMode.Marshal(res)
}

// Decode restores a result written by Encode.
func Decode(data []byte) (*parser.Result, error) {
	var res parser.Result
	if err := cbor.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Open returns the cache selected by params: Redis when a URL is set,
// otherwise an in-process cache. It returns nil when caching is disabled.
func Open(ctx context.Context, params inventory.Params) (Cache, error) {
	if params.CacheTTL() <= 0 {
		return nil, nil
	}
	if params.RedisURL == "" {
		return NewMemory(), nil
	}
	r, err := NewRedis(ctx, params.RedisURL)
	if err != nil {
		return nil, err
	}
	return r, nil
}
