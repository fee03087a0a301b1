// Package cache memoizes fit results durably, keyed by content.
//
// A fit is fully determined by (spec, dataset, seed, strategy), so the key
// is a digest of those identities. Before starting a fit the worker checks
// the cache; after a successful fit it writes the result once. Concurrent
// writers racing on the same key are harmless: writes are transactional,
// last write wins, nothing is ever partially overwritten.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
)

// Store provides write-once/read-many access to memoized fit results.
type Store interface {
	// Get loads the result stored under key. The boolean reports a hit.
	Get(ctx context.Context, key string) (*estimate.FitResult, bool, error)

	// Put stores res under key atomically.
	Put(ctx context.Context, key string, res *estimate.FitResult) error

	// Close releases the underlying storage.
	Close() error
}

// Key derives the content address of one fit from the spec fingerprint, the
// dataset fingerprint and the estimation options that affect the outcome.
func Key(spec *modelspec.Spec, datasetFingerprint string, opts estimate.Options) string {
	h := sha256.New()
	h.Write([]byte(spec.Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(datasetFingerprint))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%s|%d|%t|%d|%d|%d", opts.Strategy, opts.Seed, opts.REML, opts.Chains, opts.Iterations, opts.BurnIn)
	return hex.EncodeToString(h.Sum(nil))
}
