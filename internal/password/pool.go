package password

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// Observer receives the duration of every hash or verify run by a Pool.
type Observer func(op string, alg Algorithm, d time.Duration)

// Pool bounds how many CPU-heavy hash operations run at once so a burst of
// logins cannot starve request handling. Callers wait for a slot under their
// request context.
type Pool struct {
	sem     *semaphore.Weighted
	hasher  *Hasher
	observe Observer
}

// NewPool returns a Pool running at most workers operations concurrently.
// workers <= 0 means GOMAXPROCS.
func NewPool(workers int, hasher *Hasher, observe Observer) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if hasher == nil {
		hasher = NewHasher(DefaultParams)
	}
	if observe == nil {
		observe = func(string, Algorithm, time.Duration) {}
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), hasher: hasher, observe: observe}
}

// Check verifies plaintext against encoded on a pool slot. It returns nil,
// ErrPasswordMismatch, ErrUnsupportedHashEncoding or the context error.
func (p *Pool) Check(ctx context.Context, plaintext, encoded string) error {
	h, err := Parse(encoded)
	if err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for password worker: %w", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	ok := h.Verify(plaintext)
	p.observe("verify", h.Algorithm, time.Since(start))
	if !ok {
		return ErrPasswordMismatch
	}
	return nil
}

// Hash produces a current-algorithm hash on a pool slot.
func (p *Pool) Hash(ctx context.Context, plaintext string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for password worker: %w", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	encoded, err := p.hasher.Hash(plaintext)
	p.observe("hash", Scrypt, time.Since(start))
	return encoded, err
}

// NeedsRehash reports whether encoded should be replaced by a current hash.
func (p *Pool) NeedsRehash(encoded string) bool {
	return p.hasher.NeedsRehash(encoded)
}
