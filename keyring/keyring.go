// Package keyring holds the viewing-key data model (spec.md §3): the
// set of incoming viewing keys the decrypter trial-decrypts against,
// keyed by account and pool. The registry is read-only during a sync
// run (spec.md §5 "Shared-resource policy") -- accounts are added or
// removed only between runs.
package keyring

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/zcash/warpsync/pool"
)

// Account identifies a wallet account by an opaque, store-assigned id.
type Account uint32

// IVK is a per-account, per-pool incoming viewing key. Its Scalar is
// opaque to the engine; only the decrypter's pool-specific trial
// function interprets it (spec.md §4.2: "S = epk · ivk").
type IVK struct {
	Account Account
	Pool    pool.ID
	Scalar  []byte
}

// Registry is the installed set of viewing keys for a sync run.
type Registry struct {
	mu   sync.RWMutex
	keys map[pool.ID][]IVK
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[pool.ID][]IVK)}
}

// Install adds or replaces the viewing key for an account/pool pair.
// Lifetime: installed at account creation, removed on account
// deletion (spec.md §3) -- callers do this between, never during, a
// sync run.
func (r *Registry) Install(ivk IVK) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.keys[ivk.Pool]
	if i := slices.IndexFunc(existing, func(k IVK) bool { return k.Account == ivk.Account }); i >= 0 {
		existing[i] = ivk
		return
	}
	r.keys[ivk.Pool] = append(existing, ivk)
}

// Remove deletes the viewing key for an account/pool pair, if present.
func (r *Registry) Remove(account Account, p pool.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.keys[p]
	if i := slices.IndexFunc(existing, func(k IVK) bool { return k.Account == account }); i >= 0 {
		r.keys[p] = append(existing[:i], existing[i+1:]...)
	}
}

// For returns a snapshot of the registered keys for a pool. The
// returned slice is a fresh copy, so later Install/Remove calls do not
// change it and changing it does not affect the registry.
func (r *Registry) For(p pool.ID) []IVK {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IVK, len(r.keys[p]))
	copy(out, r.keys[p])
	return out
}

// Lookup finds the IVK for a specific account/pool pair.
func (r *Registry) Lookup(account Account, p pool.ID) (IVK, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys[p] {
		if k.Account == account {
			return k, nil
		}
	}
	return IVK{}, fmt.Errorf("keyring: no %s viewing key installed for account %d", p, account)
}
