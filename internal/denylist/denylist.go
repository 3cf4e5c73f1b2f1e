// Package denylist is the in-memory blacklist consulted by internal/readpath
// step 2 (spec §4.8): CIDs and user wallets placed here are refused before
// any disk or network lookup happens.
package denylist

import "sync"

// List is a concurrency-safe set of blocked CIDs and wallets. It holds no
// state beyond process memory — spec's read path treats a denylist miss as
// "not currently known to be bad", never as proof of innocence, so a
// restart simply re-admits previously-denied content until repopulated by
// whatever external process feeds this list.
type List struct {
	mu      sync.RWMutex
	cids    map[string]struct{}
	wallets map[string]struct{}
}

// New returns an empty List.
func New() *List {
	return &List{
		cids:    make(map[string]struct{}),
		wallets: make(map[string]struct{}),
	}
}

// DenyCID adds cid to the blocked set.
func (l *List) DenyCID(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cids[cid] = struct{}{}
}

// AllowCID removes cid from the blocked set, if present.
func (l *List) AllowCID(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cids, cid)
}

// IsCIDDenied reports whether cid is currently blocked.
func (l *List) IsCIDDenied(cid string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, denied := l.cids[cid]
	return denied
}

// DenyWallet adds wallet to the blocked set.
func (l *List) DenyWallet(wallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets[wallet] = struct{}{}
}

// IsWalletDenied reports whether wallet is currently blocked.
func (l *List) IsWalletDenied(wallet string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, denied := l.wallets[wallet]
	return denied
}
