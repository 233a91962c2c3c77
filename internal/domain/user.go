package domain

import (
	"sort"
	"strings"
	"time"
)

// FollowedUser is a leader whose trades the engine mirrors.
type FollowedUser struct {
	ID            int64
	ProfileWallet string // lowercase 0x address, unique
	Label         string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProxyWallet maps an additional wallet to a followed user. Polymarket
// routes most fills through per-user proxy contracts, so the profile
// wallet alone misses the bulk of on-chain activity.
type ProxyWallet struct {
	Wallet         string // lowercase 0x address, unique
	FollowedUserID int64
	CreatedAt      time.Time
}

// WalletAttribution is one resolved wallet -> user binding inside a
// WalletSnapshot.
type WalletAttribution struct {
	FollowedUserID int64
	ProfileWallet  string
	IsProxy        bool
}

// WalletSnapshot is an immutable view of every tracked wallet at a point
// in time. Lookups never mutate it; the refresher builds a new snapshot
// and swaps an atomic pointer.
type WalletSnapshot struct {
	byWallet    map[string]WalletAttribution
	addresses   []string
	fingerprint string
	BuiltAt     time.Time
}

// NewWalletSnapshot builds a snapshot from enabled users and their proxy
// wallets. A wallet maps to at most one user; when the same address appears
// both as a profile wallet and as some user's proxy wallet, the profile
// binding wins.
func NewWalletSnapshot(users []FollowedUser, proxies []ProxyWallet) *WalletSnapshot {
	enabled := make(map[int64]string, len(users))
	byWallet := make(map[string]WalletAttribution, len(users)+len(proxies))

	for _, u := range users {
		if !u.Enabled {
			continue
		}
		w := strings.ToLower(u.ProfileWallet)
		enabled[u.ID] = w
		byWallet[w] = WalletAttribution{
			FollowedUserID: u.ID,
			ProfileWallet:  w,
			IsProxy:        false,
		}
	}

	for _, p := range proxies {
		profile, ok := enabled[p.FollowedUserID]
		if !ok {
			continue
		}
		w := strings.ToLower(p.Wallet)
		if existing, ok := byWallet[w]; ok && !existing.IsProxy {
			// Profile binding outranks a proxy binding for the same address.
			continue
		}
		byWallet[w] = WalletAttribution{
			FollowedUserID: p.FollowedUserID,
			ProfileWallet:  profile,
			IsProxy:        true,
		}
	}

	addrs := make([]string, 0, len(byWallet))
	for w := range byWallet {
		addrs = append(addrs, w)
	}
	sort.Strings(addrs)

	return &WalletSnapshot{
		byWallet:    byWallet,
		addresses:   addrs,
		fingerprint: strings.Join(addrs, ","),
		BuiltAt:     time.Now().UTC(),
	}
}

// Lookup resolves a wallet address (any case) to its attribution.
func (s *WalletSnapshot) Lookup(wallet string) (WalletAttribution, bool) {
	a, ok := s.byWallet[strings.ToLower(wallet)]
	return a, ok
}

// Addresses returns every tracked wallet, sorted, lowercase.
func (s *WalletSnapshot) Addresses() []string {
	return s.addresses
}

// Fingerprint changes iff the tracked wallet set changes. The ingestor
// resubscribes only when the fingerprint moves.
func (s *WalletSnapshot) Fingerprint() string {
	return s.fingerprint
}

// Len reports how many wallets the snapshot tracks.
func (s *WalletSnapshot) Len() int {
	return len(s.byWallet)
}
