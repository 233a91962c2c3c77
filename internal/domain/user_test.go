package domain

import "testing"

func TestWalletSnapshotLookup(t *testing.T) {
	t.Parallel()
	snap := NewWalletSnapshot(
		[]FollowedUser{
			{ID: 1, ProfileWallet: "0xAAAA", Enabled: true},
			{ID: 2, ProfileWallet: "0xbbbb", Enabled: true},
			{ID: 3, ProfileWallet: "0xcccc", Enabled: false},
		},
		[]ProxyWallet{
			{Wallet: "0xDDDD", FollowedUserID: 1},
			{Wallet: "0xeeee", FollowedUserID: 3}, // user disabled, ignored
		},
	)

	a, ok := snap.Lookup("0xaaaa")
	if !ok || a.FollowedUserID != 1 || a.IsProxy {
		t.Errorf("profile lookup = %+v, %v", a, ok)
	}

	// case-insensitive proxy lookup
	a, ok = snap.Lookup("0xDddD")
	if !ok || a.FollowedUserID != 1 || !a.IsProxy {
		t.Errorf("proxy lookup = %+v, %v", a, ok)
	}
	if a.ProfileWallet != "0xaaaa" {
		t.Errorf("proxy attribution profile = %q, want 0xaaaa", a.ProfileWallet)
	}

	if _, ok := snap.Lookup("0xcccc"); ok {
		t.Error("disabled user's wallet should not resolve")
	}
	if _, ok := snap.Lookup("0xeeee"); ok {
		t.Error("disabled user's proxy should not resolve")
	}
	if snap.Len() != 3 {
		t.Errorf("snapshot len = %d, want 3", snap.Len())
	}
}

func TestWalletSnapshotProfileOutranksProxy(t *testing.T) {
	t.Parallel()
	// 0xaaaa is user 1's profile wallet and also registered as a proxy of
	// user 2; the profile binding must win.
	snap := NewWalletSnapshot(
		[]FollowedUser{
			{ID: 1, ProfileWallet: "0xaaaa", Enabled: true},
			{ID: 2, ProfileWallet: "0xbbbb", Enabled: true},
		},
		[]ProxyWallet{
			{Wallet: "0xaaaa", FollowedUserID: 2},
		},
	)

	a, ok := snap.Lookup("0xaaaa")
	if !ok {
		t.Fatal("wallet should resolve")
	}
	if a.FollowedUserID != 1 || a.IsProxy {
		t.Errorf("tie-break resolved to %+v, want user 1 non-proxy", a)
	}
}

func TestWalletSnapshotFingerprint(t *testing.T) {
	t.Parallel()
	users := []FollowedUser{{ID: 1, ProfileWallet: "0xaaaa", Enabled: true}}
	a := NewWalletSnapshot(users, nil)
	b := NewWalletSnapshot(users, nil)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical wallet sets must share a fingerprint")
	}

	c := NewWalletSnapshot(users, []ProxyWallet{{Wallet: "0xdddd", FollowedUserID: 1}})
	if c.Fingerprint() == a.Fingerprint() {
		t.Error("adding a wallet must change the fingerprint")
	}
}
