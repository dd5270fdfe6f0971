package market

import "testing"

func TestSameWalletIsCaseInsensitive(t *testing.T) {
	if !SameWallet("0xAbCd", "0xabcd") {
		t.Fatalf("expected case-insensitive match")
	}
	if SameWallet("0xabcd", "0xabce") {
		t.Fatalf("distinct wallets must not match")
	}
	if SameWallet("", "") {
		t.Fatalf("empty wallets must not match each other")
	}
}

func TestValidWallet(t *testing.T) {
	for _, w := range []string{"0xAAA", "0xdeadBEEF", "poster-1"} {
		if !ValidWallet(w) {
			t.Fatalf("expected %q valid", w)
		}
	}
	for _, w := range []string{"", "  ", "0x", "0xzz"} {
		if ValidWallet(w) {
			t.Fatalf("expected %q invalid", w)
		}
	}
}
