package payment_test

import (
	"testing"

	"github.com/panagiotiskrb/coinledger-system/internal/payment"
)

func TestPackageByKey(t *testing.T) {
	pkg, ok := payment.PackageByKey("pro")
	if !ok {
		t.Fatalf("pro package must exist")
	}
	if pkg.Coins != 100 || pkg.Bonus != 10 || pkg.PriceCents != 3499 {
		t.Fatalf("unexpected pro package: %+v", pkg)
	}
	if pkg.TotalCoins() != 110 {
		t.Fatalf("total coins = %d, want 110", pkg.TotalCoins())
	}

	if _, ok := payment.PackageByKey("nonexistent"); ok {
		t.Fatalf("unknown package key must not resolve")
	}
}

func TestCatalogIsCopied(t *testing.T) {
	first := payment.Catalog()
	first[0].Coins = 0

	second := payment.Catalog()
	if second[0].Coins == 0 {
		t.Fatalf("catalog must not be mutable through the returned slice")
	}
}
