package approval

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	for _, to := range []string{Approved, Rejected, Expired, Cancelled} {
		if !CanTransition(Pending, to) {
			t.Fatalf("PENDING -> %s must be legal", to)
		}
	}
	terminals := []string{Approved, Rejected, Expired, Cancelled}
	for _, from := range terminals {
		for _, to := range append(terminals, Pending) {
			if CanTransition(from, to) {
				t.Fatalf("%s -> %s must be illegal", from, to)
			}
		}
	}
	if CanTransition(Pending, Pending) {
		t.Fatal("PENDING -> PENDING must be illegal")
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(Pending) {
		t.Fatal("PENDING is not terminal")
	}
	for _, s := range []string{Approved, Rejected, Expired, Cancelled} {
		if !IsTerminal(s) {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestValidCategory(t *testing.T) {
	if !ValidCategory(CategoryPayment) || !ValidCategory(CategoryCustom) {
		t.Fatal("known categories rejected")
	}
	if ValidCategory("payment") || ValidCategory("") {
		t.Fatal("unknown categories accepted")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()
	if IsExpired(now, now.Add(time.Second)) {
		t.Fatal("future deadline reported expired")
	}
	if !IsExpired(now, now.Add(-time.Second)) {
		t.Fatal("past deadline not reported expired")
	}
	if IsExpired(now, time.Time{}) {
		t.Fatal("zero deadline must mean no expiry")
	}
}
