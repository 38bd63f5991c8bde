package store

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetAccountMissing(t *testing.T) {
	s := newTestStore(t)
	acc, err := s.GetAccount("nobody@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc != nil {
		t.Fatalf("expected nil for missing account, got %+v", acc)
	}
}

func TestUpdateAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateAccount("User@Example.COM", func(acc *Account, tx *Tx) error {
		acc.Seats = append(acc.Seats, &Seat{ID: NewSeatID(), PaymentActive: true, CreatedAt: time.Now().UTC()})
		reason := "subscription_payment_failed"
		acc.Locked = true
		acc.LockReason = &reason
		acc.ProcessedEventIDs["evt_1"] = time.Now().Unix()
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	acc, err := s.GetAccount("user@example.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc == nil {
		t.Fatal("account not persisted")
	}
	if acc.Email != "user@example.com" {
		t.Errorf("email = %q, want normalized lower-case", acc.Email)
	}
	if acc.TotalSeats() != 1 || acc.UsedSeats() != 0 {
		t.Errorf("seats total=%d used=%d, want 1/0", acc.TotalSeats(), acc.UsedSeats())
	}
	if !acc.Locked || acc.LockReason == nil || *acc.LockReason != "subscription_payment_failed" {
		t.Errorf("lock state not persisted: locked=%v reason=%v", acc.Locked, acc.LockReason)
	}
	if !acc.EventProcessed("evt_1") {
		t.Error("processed event id not persisted")
	}
}

func TestUpdateAccountRollsBackOnError(t *testing.T) {
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.UpdateAccount("a@x.com", func(acc *Account, tx *Tx) error {
		acc.Seats = append(acc.Seats, &Seat{ID: NewSeatID(), PaymentActive: true})
		if err := tx.RegisterRedemption("key-1", "a@x.com", time.Now()); err != nil {
			t.Fatalf("RegisterRedemption: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	acc, err := s.GetAccount("a@x.com")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc != nil {
		t.Fatalf("account persisted despite rollback: %+v", acc)
	}
	red, err := s.LookupRedemption("key-1")
	if err != nil {
		t.Fatalf("LookupRedemption: %v", err)
	}
	if red != nil {
		t.Fatalf("redemption persisted despite rollback: %+v", red)
	}
}

func TestRegisterRedemptionEnforcesGlobalSingleUse(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateAccount("a@x.com", func(acc *Account, tx *Tx) error {
		return tx.RegisterRedemption("key-1", "a@x.com", time.Now())
	})
	if err != nil {
		t.Fatalf("first redemption: %v", err)
	}

	// Same key from a different account must be refused.
	var got error
	err = s.UpdateAccount("b@y.com", func(acc *Account, tx *Tx) error {
		got = tx.RegisterRedemption("key-1", "b@y.com", time.Now())
		return got
	})
	if !errors.Is(err, ErrKeyAlreadyRedeemed) || !errors.Is(got, ErrKeyAlreadyRedeemed) {
		t.Fatalf("second redemption err = %v, want ErrKeyAlreadyRedeemed", err)
	}

	red, err := s.LookupRedemption("key-1")
	if err != nil {
		t.Fatalf("LookupRedemption: %v", err)
	}
	if red == nil || red.AccountEmail != "a@x.com" {
		t.Fatalf("registry entry = %+v, want owner a@x.com", red)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpdateAccount("a@x.com", func(acc *Account, tx *Tx) error {
		acc.Seats = append(acc.Seats, &Seat{ID: "seat-1", PaymentActive: true})
		return tx.RegisterRedemption("key-1", "a@x.com", time.Now())
	}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	acc, err := s2.GetAccount("a@x.com")
	if err != nil {
		t.Fatalf("GetAccount after reopen: %v", err)
	}
	if acc == nil || acc.TotalSeats() != 1 {
		t.Fatalf("account after reopen = %+v, want 1 seat", acc)
	}
	red, err := s2.LookupRedemption("key-1")
	if err != nil {
		t.Fatalf("LookupRedemption after reopen: %v", err)
	}
	if red == nil {
		t.Fatal("redemption lost on reopen")
	}
}

func TestListAccountsAndRedemptions(t *testing.T) {
	s := newTestStore(t)
	for _, email := range []string{"a@x.com", "b@y.com"} {
		email := email
		if err := s.UpdateAccount(email, func(acc *Account, tx *Tx) error {
			return tx.RegisterRedemption("key-"+email, email, time.Now())
		}); err != nil {
			t.Fatalf("UpdateAccount(%s): %v", email, err)
		}
	}

	accounts, err := s.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accounts))
	}
	redemptions, err := s.ListRedemptions()
	if err != nil {
		t.Fatalf("ListRedemptions: %v", err)
	}
	if len(redemptions) != 2 {
		t.Fatalf("len(redemptions) = %d, want 2", len(redemptions))
	}
}

func TestSeatHelpers(t *testing.T) {
	dev := "dev-1"
	acc := &Account{
		Seats: []*Seat{
			{ID: "s1", SourceKey: "k1", PaymentActive: true},
			{ID: "s2", AssignedDeviceID: &dev, PaymentActive: true},
		},
	}
	if acc.UsedSeats() != 1 || acc.TotalSeats() != 2 {
		t.Errorf("used=%d total=%d, want 1/2", acc.UsedSeats(), acc.TotalSeats())
	}
	if got := acc.SeatByDevice("dev-1"); got == nil || got.ID != "s2" {
		t.Errorf("SeatByDevice = %+v, want s2", got)
	}
	if got := acc.SeatByDevice("dev-2"); got != nil {
		t.Errorf("SeatByDevice(dev-2) = %+v, want nil", got)
	}
	if got := acc.SeatBySourceKey("k1"); got == nil || got.ID != "s1" {
		t.Errorf("SeatBySourceKey = %+v, want s1", got)
	}
	if got := acc.SeatByID("s1"); got == nil || got.ID != "s1" {
		t.Errorf("SeatByID = %+v, want s1", got)
	}
}
