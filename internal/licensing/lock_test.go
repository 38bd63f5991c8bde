package licensing

import (
	"testing"

	"github.com/seatwise/licensed/internal/store"
)

func strPtr(s string) *string { return &s }

func TestComputeLock(t *testing.T) {
	cases := []struct {
		name       string
		acc        *store.Account
		wantLocked bool
		wantReason string // "" means nil
	}{
		{
			name:       "empty account stays unlocked",
			acc:        &store.Account{},
			wantLocked: false,
		},
		{
			name: "unpaid seat locks",
			acc: &store.Account{
				Seats: []*store.Seat{{PaymentActive: true}, {PaymentActive: false}},
			},
			wantLocked: true,
			wantReason: LockReasonSeatUnpaid,
		},
		{
			name: "unpaid seat overrides pending unlock",
			acc: &store.Account{
				Seats:  []*store.Seat{{PaymentActive: false}},
				Locked: false,
			},
			wantLocked: true,
			wantReason: LockReasonSeatUnpaid,
		},
		{
			name: "seat_unpaid lock releases once seats are paid",
			acc: &store.Account{
				Seats:      []*store.Seat{{PaymentActive: true}},
				Locked:     true,
				LockReason: strPtr(LockReasonSeatUnpaid),
			},
			wantLocked: false,
		},
		{
			name: "lock without reason releases",
			acc: &store.Account{
				Locked: true,
			},
			wantLocked: false,
		},
		{
			name: "provider lock reason is sticky",
			acc: &store.Account{
				Seats:      []*store.Seat{{PaymentActive: true}},
				Locked:     true,
				LockReason: strPtr("subscription_payment_failed"),
			},
			wantLocked: true,
			wantReason: "subscription_payment_failed",
		},
		{
			name: "revoked but paid seat does not lock by itself",
			acc: &store.Account{
				Seats: []*store.Seat{{PaymentActive: true, Revoked: true}},
			},
			wantLocked: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			locked, reason := ComputeLock(tc.acc)
			if locked != tc.wantLocked {
				t.Fatalf("locked = %v, want %v", locked, tc.wantLocked)
			}
			if tc.wantReason == "" {
				if reason != nil {
					t.Fatalf("reason = %q, want nil", *reason)
				}
			} else {
				if reason == nil || *reason != tc.wantReason {
					t.Fatalf("reason = %v, want %q", reason, tc.wantReason)
				}
			}
		})
	}
}
