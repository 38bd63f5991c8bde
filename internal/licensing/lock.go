package licensing

import "github.com/seatwise/licensed/internal/store"

// LockReasonSeatUnpaid is the lock reason derived from unpaid seats, as
// opposed to reasons carried over from provider events.
const LockReasonSeatUnpaid = "seat_unpaid"

// ComputeLock derives an account's lock state from its seats' payment status
// and the current lock reason. It is the single source of truth for
// locked/lockReason and must run after every seat mutation and every
// reconciliation.
//
// Rules, in order:
//   - any seat with paymentActive=false locks the account with "seat_unpaid",
//     overriding any pending unlock intent from a good subscription event;
//   - a lock held for "seat_unpaid" (or with no recorded reason) releases once
//     all seats are paid;
//   - any other explicit reason (a provider event name, a forced lock) is
//     sticky and survives seats becoming paid.
func ComputeLock(acc *store.Account) (locked bool, reason *string) {
	for _, s := range acc.Seats {
		if !s.PaymentActive {
			r := LockReasonSeatUnpaid
			return true, &r
		}
	}
	if !acc.Locked {
		return false, nil
	}
	if acc.LockReason == nil || *acc.LockReason == "" || *acc.LockReason == LockReasonSeatUnpaid {
		return false, nil
	}
	return true, acc.LockReason
}
