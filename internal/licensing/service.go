package licensing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/licensed/internal/licmetrics"
	"github.com/seatwise/licensed/internal/store"
)

// KeyOracle looks a license key up against the provider. Optional: a nil
// oracle means redemption runs in permissive offline mode, trusting the
// provider's signed webhooks instead.
type KeyOracle interface {
	FindKey(ctx context.Context, key string) (bool, error)
}

// QuantityOracle reports how many seats a customer has purchased. Optional: a
// nil oracle degrades to a single seat per order event without a quantity.
type QuantityOracle interface {
	QuantityForCustomer(ctx context.Context, email string) (int, error)
}

// Service implements the entitlement state machine: reconciliation of provider
// events, license key redemption, and seat allocation, all as per-account
// read-modify-write transactions against the store.
type Service struct {
	store      *store.Store
	keys       KeyOracle
	quantities QuantityOracle
}

// NewService creates the licensing service. keys and quantities may be nil.
func NewService(st *store.Store, keys KeyOracle, quantities QuantityOracle) *Service {
	return &Service{store: st, keys: keys, quantities: quantities}
}

// errUnchanged aborts an account transaction without persisting anything. The
// operation outcome has already been captured in the caller's result value.
var errUnchanged = errors.New("no account mutation")

// Redemption error codes surfaced to clients.
const (
	RedeemErrEmailMissing      = "email_missing"
	RedeemErrKeyMissing        = "key_missing"
	RedeemErrAccountLocked     = "account_locked"
	RedeemErrAlreadyRedeemed   = "key_already_redeemed"
	RedeemErrRedeemedInAccount = "key_already_redeemed_in_account"
	RedeemErrInvalidKey        = "invalid_key"
)

// ReconcileResult reports what a webhook reconciliation did.
type ReconcileResult struct {
	Email     string `json:"email,omitempty"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
}

// Reconcile applies one verified provider event to the account it resolves to.
// Events without a resolvable email are accepted as no-ops so the provider
// does not retry them forever. A non-nil error is transient (persistence
// failure); retries are safe because processed event IDs short-circuit.
func (s *Service) Reconcile(ctx context.Context, evt ProviderEvent) (ReconcileResult, error) {
	res := ReconcileResult{Email: evt.Email}
	if evt.Email == "" {
		log.Warn().Str("event_name", evt.EventName).Msg("Webhook event carries no usable email, skipping")
		return res, nil
	}

	err := s.store.UpdateAccount(evt.Email, func(acc *store.Account, tx *store.Tx) error {
		if acc.EventProcessed(evt.EventID) {
			res.Duplicate = true
			return errUnchanged
		}

		wasLocked := acc.Locked

		switch ClassifyEvent(evt.EventName, evt.Status) {
		case EventSubscriptionBad:
			// A bad event always wins immediately; the lock policy below can
			// only reinforce it within this reconciliation.
			reason := evt.EventName
			acc.Locked = true
			acc.LockReason = &reason

		case EventSubscriptionGood:
			// Unlock intent only. The lock policy re-locks if seats are
			// still unpaid, and a non-active status keeps the lock as-is.
			if evt.Status == "" || evt.Status == "active" || evt.Status == "on_trial" {
				acc.Locked = false
				acc.LockReason = nil
			}

		case EventOrderCreated:
			s.grantOrderSeats(ctx, acc, evt)

		case EventKeyRevoked:
			if seat := acc.SeatBySourceKey(evt.LicenseKey); seat != nil {
				seat.PaymentActive = false
				seat.Revoked = true
			}

		case EventKeyDisabled:
			if seat := acc.SeatBySourceKey(evt.LicenseKey); seat != nil {
				seat.PaymentActive = false
			}

		case EventKeyRestored:
			// Revoked seats stay revoked: deletion and refunds are terminal
			// and only re-redemption brings a seat back.
			if seat := acc.SeatBySourceKey(evt.LicenseKey); seat != nil && !seat.Revoked {
				seat.PaymentActive = true
			}
		}

		applyLockPolicy(acc)
		if acc.Locked != wasLocked {
			direction := "unlocked"
			if acc.Locked {
				direction = "locked"
			}
			licmetrics.AccountLockTransitions.WithLabelValues(direction).Inc()
			log.Info().
				Str("email", acc.Email).
				Str("event_name", evt.EventName).
				Str("reason", lockReasonString(acc.LockReason)).
				Bool("locked", acc.Locked).
				Msg("Account lock state changed")
		}

		if evt.EventID != "" {
			acc.ProcessedEventIDs[evt.EventID] = time.Now().Unix()
		}
		res.Applied = true
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return res, err
	}
	return res, nil
}

// grantOrderSeats appends seats for a first purchase. Quantity comes from the
// event payload, then the quantity oracle, then defaults to one.
func (s *Service) grantOrderSeats(ctx context.Context, acc *store.Account, evt ProviderEvent) {
	qty := evt.Quantity
	if qty <= 0 && s.quantities != nil {
		n, err := s.quantities.QuantityForCustomer(ctx, acc.Email)
		if err != nil {
			log.Warn().Err(err).Str("email", acc.Email).Msg("Seat quantity lookup failed, defaulting to 1")
		} else {
			qty = n
		}
	}
	if qty <= 0 {
		qty = 1
	}
	now := time.Now().UTC()
	for i := 0; i < qty; i++ {
		acc.Seats = append(acc.Seats, &store.Seat{
			ID:            store.NewSeatID(),
			PaymentActive: true,
			CreatedAt:     now,
		})
	}
	log.Info().Str("email", acc.Email).Int("quantity", qty).Int("total", acc.TotalSeats()).Msg("Seats granted from order")
}

// RedeemResult is the outcome of a redemption attempt. Error is one of the
// Redeem* codes when OK is false.
type RedeemResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	SeatID     string `json:"seatId,omitempty"`
	TotalSeats int    `json:"totalSeats"`
	UsedSeats  int    `json:"usedSeats"`
}

// Redeem converts a one-time license key into exactly one seat. The optional
// key oracle is consulted before the account write lock is taken; the global
// registry check inside the transaction catches redemptions that land while
// the oracle call is in flight.
func (s *Service) Redeem(ctx context.Context, email, licenseKey string) (RedeemResult, error) {
	email = store.NormalizeEmail(email)
	key := store.NormalizeKey(licenseKey)

	if !strings.Contains(email, "@") {
		return redeemFailure(RedeemErrEmailMissing), nil
	}
	if key == "" {
		return redeemFailure(RedeemErrKeyMissing), nil
	}

	if s.keys != nil {
		found, err := s.keys.FindKey(ctx, key)
		if err != nil {
			// Indeterminate oracle response fails closed.
			log.Warn().Err(err).Str("email", email).Msg("License key lookup failed, rejecting redemption")
			return redeemFailure(RedeemErrInvalidKey), nil
		}
		if !found {
			return redeemFailure(RedeemErrInvalidKey), nil
		}
	}

	var res RedeemResult
	err := s.store.UpdateAccount(email, func(acc *store.Account, tx *store.Tx) error {
		res.TotalSeats = acc.TotalSeats()
		res.UsedSeats = acc.UsedSeats()

		if acc.Locked {
			res.Error = RedeemErrAccountLocked
			return errUnchanged
		}

		now := time.Now().UTC()
		if err := tx.RegisterRedemption(key, email, now); err != nil {
			if errors.Is(err, store.ErrKeyAlreadyRedeemed) {
				res.Error = RedeemErrAlreadyRedeemed
				return errUnchanged
			}
			return err
		}
		// Second barrier: the account-local index should agree with the
		// global registry, but a corrupt registry must not double-grant.
		if _, ok := acc.RedeemedKeys[key]; ok {
			res.Error = RedeemErrRedeemedInAccount
			return errUnchanged
		}

		seat := &store.Seat{
			ID:            store.NewSeatID(),
			SourceKey:     key,
			PaymentActive: true,
			CreatedAt:     now,
		}
		acc.Seats = append(acc.Seats, seat)
		acc.RedeemedKeys[key] = store.RedemptionRecord{RedeemedAt: now, RedeemedByEmail: email}

		applyLockPolicy(acc)

		res.OK = true
		res.SeatID = seat.ID
		res.TotalSeats = acc.TotalSeats()
		res.UsedSeats = acc.UsedSeats()
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return RedeemResult{}, err
	}

	outcome := "success"
	if !res.OK {
		outcome = res.Error
	}
	licmetrics.RedemptionsTotal.WithLabelValues(outcome).Inc()
	return res, nil
}

func redeemFailure(code string) RedeemResult {
	licmetrics.RedemptionsTotal.WithLabelValues(code).Inc()
	return RedeemResult{Error: code}
}

// Seat allocation error codes.
const (
	AssignErrAccountLocked = "account_locked"
	AssignErrNoFreeSeat    = "no free seat"
)

// AssignResult is the outcome of a seat assignment.
type AssignResult struct {
	OK              bool   `json:"ok"`
	Error           string `json:"msg,omitempty"`
	SeatID          string `json:"seatId,omitempty"`
	AlreadyAssigned bool   `json:"-"`
}

// Assign binds the first free eligible seat (creation order) to the device.
// Assigning a device that already holds a seat succeeds idempotently with the
// same seat ID, making client retries safe.
func (s *Service) Assign(ctx context.Context, email, deviceID, deviceName string) (AssignResult, error) {
	var res AssignResult
	err := s.store.UpdateAccount(email, func(acc *store.Account, tx *store.Tx) error {
		if acc.Locked {
			res.Error = AssignErrAccountLocked
			return errUnchanged
		}
		if existing := acc.SeatByDevice(deviceID); existing != nil {
			res.OK = true
			res.AlreadyAssigned = true
			res.SeatID = existing.ID
			return errUnchanged
		}

		var free *store.Seat
		for _, seat := range acc.Seats {
			if seat.AssignedDeviceID == nil && !seat.Revoked && seat.PaymentActive {
				free = seat
				break
			}
		}
		if free == nil {
			res.Error = AssignErrNoFreeSeat
			return errUnchanged
		}

		free.AssignedDeviceID = &deviceID
		if deviceName != "" {
			free.AssignedDeviceName = &deviceName
		} else {
			free.AssignedDeviceName = nil
		}

		applyLockPolicy(acc)
		res.OK = true
		res.SeatID = free.ID
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return AssignResult{}, err
	}

	switch {
	case res.AlreadyAssigned:
		licmetrics.SeatAssignmentsTotal.WithLabelValues("already_assigned").Inc()
	case res.OK:
		licmetrics.SeatAssignmentsTotal.WithLabelValues("assigned").Inc()
	default:
		licmetrics.SeatAssignmentsTotal.WithLabelValues(res.Error).Inc()
	}
	return res, nil
}

// ReleaseResult is the outcome of a seat release.
type ReleaseResult struct {
	OK          bool `json:"ok"`
	AlreadyFree bool `json:"-"`
}

// Release frees the seat bound to the device. Idempotent, and deliberately not
// gated by the account lock: a payment dispute must not strand a device
// binding.
func (s *Service) Release(ctx context.Context, email, deviceID string) (ReleaseResult, error) {
	var res ReleaseResult
	err := s.store.UpdateAccount(email, func(acc *store.Account, tx *store.Tx) error {
		seat := acc.SeatByDevice(deviceID)
		if seat == nil {
			res.OK = true
			res.AlreadyFree = true
			return errUnchanged
		}
		seat.AssignedDeviceID = nil
		seat.AssignedDeviceName = nil

		applyLockPolicy(acc)
		res.OK = true
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return ReleaseResult{}, err
	}
	return res, nil
}

// RemoveSeat deletes a seat entirely (administrative). The seat's license key
// stays in both redemption registries: removal must not reopen single-use
// keys.
func (s *Service) RemoveSeat(ctx context.Context, email, seatID string) (found bool, err error) {
	err = s.store.UpdateAccount(email, func(acc *store.Account, tx *store.Tx) error {
		idx := -1
		for i, seat := range acc.Seats {
			if seat.ID == seatID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errUnchanged
		}
		acc.Seats = append(acc.Seats[:idx], acc.Seats[idx+1:]...)
		applyLockPolicy(acc)
		found = true
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return false, err
	}
	return found, nil
}

// StatusResult is the derived, read-only view of an account.
type StatusResult struct {
	Email      string        `json:"email"`
	TotalSeats int           `json:"totalSeats"`
	UsedSeats  int           `json:"usedSeats"`
	Seats      []*store.Seat `json:"seats"`
	Locked     bool          `json:"locked"`
	LockReason *string       `json:"lockReason"`
}

// Status reports the account's seats and lock state. Unknown accounts read as
// empty, unlocked accounts.
func (s *Service) Status(email string) (StatusResult, error) {
	email = store.NormalizeEmail(email)
	acc, err := s.store.GetAccount(email)
	if err != nil {
		return StatusResult{}, err
	}
	if acc == nil {
		acc = store.NewAccount(email)
	}
	return StatusResult{
		Email:      acc.Email,
		TotalSeats: acc.TotalSeats(),
		UsedSeats:  acc.UsedSeats(),
		Seats:      acc.Seats,
		Locked:     acc.Locked,
		LockReason: acc.LockReason,
	}, nil
}

// applyLockPolicy recomputes the account lock from current seat state.
func applyLockPolicy(acc *store.Account) {
	acc.Locked, acc.LockReason = ComputeLock(acc)
}

func lockReasonString(reason *string) string {
	if reason == nil {
		return ""
	}
	return *reason
}
