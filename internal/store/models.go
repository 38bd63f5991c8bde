package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is the billing-identity-scoped container of seats and lock state,
// keyed by lower-cased email.
type Account struct {
	Email             string                      `json:"email"`
	Seats             []*Seat                     `json:"seats"`
	RedeemedKeys      map[string]RedemptionRecord `json:"redeemedKeys"`
	Locked            bool                        `json:"locked"`
	LockReason        *string                     `json:"lockReason"`
	ProcessedEventIDs map[string]int64            `json:"processedEventIds"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

// Seat is one consumable unit of license entitlement, optionally bound to a
// device. Both device fields nil means the seat is free.
type Seat struct {
	ID                 string    `json:"id"`
	AssignedDeviceID   *string   `json:"assignedDeviceId"`
	AssignedDeviceName *string   `json:"assignedDeviceName"`
	SourceKey          string    `json:"sourceKey,omitempty"`
	PaymentActive      bool      `json:"paymentActive"`
	Revoked            bool      `json:"revoked"`
	CreatedAt          time.Time `json:"createdAt"`
}

// RedemptionRecord marks a license key as consumed. The same record exists in
// the account document and in the global redemptions table; both are written in
// one transaction.
type RedemptionRecord struct {
	RedeemedAt      time.Time `json:"redeemedAt"`
	RedeemedByEmail string    `json:"redeemedByEmail"`
}

// Redemption is a row of the global (cross-account) redemption registry.
type Redemption struct {
	LicenseKey   string    `json:"licenseKey"`
	AccountEmail string    `json:"accountEmail"`
	RedeemedAt   time.Time `json:"redeemedAt"`
}

// NormalizeEmail canonicalizes an email for use as an account key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeKey canonicalizes a license key for registry lookups.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// NewSeatID generates an opaque seat identifier.
func NewSeatID() string {
	return uuid.NewString()
}

// NewAccount returns an empty account for the given (already normalized) email.
func NewAccount(email string) *Account {
	now := time.Now().UTC()
	return &Account{
		Email:             email,
		Seats:             []*Seat{},
		RedeemedKeys:      map[string]RedemptionRecord{},
		ProcessedEventIDs: map[string]int64{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// normalize repairs nil collections after JSON decoding so callers never
// touch a nil map or slice.
func (a *Account) normalize() {
	if a.Seats == nil {
		a.Seats = []*Seat{}
	}
	if a.RedeemedKeys == nil {
		a.RedeemedKeys = map[string]RedemptionRecord{}
	}
	if a.ProcessedEventIDs == nil {
		a.ProcessedEventIDs = map[string]int64{}
	}
}

// TotalSeats counts all seats. Derived on every call, never stored.
func (a *Account) TotalSeats() int {
	return len(a.Seats)
}

// UsedSeats counts seats currently bound to a device.
func (a *Account) UsedSeats() int {
	used := 0
	for _, s := range a.Seats {
		if s.AssignedDeviceID != nil {
			used++
		}
	}
	return used
}

// SeatByDevice returns the seat assigned to the given device, or nil.
func (a *Account) SeatByDevice(deviceID string) *Seat {
	for _, s := range a.Seats {
		if s.AssignedDeviceID != nil && *s.AssignedDeviceID == deviceID {
			return s
		}
	}
	return nil
}

// SeatByID returns the seat with the given ID, or nil.
func (a *Account) SeatByID(id string) *Seat {
	for _, s := range a.Seats {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SeatBySourceKey returns the seat created from the given normalized license
// key, or nil.
func (a *Account) SeatBySourceKey(key string) *Seat {
	for _, s := range a.Seats {
		if s.SourceKey != "" && s.SourceKey == key {
			return s
		}
	}
	return nil
}

// EventProcessed reports whether the given provider event ID was already
// applied to this account.
func (a *Account) EventProcessed(eventID string) bool {
	if eventID == "" {
		return false
	}
	_, ok := a.ProcessedEventIDs[eventID]
	return ok
}
