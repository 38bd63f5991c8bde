package licensing

import "strings"

// EventClass buckets provider event names into the reconciliation actions they
// trigger.
type EventClass string

const (
	// EventNone is an event with no account-level effect.
	EventNone EventClass = "none"
	// EventSubscriptionBad locks the account immediately.
	EventSubscriptionBad EventClass = "subscription_bad"
	// EventSubscriptionGood signals intent to unlock; the lock policy decides.
	EventSubscriptionGood EventClass = "subscription_good"
	// EventOrderCreated grants new seats from a purchase.
	EventOrderCreated EventClass = "order_created"
	// EventKeyRevoked permanently withdraws the seat bound to the event's key.
	EventKeyRevoked EventClass = "key_revoked"
	// EventKeyDisabled marks the seat bound to the event's key as unpaid.
	EventKeyDisabled EventClass = "key_disabled"
	// EventKeyRestored re-activates a disabled (not revoked) seat.
	EventKeyRestored EventClass = "key_restored"
)

// ProviderEvent is one verified payment-provider event, reduced to the fields
// the reconciler acts on.
type ProviderEvent struct {
	EventID    string // optional; some event kinds omit it
	EventName  string
	Email      string // extracted, normalized; empty means unresolvable
	Status     string // subscription or key status attribute, lower-cased
	LicenseKey string // normalized license key referenced by the event, if any
	Quantity   int    // seat quantity for order events; 0 means unspecified
}

// ClassifyEvent maps a provider event name (plus its status attribute, which
// disambiguates key updates) to its reconciliation class.
func ClassifyEvent(eventName, status string) EventClass {
	switch strings.ToLower(strings.TrimSpace(eventName)) {
	case "subscription_payment_failed",
		"subscription_expired",
		"subscription_cancelled",
		"subscription_paused",
		"subscription_past_due":
		return EventSubscriptionBad

	case "subscription_payment_success",
		"subscription_resumed",
		"subscription_updated",
		"subscription_renewed",
		"subscription_created":
		return EventSubscriptionGood

	case "order_created":
		return EventOrderCreated

	case "license_key_deleted", "order_refunded":
		// Terminal: only an explicit re-redemption brings the seat back.
		return EventKeyRevoked

	case "license_key_updated":
		switch strings.ToLower(strings.TrimSpace(status)) {
		case "active", "enabled":
			return EventKeyRestored
		case "disabled", "inactive", "expired", "revoked":
			return EventKeyDisabled
		}
		return EventNone
	}
	return EventNone
}

// FirstValidEmail returns the first syntactically plausible email among the
// candidates, normalized, or "". Providers spread the customer email across
// several attribute names; callers pass them in priority order.
func FirstValidEmail(candidates ...string) string {
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if strings.Contains(c, "@") {
			return c
		}
	}
	return ""
}
