// Package storage defines the key/value port the attribution core persists
// through, plus the concrete stores behind it.
package storage

import "errors"

// Fixed keys shared by the attribution and funnel components.
const (
	KeyPendingReferral = "waitlist_pending_referral"
	KeyAnonymousID     = "waitlist_anonymous_id"
	KeyUserID          = "waitlist_user_id"
	KeyUTM             = "waitlist_utm"
	KeyLocalSignup     = "waitlist_local_signup"
)

// ErrUnavailable is returned by stores that cannot be reached at all, such
// as browser storage disabled by privacy settings.
var ErrUnavailable = errors.New("storage unavailable")

// Port is the minimal key/value contract. Get reports ok=false for a missing
// key; errors are reserved for the store itself failing.
type Port interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}
