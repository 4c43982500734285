// Package waitlist is the dev backend's waitlist: enrollment with positions
// and referral credit, plus a stand-in identity account store.
package waitlist

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrUnknownCode = errors.New("unknown referral code")

// Entry is one join request as the repository sees it.
type Entry struct {
	Email       string
	Name        string
	ReferredBy  string
	AnonymousID string
}

// Result describes the enrollment after a join. Existing is true when the
// email was already enrolled and only its details were updated.
type Result struct {
	ReferralCode string
	Position     int
	Total        int
	Existing     bool
}

type Stats struct {
	Code      string
	Referrals int
	Position  int
	Total     int
}

type Repository interface {
	Join(ctx context.Context, e Entry) (Result, error)
	Stats(ctx context.Context, code string) (Stats, error)
	Close()
}

// NormalizeEmail is the key emails are unique under.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// newCode returns an 8 character uppercase alphanumeric referral code.
func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
