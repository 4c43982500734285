package api

import "github.com/gosight/gosight/waitlist/internal/funnel"

// JoinRequest is the waitlist-join request body.
type JoinRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referralCode,omitempty"`
	AnonymousID  string `json:"anonymousId,omitempty"`
}

// JoinResponse is the waitlist-join success payload.
type JoinResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	ReferralCode  string `json:"referralCode"`
	Position      int    `json:"position"`
	TotalWaitlist int    `json:"totalWaitlist"`
	IsUpdate      bool   `json:"isUpdate"`
	AlreadyExists bool   `json:"alreadyExists"`
	EmailExists   bool   `json:"emailExists"`
}

// EventBatchRequest is the event-ingest request body.
type EventBatchRequest struct {
	Events []funnel.Event `json:"events"`
}

type EventResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"acceptedCount"`
	RejectedCount int      `json:"rejectedCount"`
	Errors        []string `json:"errors,omitempty"`
}

// ReferralStats is the referral-stats payload for one code.
type ReferralStats struct {
	Code          string           `json:"code"`
	Referrals     int              `json:"referrals"`
	Position      int              `json:"position,omitempty"`
	TotalWaitlist int              `json:"totalWaitlist"`
	Funnel        map[string]int64 `json:"funnel,omitempty"`
}

// ErrorResponse is the body the backend sends with non-2xx statuses.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Credentials is the identity sign-up and sign-in request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
