package signup

import "strings"

// Outcome is what a piece of backend text says about an account.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	// OutcomeAccountExists means the identity system already has the email;
	// the visitor has to authenticate.
	OutcomeAccountExists
	// OutcomeOnWaitlist means the email is already enrolled on the waitlist.
	OutcomeOnWaitlist
)

// phrases lists known duplicate-account wordings, checked in order. Backends
// send these both as error bodies and as success=false messages.
var phrases = []struct {
	text    string
	outcome Outcome
}{
	{"already registered", OutcomeAccountExists},
	{"already been registered", OutcomeAccountExists},
	{"user already exists", OutcomeAccountExists},
	{"email already exists", OutcomeAccountExists},
	{"account already exists", OutcomeAccountExists},
	{"email address is already in use", OutcomeAccountExists},
	{"email already in use", OutcomeAccountExists},
	{"already on the waitlist", OutcomeOnWaitlist},
	{"already on waitlist", OutcomeOnWaitlist},
	{"already in the waitlist", OutcomeOnWaitlist},
	{"already joined", OutcomeOnWaitlist},
	{"already signed up", OutcomeOnWaitlist},
}

// Classify matches text against the phrase table, case-insensitively.
func Classify(text string) Outcome {
	if text == "" {
		return OutcomeUnknown
	}
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p.text) {
			return p.outcome
		}
	}
	return OutcomeUnknown
}

func classifyErr(err error) Outcome {
	if err == nil {
		return OutcomeUnknown
	}
	return Classify(err.Error())
}
