// Package decision turns free-form chat replies into approval decisions.
package decision

import (
	"errors"
	"regexp"
	"strings"

	"mealplanner/internal/domain"
)

// ErrMalformed marks a resolution payload that cannot become a Decision.
var ErrMalformed = errors.New("malformed decision")

var (
	approveTokens = map[string]struct{}{
		"approve": {}, "approved": {}, "yes": {}, "y": {}, "✓": {}, "✅": {}, "✔": {}, "✔️": {},
	}
	rejectTokens = map[string]struct{}{
		"reject": {}, "rejected": {}, "no": {}, "n": {}, "✗": {}, "❌": {}, "✘": {},
	}
	feedbackPattern = regexp.MustCompile(`(?is)^feedback:\s*(.+)$`)
)

// Normalize maps reply text to a Decision. It never fails: text that matches
// neither an approval nor a rejection token is treated as feedback.
func Normalize(text string) domain.Decision {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(trimmed)
	if _, ok := approveTokens[lowered]; ok {
		return Approved()
	}
	if _, ok := rejectTokens[lowered]; ok {
		return Rejected()
	}
	if m := feedbackPattern.FindStringSubmatch(trimmed); m != nil {
		return WithFeedback(strings.TrimSpace(m[1]))
	}
	return WithFeedback(text)
}

func Approved() domain.Decision {
	return domain.Decision{Approved: true}
}

func Rejected() domain.Decision {
	return domain.Decision{}
}

func WithFeedback(feedback string) domain.Decision {
	return domain.Decision{Feedback: &feedback, Regenerate: true}
}

// Validate checks a structured decision supplied by an API caller. Normalize
// always produces valid decisions; callers that build their own must satisfy
// regenerate == (feedback present) and must not approve with feedback.
func Validate(d domain.Decision) error {
	if d.Approved && (d.Feedback != nil || d.Regenerate) {
		return errors.Join(ErrMalformed, errors.New("approved decision cannot carry feedback"))
	}
	if d.Regenerate != d.HasFeedback() {
		return errors.Join(ErrMalformed, errors.New("regenerate requires non-empty feedback and vice versa"))
	}
	return nil
}
