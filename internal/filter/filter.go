package filter

import (
	"strings"

	"github.com/mingning179/smsmonitor/internal/settings"
)

// Filter decides whether an inbound message enters the pipeline. Rejected
// messages are never persisted.
type Filter struct {
	settings *settings.Service
}

func New(s *settings.Service) *Filter {
	return &Filter{settings: s}
}

// Accepts reports whether the message passes both the sender and the
// content check.
func (f *Filter) Accepts(sender, content string) bool {
	return f.IsTrustedSender(sender) && f.MatchesContent(content)
}

// IsTrustedSender rejects blank senders only. Number-level allowlists are
// left to the upstream operator.
func (f *Filter) IsTrustedSender(sender string) bool {
	return strings.TrimSpace(sender) != ""
}

// MatchesContent applies the monitor mode: everything passes in "all"
// mode, otherwise the content must contain at least one keyword
// case-insensitively.
func (f *Filter) MatchesContent(content string) bool {
	if f.settings.MonitorMode() == settings.ModeAll {
		return true
	}
	lower := strings.ToLower(content)
	for _, kw := range f.settings.Keywords() {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
