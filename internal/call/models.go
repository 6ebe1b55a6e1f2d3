package call

import (
	"regexp"
	"time"
)

// Session is the authoritative record of one logical call, from creation to
// terminal status.
//
// Invariants:
// - EndedAt is set exactly once, and only when Status is terminal.
// - ActionLog is append-only; entries are never removed or rewritten.
// - Sessions are owned by the Registry; callers only ever see copies.
type Session struct {
	ID                 string     `json:"call_id"`
	ParticipantName    string     `json:"name"`
	ParticipantAddress string     `json:"phone"`
	MediaKind          MediaKind  `json:"call_type"`
	ProviderID         string     `json:"provider_id"`
	Status             Status     `json:"status"`
	Muted              bool       `json:"muted"`
	StartedAt          time.Time  `json:"start_time"`
	EndedAt            *time.Time `json:"end_time,omitempty"`

	ActionLog []ActionEntry `json:"actions"`
}

// Terminal reports whether the session accepts no further actions.
func (s Session) Terminal() bool {
	return s.Status.Terminal()
}

// DurationSeconds is the whole-second call duration for terminal sessions,
// or the elapsed time since StartedAt otherwise.
func (s Session) DurationSeconds(now time.Time) int {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := int(end.Sub(s.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Status is the call lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// MediaKind is the requested media for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ValidMediaKind(k MediaKind) bool {
	return k == MediaAudio || k == MediaVideo
}

// Action is anything that may move a session through its lifecycle.
//
// Mute, Unmute, Hangup and DTMF come from callers; Ringing, Establish and
// Fail are reported by the signaling layer (or by the init-timeout policy).
type Action string

const (
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
	ActionHangup Action = "hangup"
	ActionDTMF   Action = "dtmf"

	ActionRinging   Action = "ringing"
	ActionEstablish Action = "establish"
	ActionFail      Action = "fail"
)

// UserAction reports whether a is one of the caller-facing actions.
func UserAction(a Action) bool {
	switch a {
	case ActionMute, ActionUnmute, ActionHangup, ActionDTMF:
		return true
	}
	return false
}

// ActionEntry is one applied action in a session's append-only log.
type ActionEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

var (
	// E.164-ish, as accepted by the HTTP surface.
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	dtmfPattern  = regexp.MustCompile(`^[0-9*#]$`)
)

// ValidPhone reports whether addr is a syntactically valid phone address.
func ValidPhone(addr string) bool {
	return phonePattern.MatchString(addr)
}

// ValidDTMFDigit reports whether d is a single digit in [0-9*#].
func ValidDTMFDigit(d string) bool {
	return dtmfPattern.MatchString(d)
}
