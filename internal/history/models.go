package history

import (
	"time"

	"github.com/t3chn0func/webio/internal/call"
)

// Record is one durable call-history row.
//
// Invariants:
// - Rows are written once at call creation and only ever amended by
//   appending actions and (once) setting end_time/duration.
// - The live registry is the source of truth while a call is active; this
//   record is best-effort history and may lag behind it.
//
// Storage (Postgres):
//
//	CREATE TABLE call_logs (
//	    call_id       TEXT PRIMARY KEY,
//	    customer_name TEXT NOT NULL,
//	    ani           TEXT NOT NULL,
//	    call_type     TEXT NOT NULL,
//	    sbc_type      TEXT NOT NULL,
//	    start_time    TIMESTAMPTZ NOT NULL,
//	    end_time      TIMESTAMPTZ,
//	    duration      INTEGER,
//	    status        TEXT NOT NULL,
//	    actions       JSONB NOT NULL DEFAULT '[]'::jsonb,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Record struct {
	CallID             string             `json:"call_id" db:"call_id"`
	ParticipantName    string             `json:"customer_name" db:"customer_name"`
	ParticipantAddress string             `json:"ani" db:"ani"`
	MediaKind          string             `json:"call_type" db:"call_type"`
	ProviderID         string             `json:"sbc_type" db:"sbc_type"`
	StartTime          time.Time          `json:"start_time" db:"start_time"`
	EndTime            *time.Time         `json:"end_time,omitempty" db:"end_time"`
	DurationSeconds    *int               `json:"duration,omitempty" db:"duration"`
	Status             string             `json:"status" db:"status"`
	Actions            []call.ActionEntry `json:"actions" db:"actions"`
}

// StatusUpdate amends an existing record after a state transition.
// EndTime and DurationSeconds are set only on terminal transitions.
type StatusUpdate struct {
	CallID          string
	Status          string
	Entry           call.ActionEntry
	EndTime         *time.Time
	DurationSeconds *int
}

// Filters narrows call-history queries. Zero values mean "no filter".
type Filters struct {
	ParticipantName    string
	ParticipantAddress string
	StartDate          time.Time
	EndDate            time.Time
}

// NewRecord builds the initial history row for a freshly created session.
func NewRecord(s call.Session) Record {
	return Record{
		CallID:             s.ID,
		ParticipantName:    s.ParticipantName,
		ParticipantAddress: s.ParticipantAddress,
		MediaKind:          string(s.MediaKind),
		ProviderID:         s.ProviderID,
		StartTime:          s.StartedAt,
		Status:             string(s.Status),
		Actions:            s.ActionLog,
	}
}
