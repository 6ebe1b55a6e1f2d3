package gateway

import (
	"time"

	"github.com/t3chn0func/webio/internal/provider"
)

// Envelope is the wire shape of every outbound frame: a type discriminator
// plus a typed payload.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Outbound frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeCallStatus            = "call_status"
	TypeDTMFProcessed         = "dtmf_processed"
	TypeMediaConfig           = "media_config"
	TypeError                 = "error"
)

// Inbound frame types. Unknown types are logged and ignored so older
// gateways tolerate newer clients.
const (
	typeDTMF         = "dtmf"
	typeStatusUpdate = "status_update"
	typeMediaRequest = "media_request"
)

// inboundFrame is the flat client frame shape. Fields beyond Type are
// populated per message kind.
type inboundFrame struct {
	Type   string `json:"type"`
	Digit  string `json:"digit,omitempty"`
	Status string `json:"status,omitempty"`
}

type ConnectionEstablishedData struct {
	ConnectionID string                    `json:"connectionId"`
	CallID       string                    `json:"callId"`
	ProviderID   string                    `json:"providerId"`
	Status       string                    `json:"status"`
	Timestamp    string                    `json:"timestamp"`
	Config       provider.ConnectionParams `json:"config"`
}

type CallStatusData struct {
	Status     string `json:"status"`
	ProviderID string `json:"providerId,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type DTMFProcessedData struct {
	Digit     string `json:"digit"`
	Method    string `json:"method"`
	Timestamp string `json:"timestamp"`
}

type MediaConfigData struct {
	Audio     provider.AudioConfig `json:"audio"`
	Video     provider.VideoConfig `json:"video"`
	Timestamp string               `json:"timestamp"`
}

type ErrorData struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
