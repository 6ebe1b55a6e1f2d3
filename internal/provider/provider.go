package provider

// Provider connection parameters handed to clients at call creation and
// websocket attach time. These are immutable once the registry is built;
// callers always receive copies.

// SIPServer locates the provider's signaling endpoint.
type SIPServer struct {
	WSURL         string `json:"wsUrl"`
	Domain        string `json:"domain"`
	OutboundProxy string `json:"outboundProxy"`
	Port          int    `json:"port"`
}

// ICEServer is one STUN/TURN entry offered to the client.
type ICEServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type AudioConfig struct {
	Enabled bool     `json:"enabled"`
	Codecs  []string `json:"codecs"`
	// DTMFType selects the DTMF relay method (info, rfc2833, inband).
	DTMFType string `json:"dtmfType"`
}

type VideoConfig struct {
	Enabled bool `json:"enabled"`
}

type MediaConfig struct {
	Audio AudioConfig `json:"audio"`
	Video VideoConfig `json:"video"`
}

type SecurityConfig struct {
	Secure                bool `json:"secure"`
	VerifyPeerCertificate bool `json:"verifyPeerCertificate"`
	DTLSEnabled           bool `json:"dtlsEnabled"`
}

// Config is the full per-provider parameter set.
type Config struct {
	SIPServer  SIPServer      `json:"sipServer"`
	ICEServers []ICEServer    `json:"iceServers"`
	Media      MediaConfig    `json:"media"`
	Security   SecurityConfig `json:"security"`
}

// ConnectionParams is the subset of Config exposed on call creation and in
// the connection_established handshake.
type ConnectionParams struct {
	WSURL      string      `json:"wsUrl"`
	Domain     string      `json:"domain"`
	ICEServers []ICEServer `json:"iceServers"`
}

// Params extracts the client-facing connection parameters.
func (c Config) Params() ConnectionParams {
	return ConnectionParams{
		WSURL:      c.SIPServer.WSURL,
		Domain:     c.SIPServer.Domain,
		ICEServers: append([]ICEServer(nil), c.ICEServers...),
	}
}
