package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider is returned when a provider id has no configuration.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry is the read-only provider id -> configuration table.
//
// It is built once at startup and never mutated afterwards, so lookups are
// safe for concurrent use without locking.
type Registry struct {
	configs map[string]Config
}

// wssPorts maps each supported border element to its websocket signaling port.
var wssPorts = map[string]int{
	"cube":    8443,
	"ribbon":  7443,
	"oracle":  8443,
	"avaya":   443,
	"freepbx": 8089,
	"sangoma": 5066,
}

// NewRegistry builds the built-in provider table for the given SBC domain.
func NewRegistry(domain string) *Registry {
	configs := make(map[string]Config, len(wssPorts))
	for id, port := range wssPorts {
		configs[id] = Config{
			SIPServer: SIPServer{
				WSURL:         fmt.Sprintf("wss://%s:%d", domain, port),
				Domain:        domain,
				OutboundProxy: domain,
				Port:          port,
			},
			ICEServers: []ICEServer{{
				URLs:       fmt.Sprintf("stun:stun.%s:3478", domain),
				Username:   id + "_stun_user",
				Credential: id + "_stun_pass",
			}},
			Media: MediaConfig{
				Audio: AudioConfig{
					Enabled:  true,
					Codecs:   []string{"PCMU", "PCMA", "opus"},
					DTMFType: "info",
				},
				Video: VideoConfig{Enabled: false},
			},
			Security: SecurityConfig{
				Secure:                true,
				VerifyPeerCertificate: true,
				DTLSEnabled:           true,
			},
		}
	}
	return &Registry{configs: configs}
}

// Get returns the configuration for a provider id (case-insensitive).
func (r *Registry) Get(id string) (Config, error) {
	cfg, ok := r.configs[strings.ToLower(id)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return cfg, nil
}

// Known reports whether a provider id has a configuration.
func (r *Registry) Known(id string) bool {
	_, ok := r.configs[strings.ToLower(id)]
	return ok
}

// IDs lists the configured provider ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.configs))
	for id := range r.configs {
		out = append(out, id)
	}
	return out
}
