package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeSTUNOnly = "stun-only"
	ICEModeTURNOnly = "turn-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// ICEConfig lists the rendezvous servers handed to clients.
type ICEConfig struct {
	Mode         string
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// ICEServer is one entry of a peer connection's ICE server list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func loadICE() ICEConfig {
	return ICEConfig{
		Mode:         strings.ToLower(strings.TrimSpace(os.Getenv("ICE_MODE"))),
		STUNURLs:     splitList(os.Getenv("STUN_URLS")),
		TURNURLs:     splitList(os.Getenv("TURN_URLS")),
		TURNUsername: strings.TrimSpace(os.Getenv("TURN_USERNAME")),
		TURNPassword: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
	}
}

func (c *ICEConfig) validate() []error {
	if c.Mode == "" {
		c.Mode = ICEModeSTUNTURN
	}
	switch c.Mode {
	case ICEModeSTUNTURN, ICEModeSTUNOnly:
		return nil
	case ICEModeTURNOnly:
		if len(c.TURNURLs) == 0 {
			return []error{fmt.Errorf("ICE_MODE=%s requires TURN_URLS", ICEModeTURNOnly)}
		}
		return nil
	default:
		return []error{fmt.Errorf("ICE_MODE must be one of stun-turn, stun-only, turn-only, got %q", c.Mode)}
	}
}

// Servers resolves the mode into the list clients should use.
func (c ICEConfig) Servers() []ICEServer {
	var servers []ICEServer
	if c.Mode != ICEModeTURNOnly {
		stun := c.STUNURLs
		if len(stun) == 0 {
			stun = defaultSTUN
		}
		servers = append(servers, ICEServer{URLs: stun})
	}
	if c.Mode != ICEModeSTUNOnly && len(c.TURNURLs) > 0 {
		servers = append(servers, ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, ICEServer{URLs: defaultSTUN})
	}
	return servers
}

// DefaultICEServers is the public STUN fallback used when nothing is configured.
func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: append([]string(nil), defaultSTUN...)}}
}
