// Package config holds the client and server configuration types.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Client stores all parameters gathered from zmes CLI flags and prompts.
type Client struct {
	ServerURL   string // base URL of the zmesd server, e.g. http://localhost:8090
	UserID      string
	DisplayName string
	FakeMedia   bool // use the synthetic media device instead of camera/microphone
	Debug       bool
}

// Server stores the zmesd listener parameters.
type Server struct {
	Addr    string // listen address, e.g. :8090
	DataDir string // directory holding the sqlite database
	Debug   bool
}

// SignalURL derives the WebSocket signaling endpoint from ServerURL,
// carrying the user's identity as query parameters.
func (c Client) SignalURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", c.ServerURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	q := url.Values{}
	q.Set("user", c.UserID)
	q.Set("name", c.DisplayName)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HTTPURL derives the REST base URL (user directory) from ServerURL.
func (c Client) HTTPURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", c.ServerURL)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	default:
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""

	return u.String(), nil
}
