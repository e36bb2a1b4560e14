package client

import (
	"fmt"
	"net/url"
)

// SocketURL turns an HTTP origin into the socket URL of the same host:
// http becomes ws and https becomes wss. A non-empty path replaces the
// origin's path.
func SocketURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	if path != "" {
		u.Path = path
	}
	return u.String(), nil
}
