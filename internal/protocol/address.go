package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

const channelPathPattern = "/api/orders/%s/ws"

// ChannelPath returns the push channel path for an order.
func ChannelPath(orderID OrderID) string {
	return fmt.Sprintf(channelPathPattern, url.PathEscape(orderID.String()))
}

// ChannelURL builds the websocket address for an order and identity. Plain
// http(s) bases are mapped onto ws(s).
func ChannelURL(base string, orderID OrderID, identity Identity) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("protocol: parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("protocol: unsupported base url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("protocol: base url %q has no host", base)
	}

	rawPath := strings.TrimRight(parsed.EscapedPath(), "/") + ChannelPath(orderID)
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return "", fmt.Errorf("protocol: channel path: %w", err)
	}
	parsed.Path = path
	parsed.RawPath = rawPath

	query := url.Values{}
	query.Set("user_id", identity.ID)
	query.Set("user_name", identity.Name)
	query.Set("role", identity.Role)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
