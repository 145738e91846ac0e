package request

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrUnsafeScheme is returned by ValidateURL for non-HTTP(S) URLs.
	ErrUnsafeScheme = errors.New("request: only http and https schemes are allowed")
	// ErrPrivateAddress is returned by ValidateURL for URLs that reach a
	// loopback, link-local or private address.
	ErrPrivateAddress = errors.New("request: URL targets a private or loopback address")
)

// ValidateURL rejects URLs a session exposed to untrusted callers must not
// fetch. Hostnames are resolved; every address must be public. A failed
// lookup is let through: the fetch fails on its own.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("request: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("request: URL %q has no host", raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateAddress
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
