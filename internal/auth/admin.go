package auth

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned by Login for a wrong or unconfigured
// password.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Admin guards the admin routes: a source allowlist that always applies and
// an optional password login that issues session tokens.
type Admin struct {
	allow        []netip.Prefix
	passwordHash string
	jwt          *JWTManager
}

// NewAdmin builds the admin guard. An empty allow list admits every source.
// An empty passwordHash disables login; the allowlist alone then protects the
// admin routes.
func NewAdmin(allow []netip.Prefix, passwordHash string, jwt *JWTManager) *Admin {
	return &Admin{allow: allow, passwordHash: passwordHash, jwt: jwt}
}

// ParseCIDRs parses a comma-separated list of CIDR prefixes or bare
// addresses ("192.168.8.0/24,127.0.0.1").
func ParseCIDRs(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			addr, err := netip.ParseAddr(item)
			if err != nil {
				return nil, fmt.Errorf("auth: parse allowlist entry %q: %w", item, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, fmt.Errorf("auth: parse allowlist entry %q: %w", item, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// Allowed reports whether remoteAddr ("host:port" or a bare address) may
// reach the admin routes.
func (a *Admin) Allowed(remoteAddr string) bool {
	if len(a.allow) == 0 {
		return true
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LoginEnabled reports whether password login is configured.
func (a *Admin) LoginEnabled() bool { return a.passwordHash != "" && a.jwt != nil }

// Login checks password and returns a session token.
func (a *Admin) Login(password string) (string, time.Time, error) {
	if !a.LoginEnabled() {
		DummyVerify()
		return "", time.Time{}, ErrInvalidCredentials
	}
	ok, err := VerifyPassword(password, a.passwordHash)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.jwt.IssueToken(RoleAdmin)
}

// Authenticate validates a session token. When login is disabled every
// caller that passed the allowlist is accepted.
func (a *Admin) Authenticate(token string) (*Claims, error) {
	if !a.LoginEnabled() {
		return &Claims{Role: RoleAdmin}, nil
	}
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims, nil
}
