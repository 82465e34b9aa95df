// internal/discovery/scope.go
package discovery

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/arkenar/internal/config"
)

// ScopeManager decides whether a discovered URL belongs to the engagement
// that started from a seed target.
type ScopeManager struct {
	mode       string
	host       string
	rootDomain string
}

// NewScopeManager builds the scope for seed. Mode is one of the config
// scope modes; the empty mode accepts every URL with a host.
func NewScopeManager(mode, seed string) (*ScopeManager, error) {
	s := &ScopeManager{mode: mode}
	if mode == config.ScopeOff {
		return s, nil
	}

	u, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL %q: %w", seed, err)
	}
	s.host = strings.ToLower(u.Hostname())
	if s.host == "" {
		return nil, fmt.Errorf("seed URL must have a hostname: %s", seed)
	}

	switch mode {
	case config.ScopeHost:
	case config.ScopeDomain:
		// eTLD+1 handles hosts like example.co.uk; IP literals and single
		// label hosts fall back to an exact match.
		s.rootDomain = s.host
		if net.ParseIP(s.host) == nil {
			if domain, err := publicsuffix.EffectiveTLDPlusOne(s.host); err == nil {
				s.rootDomain = domain
			}
		}
	default:
		return nil, fmt.Errorf("unknown scope mode %q", mode)
	}
	return s, nil
}

// IsInScope checks a parsed URL against the scope.
func (s *ScopeManager) IsInScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	switch s.mode {
	case config.ScopeHost:
		return host == s.host
	case config.ScopeDomain:
		// The dot prefix keeps notexample.com out of example.com.
		return host == s.rootDomain || strings.HasSuffix(host, "."+s.rootDomain)
	default:
		return true
	}
}

// Allows parses raw and checks it. Unparsable URLs are never in scope.
func (s *ScopeManager) Allows(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return s.IsInScope(u)
}

// RootDomain returns the eTLD+1 in domain mode, the seed host in host mode
// and "" when scoping is off.
func (s *ScopeManager) RootDomain() string {
	if s.mode == config.ScopeDomain {
		return s.rootDomain
	}
	return s.host
}
