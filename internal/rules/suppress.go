package rules

import (
	"net/netip"
	"strings"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

// Suppressor drops service accounts and known scanners before analysis.
type Suppressor struct {
	users    map[string]struct{}
	ips      map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

func NewSuppressor(cfg config.SuppressConfig) *Suppressor {
	s := &Suppressor{users: buildSet(cfg.Users)}
	for _, raw := range cfg.IPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			if p, err := netip.ParsePrefix(raw); err == nil {
				s.prefixes = append(s.prefixes, p.Masked())
			}
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			if s.ips == nil {
				s.ips = make(map[netip.Addr]struct{})
			}
			s.ips[addr.Unmap()] = struct{}{}
		}
	}
	return s
}

func buildSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (s *Suppressor) Suppressed(ev model.LogEvent) bool {
	if s == nil {
		return false
	}
	if s.users != nil {
		if _, ok := s.users[ev.UserID]; ok {
			return true
		}
	}
	if s.ips == nil && len(s.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ev.IPAddress)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if _, ok := s.ips[addr]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Filter returns the events that are not suppressed, keeping order.
func (s *Suppressor) Filter(events []model.LogEvent) ([]model.LogEvent, int) {
	if s == nil || (s.users == nil && s.ips == nil && len(s.prefixes) == 0) {
		return events, 0
	}
	out := make([]model.LogEvent, 0, len(events))
	dropped := 0
	for _, ev := range events {
		if s.Suppressed(ev) {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped
}
