package rules

import (
	"net/netip"
	"strings"
	"time"

	"threatwatch/internal/model"
)

// ipHistory walks a user's events in order and answers whether a successful
// login comes from an address the user has not logged in from before. Only
// successful logins build the baseline, so failed attempts from an attacker's
// address do not make it known. The first successful login of a user has no
// baseline and is never new.
type ipHistory struct {
	seen map[string]struct{}
}

func newIPHistory() *ipHistory {
	return &ipHistory{seen: make(map[string]struct{})}
}

func (h *ipHistory) observe(ev model.LogEvent) bool {
	if ev.Action != model.ActionLoginSuccess {
		return false
	}
	_, known := h.seen[ev.IPAddress]
	baseline := len(h.seen) > 0
	h.seen[ev.IPAddress] = struct{}{}
	return baseline && !known
}

// hourRange is a span of local hours [start, end), wrapping midnight when
// start > end.
type hourRange struct {
	start int
	end   int
	loc   *time.Location
}

func (r hourRange) contains(ts time.Time) bool {
	h := ts.In(r.loc).Hour()
	if r.start < r.end {
		return h >= r.start && h < r.end
	}
	return h >= r.start || h < r.end
}

type networkSet struct {
	prefixes []netip.Prefix
}

func newNetworkSet(cidrs []string) networkSet {
	var ns networkSet
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(c)); err == nil {
			ns.prefixes = append(ns.prefixes, p.Masked())
		}
	}
	return ns
}

// contains treats an empty set as containing every address.
func (n networkSet) contains(ip string) bool {
	if len(n.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range n.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
