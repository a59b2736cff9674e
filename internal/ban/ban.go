// Package ban tracks IP bans, platform-wide and per group, with lazy expiry.
package ban

import (
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"time"

	"ephemera/server/internal/clock"
)

// Global is the platform-wide scope. Any other Scope value is a group id.
const Global Scope = ""

// Scope selects the ban table: Global, or a group id.
type Scope string

// Ban is one active ban. A zero Until means indefinite.
type Ban struct {
	IP        string
	Scope     Scope
	Until     time.Time
	Reason    string
	CreatedAt time.Time
}

// Permanent reports whether b never expires.
func (b Ban) Permanent() bool { return b.Until.IsZero() }

// Registry stores bans keyed by scope and normalized IP.
//
// Registry is not safe for concurrent use; it is owned by core.Relay.
type Registry struct {
	clock  clock.Clock
	scopes map[Scope]map[string]Ban
}

// NewRegistry returns an empty registry.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{clock: c, scopes: make(map[Scope]map[string]Ban)}
}

// NormalizeIP strips the IPv4-mapped IPv6 prefix and zones so one client
// always maps to one key.
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return addr.Unmap().WithZone("").String()
}

// Check returns the ban on ip in scope, if any. An expired entry is
// deleted and reported as not banned.
func (r *Registry) Check(scope Scope, ip string) (Ban, bool) {
	ip = NormalizeIP(ip)
	table := r.scopes[scope]
	b, ok := table[ip]
	if !ok {
		return Ban{}, false
	}
	if r.expired(b) {
		delete(table, ip)
		r.dropEmpty(scope)
		slog.Debug("ban expired", "ip", ip, "scope", string(scope))
		return Ban{}, false
	}
	return b, true
}

// Ban records a ban. minutes <= 0 bans indefinitely. An existing ban on
// the same ip and scope is replaced.
func (r *Registry) Ban(scope Scope, ip string, minutes int, reason string) Ban {
	now := r.clock.Now()
	b := Ban{
		IP:        NormalizeIP(ip),
		Scope:     scope,
		Reason:    reason,
		CreatedAt: now,
	}
	if minutes > 0 {
		b.Until = now.Add(time.Duration(minutes) * time.Minute)
	}
	table, ok := r.scopes[scope]
	if !ok {
		table = make(map[string]Ban)
		r.scopes[scope] = table
	}
	table[b.IP] = b

	slog.Info("ip banned", "ip", b.IP, "scope", string(scope), "minutes", minutes, "reason", reason)
	return b
}

// Unban removes a ban and reports whether one existed.
func (r *Registry) Unban(scope Scope, ip string) bool {
	ip = NormalizeIP(ip)
	table := r.scopes[scope]
	if _, ok := table[ip]; !ok {
		return false
	}
	delete(table, ip)
	r.dropEmpty(scope)
	slog.Info("ip unbanned", "ip", ip, "scope", string(scope))
	return true
}

// Active lists unexpired bans in scope ordered by IP, deleting expired
// entries on the way.
func (r *Registry) Active(scope Scope) []Ban {
	table := r.scopes[scope]
	out := make([]Ban, 0, len(table))
	for ip, b := range table {
		if r.expired(b) {
			delete(table, ip)
			continue
		}
		out = append(out, b)
	}
	r.dropEmpty(scope)
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Scopes returns every scope holding at least one entry, Global first.
func (r *Registry) Scopes() []Scope {
	out := make([]Scope, 0, len(r.scopes))
	for s := range r.scopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropScope forgets every ban of a group. Called when the group is
// destroyed.
func (r *Registry) DropScope(scope Scope) {
	if scope == Global {
		return
	}
	delete(r.scopes, scope)
}

func (r *Registry) expired(b Ban) bool {
	return !b.Permanent() && !r.clock.Now().Before(b.Until)
}

func (r *Registry) dropEmpty(scope Scope) {
	if t, ok := r.scopes[scope]; ok && len(t) == 0 {
		delete(r.scopes, scope)
	}
}
