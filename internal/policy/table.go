package policy

import (
	"errors"
	"fmt"
	"time"
)

// Policy is either a quota per sliding window or Unlimited.
type Policy struct {
	Quota     int64
	Window    time.Duration
	Unlimited bool
}

func Limit(quota int64, window time.Duration) Policy {
	return Policy{Quota: quota, Window: window}
}

// Unlimited always allows and never touches counters.
var Unlimited = Policy{Unlimited: true}

func (p Policy) String() string {
	if p.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d / %s", p.Quota, FormatWindow(p.Window))
}

type tableKey struct {
	endpoint Endpoint
	role     Role
}

// Table is the immutable (endpoint, role) -> Policy mapping. It is a
// partial function: a pair without an entry is denied.
type Table struct {
	entries map[tableKey]Policy
}

const day = 24 * time.Hour

// Default returns the built-in policy table.
func Default() *Table {
	return &Table{entries: map[tableKey]Policy{
		{EndpointChatbot, RoleUnauthenticated}: Limit(5, day),
		{EndpointChatbot, RoleUser}:            Limit(25, day),
		{EndpointChatbot, RoleSupporter}:       Limit(100, day),
		{EndpointChatbot, RoleAdmin}:           Unlimited,

		{EndpointTTS, RoleUnauthenticated}: Limit(3, day),
		{EndpointTTS, RoleUser}:            Limit(15, day),
		{EndpointTTS, RoleSupporter}:       Limit(60, day),
		{EndpointTTS, RoleAdmin}:           Unlimited,

		{EndpointGeneral, RoleUnauthenticated}: Limit(3, 10*time.Second),
		{EndpointGeneral, RoleUser}:            Limit(10, 10*time.Second),
		{EndpointGeneral, RoleSupporter}:       Limit(20, 10*time.Second),
		{EndpointGeneral, RoleAdmin}:           Unlimited,
	}}
}

// Lookup returns the policy for (endpoint, role); false means deny.
func (t *Table) Lookup(e Endpoint, r Role) (Policy, bool) {
	if t == nil {
		return Policy{}, false
	}
	p, ok := t.entries[tableKey{e, r}]
	return p, ok
}

// Override replaces or removes a single table entry.
type Override struct {
	Endpoint  string
	Role      string
	Quota     int64
	Window    string
	Unlimited bool
	Disabled  bool // remove the entry so the role is denied
}

var ErrInvalidOverride = errors.New("invalid policy override")

// With returns a copy of t with overrides applied. t is not modified.
func (t *Table) With(overrides ...Override) (*Table, error) {
	next := &Table{entries: make(map[tableKey]Policy, len(t.entries)+len(overrides))}
	for k, v := range t.entries {
		next.entries[k] = v
	}
	for i, o := range overrides {
		e, ok := ParseEndpoint(o.Endpoint)
		if !ok {
			return nil, fmt.Errorf("%w: [%d] unknown endpoint %q", ErrInvalidOverride, i, o.Endpoint)
		}
		r, ok := ParseRole(o.Role)
		if !ok {
			return nil, fmt.Errorf("%w: [%d] unknown role %q", ErrInvalidOverride, i, o.Role)
		}
		k := tableKey{e, r}
		switch {
		case o.Disabled:
			delete(next.entries, k)
		case o.Unlimited:
			next.entries[k] = Unlimited
		default:
			if o.Quota <= 0 {
				return nil, fmt.Errorf("%w: [%d] %s/%s quota must be > 0", ErrInvalidOverride, i, e, r)
			}
			w, err := ParseWindow(o.Window)
			if err != nil {
				return nil, fmt.Errorf("%w: [%d] %s/%s: %v", ErrInvalidOverride, i, e, r, err)
			}
			next.entries[k] = Limit(o.Quota, w)
		}
	}
	return next, nil
}

// Entry is one row of the table.
type Entry struct {
	Endpoint Endpoint
	Role     Role
	Policy   Policy
}

// Entries lists the table in endpoint then role order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range Endpoints {
		out = append(out, t.ForEndpoint(e)...)
	}
	return out
}

func (t *Table) ForEndpoint(e Endpoint) []Entry {
	var out []Entry
	for _, r := range Roles {
		if p, ok := t.entries[tableKey{e, r}]; ok {
			out = append(out, Entry{Endpoint: e, Role: r, Policy: p})
		}
	}
	return out
}
