package policy

import (
	"strings"
)

// Endpoint tags a protected action.
type Endpoint string

const (
	EndpointChatbot Endpoint = "chatbot"
	EndpointTTS     Endpoint = "tts"
	EndpointGeneral Endpoint = "general"
)

// Endpoints lists every endpoint tag in table order.
var Endpoints = []Endpoint{EndpointChatbot, EndpointTTS, EndpointGeneral}

func ParseEndpoint(s string) (Endpoint, bool) {
	e := Endpoint(strings.ToLower(strings.TrimSpace(s)))
	return e, e.Valid()
}

func (e Endpoint) Valid() bool {
	switch e {
	case EndpointChatbot, EndpointTTS, EndpointGeneral:
		return true
	}
	return false
}

func (e Endpoint) String() string { return string(e) }

// Role is a caller tier. Tags that are not one of the declared roles are
// still representable so that a denial can echo what the caller sent.
type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleUser            Role = "user"
	RoleSupporter       Role = "supporter"
	RoleAdmin           Role = "admin"
)

// Roles lists every declared role in table order.
var Roles = []Role{RoleUnauthenticated, RoleUser, RoleSupporter, RoleAdmin}

// ParseRole maps a tag onto a declared role, case-insensitively. On a miss
// it returns the trimmed tag unchanged and false.
func ParseRole(s string) (Role, bool) {
	t := strings.TrimSpace(s)
	r := Role(strings.ToLower(t))
	if r.Known() {
		return r, true
	}
	return Role(t), false
}

func (r Role) Known() bool {
	switch r {
	case RoleUnauthenticated, RoleUser, RoleSupporter, RoleAdmin:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }
