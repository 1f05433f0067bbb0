package presence

import (
	"errors"
	"fmt"
	"strings"
)

// ChannelKind is the address space a channel belongs to.
type ChannelKind string

const (
	KindDirect ChannelKind = "direct"
	KindOrg    ChannelKind = "org"
	KindRole   ChannelKind = "role"
	KindTopic  ChannelKind = "topic"
)

const maxChannelLen = 256

// ErrInvalidChannel is returned by ParseChannel for malformed ids.
var ErrInvalidChannel = errors.New("invalid channel id")

// ChannelID names a delivery scope:
//
//	direct:<a>:<b>  a pair of principals, a < b
//	org:<orgID>     members of an organization
//	role:<role>     holders of a role
//	topic:<name>    any authenticated principal
type ChannelID string

// DirectChannel returns the canonical direct channel for a pair of
// principals. The order of a and b does not matter.
func DirectChannel(a, b string) ChannelID {
	if b < a {
		a, b = b, a
	}
	return ChannelID(string(KindDirect) + ":" + a + ":" + b)
}

func OrgChannel(orgID string) ChannelID  { return ChannelID(string(KindOrg) + ":" + orgID) }
func RoleChannel(role string) ChannelID  { return ChannelID(string(KindRole) + ":" + role) }
func TopicChannel(name string) ChannelID { return ChannelID(string(KindTopic) + ":" + name) }

// ParseChannel validates s and returns it in canonical form. Direct channels
// with their parties out of order are reordered.
func ParseChannel(s string) (ChannelID, error) {
	if s == "" || len(s) > maxChannelLen || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}

	switch ChannelKind(kind) {
	case KindDirect:
		a, b, ok := strings.Cut(rest, ":")
		if !ok || a == "" || b == "" || strings.Contains(b, ":") {
			return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		return DirectChannel(a, b), nil
	case KindOrg, KindRole, KindTopic:
		if strings.Contains(rest, ":") {
			return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		return ChannelID(s), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, kind)
	}
}

// Kind returns the channel's address space.
func (c ChannelID) Kind() ChannelKind {
	kind, _, _ := strings.Cut(string(c), ":")
	return ChannelKind(kind)
}

// Scope returns everything after the kind prefix.
func (c ChannelID) Scope() string {
	_, rest, _ := strings.Cut(string(c), ":")
	return rest
}

// Parties returns the two principals of a direct channel.
func (c ChannelID) Parties() (a, b string, ok bool) {
	if c.Kind() != KindDirect {
		return "", "", false
	}
	return strings.Cut(c.Scope(), ":")
}

// IsBroadcast reports whether c fans out to a group rather than a pair.
func (c ChannelID) IsBroadcast() bool {
	return c.Kind() != KindDirect
}

func (c ChannelID) String() string { return string(c) }
