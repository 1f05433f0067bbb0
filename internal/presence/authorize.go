package presence

import (
	"errors"
	"fmt"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
)

// ErrNotAuthorizedForChannel is returned when a principal may not join or
// publish to a channel.
var ErrNotAuthorizedForChannel = errors.New("not authorized for channel")

// Authorize decides whether p may use ch, based only on the roles and
// memberships carried by p. Callers pass a freshly resolved principal.
//
// Authorization is checked when joining and again by the router on every
// broadcast. A revoked membership therefore blocks new joins and stops
// delivery, but does not remove joins made before the revocation.
// TODO(product): decide whether revocation should also evict existing joins.
func Authorize(p *identity.Principal, ch ChannelID) error {
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotAuthorizedForChannel, ch)
	}

	allowed := false
	switch ch.Kind() {
	case KindDirect:
		a, b, ok := ch.Parties()
		allowed = ok && (p.ID == a || p.ID == b)
	case KindOrg:
		allowed = p.IsMemberOf(ch.Scope()) || p.HasRole(identity.RoleSuperAdmin)
	case KindRole:
		allowed = p.HasRole(ch.Scope()) || p.HasRole(identity.RoleSuperAdmin)
	case KindTopic:
		allowed = true
	}

	if !allowed {
		return fmt.Errorf("%w: %s", ErrNotAuthorizedForChannel, ch)
	}
	return nil
}
