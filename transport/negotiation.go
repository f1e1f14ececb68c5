package transport

import "github.com/opd-ai/meshdht/nodeid"

// Role distinguishes the two sides of a perfect-negotiation glare
// resolution (spec.md §4.5): the polite side yields its own in-flight
// offer in favor of the remote's; the impolite side ignores the
// remote's and proceeds with its own.
type Role int

const (
	RolePolite Role = iota
	RoleImpolite
)

// NegotiationRole deterministically assigns polite/impolite roles to
// both ends of a connection attempt from the lexicographic order of
// their node ids alone, so both sides compute the same outcome without
// any additional coordination (spec.md §4.5).
func NegotiationRole(local, remote nodeid.ID) Role {
	if local.IsPolite(remote) {
		return RolePolite
	}
	return RoleImpolite
}
