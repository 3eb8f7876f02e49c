package interfaces

import (
	"errors"

	"github.com/opd-ai/peertransport/transport"
)

var (
	// ErrNotOwner indicates a session-wide write from a non-owner.
	ErrNotOwner = errors.New("not the session owner")
	// ErrNotMember indicates the local user is no longer in the session.
	ErrNotMember = errors.New("not a session member")
)

// Member is one participant as reported by the session service.
type Member struct {
	ID   transport.UserID
	Name string
}

// Session is the lobby/session service the discovery layer consumes. It
// provides the participant list, the current owner, and two small key/value
// stores: session-wide data only the owner may write, and per-member data
// each participant writes for itself.
//
// Writes to a single key must be observed by every participant in the order
// they were made. The discovery layer relies on this to avoid handing out
// duplicate handles while ownership migrates.
type Session interface {
	// LocalUser returns the id of the participant this view belongs to.
	LocalUser() transport.UserID

	// Owner returns the current session owner.
	Owner() transport.UserID

	// Members returns the live participant list.
	Members() []Member

	// Data reads a session-wide key.
	Data(key string) (string, bool)

	// SetData writes a session-wide key. Only the owner may write.
	SetData(key, value string) error

	// MemberData reads a key from a participant's own metadata.
	MemberData(user transport.UserID, key string) (string, bool)

	// SetMemberData writes a key into the local participant's metadata.
	SetMemberData(key, value string) error
}
