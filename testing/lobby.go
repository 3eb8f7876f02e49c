package testing

import (
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/peertransport/interfaces"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Lobby is an in-memory session service. The earliest remaining joiner owns
// the lobby; ownership migrates when the owner leaves. Session-wide data
// survives members leaving, member data does not. All writes go through one
// mutex, which gives the per-key total order the discovery layer depends on.
type Lobby struct {
	mu         sync.Mutex
	id         uuid.UUID
	members    []interfaces.Member
	owner      transport.UserID
	data       map[string]string
	memberData map[transport.UserID]map[string]string
	writes     int
}

// NewLobby creates an empty lobby with a random id.
func NewLobby() *Lobby {
	l := &Lobby{
		id:         uuid.New(),
		data:       make(map[string]string),
		memberData: make(map[transport.UserID]map[string]string),
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewLobby",
		"lobby_id": l.id.String(),
	}).Debug("Created simulated lobby")

	return l
}

// ID returns the lobby id.
func (l *Lobby) ID() uuid.UUID {
	return l.id
}

// Join adds user to the lobby (or refreshes its name) and returns its view.
func (l *Lobby) Join(user transport.UserID, name string) *SessionView {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.indexLocked(user); i >= 0 {
		l.members[i].Name = name
	} else {
		l.members = append(l.members, interfaces.Member{ID: user, Name: name})
		l.memberData[user] = make(map[string]string)
	}
	if len(l.members) == 1 {
		l.owner = user
	}

	logrus.WithFields(logrus.Fields{
		"function": "Lobby.Join",
		"lobby_id": l.id.String(),
		"user":     user,
		"owner":    l.owner,
		"members":  len(l.members),
	}).Info("Member joined lobby")

	return &SessionView{lobby: l, user: user}
}

// Leave removes user. If it owned the lobby, the earliest remaining member
// becomes owner.
func (l *Lobby) Leave(user transport.UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(user)
	if i < 0 {
		return
	}
	l.members = append(l.members[:i], l.members[i+1:]...)
	delete(l.memberData, user)

	if l.owner == user {
		l.owner = 0
		if len(l.members) > 0 {
			l.owner = l.members[0].ID
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Lobby.Leave",
		"lobby_id": l.id.String(),
		"user":     user,
		"owner":    l.owner,
		"members":  len(l.members),
	}).Info("Member left lobby")
}

// SetOwner forces an ownership migration to user.
func (l *Lobby) SetOwner(user transport.UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(user) >= 0 {
		l.owner = user
	}
}

// Data reads a session-wide key without going through a member view.
func (l *Lobby) Data(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[key]
	return v, ok
}

// Writes returns how many successful writes the lobby has applied.
func (l *Lobby) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func (l *Lobby) indexLocked(user transport.UserID) int {
	for i, m := range l.members {
		if m.ID == user {
			return i
		}
	}
	return -1
}

// SessionView is one participant's interfaces.Session view of a Lobby.
type SessionView struct {
	lobby *Lobby
	user  transport.UserID
}

// LocalUser implements interfaces.Session.
func (s *SessionView) LocalUser() transport.UserID {
	return s.user
}

// Owner implements interfaces.Session.
func (s *SessionView) Owner() transport.UserID {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()
	return s.lobby.owner
}

// Members implements interfaces.Session.
func (s *SessionView) Members() []interfaces.Member {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()

	members := make([]interfaces.Member, len(s.lobby.members))
	copy(members, s.lobby.members)
	return members
}

// Data implements interfaces.Session.
func (s *SessionView) Data(key string) (string, bool) {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()
	v, ok := s.lobby.data[key]
	return v, ok
}

// SetData implements interfaces.Session.
func (s *SessionView) SetData(key, value string) error {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()

	if s.lobby.indexLocked(s.user) < 0 {
		return interfaces.ErrNotMember
	}
	if s.lobby.owner != s.user {
		return interfaces.ErrNotOwner
	}
	s.lobby.data[key] = value
	s.lobby.writes++
	return nil
}

// MemberData implements interfaces.Session.
func (s *SessionView) MemberData(user transport.UserID, key string) (string, bool) {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()
	v, ok := s.lobby.memberData[user][key]
	return v, ok
}

// SetMemberData implements interfaces.Session.
func (s *SessionView) SetMemberData(key, value string) error {
	s.lobby.mu.Lock()
	defer s.lobby.mu.Unlock()

	data, ok := s.lobby.memberData[s.user]
	if !ok {
		return interfaces.ErrNotMember
	}
	data[key] = value
	s.lobby.writes++
	return nil
}
