package discovery

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/peertransport/interfaces"
	"github.com/opd-ai/peertransport/limits"
	"github.com/opd-ai/peertransport/transport"
	"github.com/sirupsen/logrus"
)

// Options configures the discovery layer.
type Options struct {
	// HandleReuseDelay is how long a departed participant's handle stays
	// reserved before the owner may hand it to someone else.
	HandleReuseDelay time.Duration
	// TimeProvider drives the reuse delay. Nil uses the system clock.
	TimeProvider transport.TimeProvider
}

// DefaultOptions returns the defaults used when New is given nil options.
func DefaultOptions() *Options {
	return &Options{
		HandleReuseDelay: 10 * time.Second,
	}
}

type reservation struct {
	user  transport.UserID
	since time.Time
}

// Peers is the lowest PeerTransport layer. It resolves session participants
// into stable handles using the owner-allocates protocol over session data
// and moves datagrams through a transport.Link addressed by user id.
type Peers struct {
	session interfaces.Session
	link    transport.Link
	opts    Options
	clock   transport.TimeProvider

	self     transport.PeerHandle
	byUser   map[transport.UserID]transport.PeerHandle
	byHandle map[transport.PeerHandle]transport.UserID
	reserved map[transport.PeerHandle]reservation
	refused  map[transport.UserID]bool
	peers    []transport.PeerInfo
	name     string
	buf      []byte
	held     *heldDatagram

	primary       transport.PeerHandle
	state         transport.ConnectionState
	connPublished bool

	err    error
	closed bool
}

// heldDatagram is a received datagram that did not fit the caller's buffer.
type heldDatagram struct {
	from transport.PeerHandle
	data []byte
}

// New creates the discovery layer on top of session and link.
func New(session interfaces.Session, link transport.Link, opts *Options) *Peers {
	if opts == nil {
		opts = DefaultOptions()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "discovery.New",
		"local_user": session.LocalUser(),
		"reuse":      opts.HandleReuseDelay,
	}).Debug("Creating discovery layer")

	return &Peers{
		session:  session,
		link:     link,
		opts:     *opts,
		clock:    transport.TimeProviderOrDefault(opts.TimeProvider),
		byUser:   make(map[transport.UserID]transport.PeerHandle),
		byHandle: make(map[transport.PeerHandle]transport.UserID),
		reserved: make(map[transport.PeerHandle]reservation),
		refused:  make(map[transport.UserID]bool),
		buf:      make([]byte, limits.MaxDatagram),
	}
}

// Update implements transport.PeerTransport. The owner allocates missing
// handles; every node then reads the published assignments and rebuilds its
// peer snapshot.
func (p *Peers) Update() error {
	if p.closed {
		return transport.ErrClosed
	}
	if p.err != nil {
		return p.err
	}

	local := p.session.LocalUser()
	members := p.session.Members()
	live := make(map[transport.UserID]interfaces.Member, len(members))
	for _, m := range members {
		live[m.ID] = m
	}
	if _, ok := live[local]; !ok {
		p.err = fmt.Errorf("%w: %v", transport.ErrClosed, interfaces.ErrNotMember)
		logrus.WithFields(logrus.Fields{
			"function":   "Update",
			"local_user": local,
		}).Error("Local user left the session")
		return p.err
	}
	p.name = live[local].Name

	p.prune(live)
	p.expireReservations()

	if p.session.Owner() == local {
		p.allocate(members)
	}
	p.resolve(members)
	p.rebuild(members)
	return nil
}

// prune drops assignments of departed participants and reserves their
// handles so in-flight packets drain before reuse.
func (p *Peers) prune(live map[transport.UserID]interfaces.Member) {
	now := p.clock.Now()
	for user, h := range p.byUser {
		if _, ok := live[user]; ok {
			continue
		}
		delete(p.byUser, user)
		delete(p.byHandle, h)
		delete(p.refused, user)
		p.reserved[h] = reservation{user: user, since: now}

		logrus.WithFields(logrus.Fields{
			"function": "prune",
			"user":     user,
			"handle":   h,
		}).Info("Participant left, handle reserved")
	}
}

func (p *Peers) expireReservations() {
	now := p.clock.Now()
	for h, r := range p.reserved {
		if now.Sub(r.since) >= p.opts.HandleReuseDelay {
			delete(p.reserved, h)
			logrus.WithFields(logrus.Fields{
				"function": "expireReservations",
				"handle":   h,
				"user":     r.user,
			}).Debug("Handle reservation expired")
		}
	}
}

// allocate runs on the owner only. Participants keep a published handle as
// long as no other live participant claims it, which covers reconnects and
// ownership migration; everyone else gets the lowest handle that is neither
// claimed nor reserved.
func (p *Peers) allocate(members []interfaces.Member) {
	local := p.session.LocalUser()
	claimed := make(map[transport.PeerHandle]transport.UserID)
	var missing []interfaces.Member

	// Established assignments win conflicts over freshly read ones.
	for _, m := range members {
		if h, ok := p.byUser[m.ID]; ok {
			if published, ok := p.published(m.ID); ok && published == h {
				claimed[h] = m.ID
			}
		}
	}
	for _, m := range members {
		if h, ok := p.published(m.ID); ok {
			holder, taken := claimed[h]
			if taken && holder == m.ID {
				continue
			}
			if !taken {
				claimed[h] = m.ID
				continue
			}
		}
		if m.ID == local {
			missing = append([]interfaces.Member{m}, missing...)
		} else {
			missing = append(missing, m)
		}
	}

	for _, m := range missing {
		h := p.lowestFree(claimed)
		if h == transport.InvalidHandle {
			logrus.WithFields(logrus.Fields{
				"function": "allocate",
				"user":     m.ID,
			}).Warn("No free peer handle left")
			return
		}
		if err := p.session.SetData(IDKey(m.ID), formatHandle(h)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "allocate",
				"user":     m.ID,
				"error":    err.Error(),
			}).Warn("Failed to publish peer handle")
			return
		}
		claimed[h] = m.ID

		logrus.WithFields(logrus.Fields{
			"function": "allocate",
			"user":     m.ID,
			"name":     m.Name,
			"handle":   h,
		}).Info("Assigned peer handle")
	}
}

func (p *Peers) published(user transport.UserID) (transport.PeerHandle, bool) {
	v, ok := p.session.Data(IDKey(user))
	if !ok {
		return transport.InvalidHandle, false
	}
	return parseHandle(v)
}

func (p *Peers) lowestFree(claimed map[transport.PeerHandle]transport.UserID) transport.PeerHandle {
	for h := int(transport.MinHandle); h <= int(transport.MaxHandle); h++ {
		handle := transport.PeerHandle(h)
		if _, used := claimed[handle]; used {
			continue
		}
		if _, held := p.reserved[handle]; held {
			continue
		}
		return handle
	}
	return transport.InvalidHandle
}

// resolve reads every participant's published handle. A participant whose
// key is not readable yet is simply not addressable.
func (p *Peers) resolve(members []interfaces.Member) {
	for _, m := range members {
		h, ok := p.published(m.ID)
		if !ok {
			continue
		}
		if current, known := p.byUser[m.ID]; known && current == h {
			continue
		}
		if other, taken := p.byHandle[h]; taken && other != m.ID {
			// A stale key, e.g. a reconnect after the handle was reused.
			// The holder keeps it until the owner republishes.
			if still, ok := p.published(other); ok && still == h {
				logrus.WithFields(logrus.Fields{
					"function": "resolve",
					"handle":   h,
					"holder":   other,
					"user":     m.ID,
				}).Debug("Published handle still held by another participant")
				continue
			}
			delete(p.byUser, other)
		}
		if old, known := p.byUser[m.ID]; known {
			delete(p.byHandle, old)
		}
		p.byUser[m.ID] = h
		p.byHandle[h] = m.ID
		delete(p.reserved, h)

		logrus.WithFields(logrus.Fields{
			"function": "resolve",
			"user":     m.ID,
			"name":     m.Name,
			"handle":   h,
		}).Debug("Resolved peer handle")
	}

	if h, ok := p.byUser[p.session.LocalUser()]; ok {
		p.self = h
	} else {
		p.self = transport.InvalidHandle
	}
}

func (p *Peers) rebuild(members []interfaces.Member) {
	local := p.session.LocalUser()
	peers := p.peers[:0]
	for _, m := range members {
		h, ok := p.byUser[m.ID]
		if !ok || m.ID == local {
			continue
		}
		info := transport.PeerInfo{
			Handle: h,
			Name:   m.Name,
			Direct: !p.refused[m.ID],
			Alive:  true,
		}
		if v, ok := p.session.MemberData(m.ID, statusKey); ok {
			info.Status = parseStatus(v)
		}
		if v, ok := p.session.MemberData(m.ID, connKey); ok {
			info.ConnectionState = parseConnectionState(v)
		}
		peers = append(peers, info)
	}
	p.peers = peers
}

// Peers implements transport.PeerTransport.
func (p *Peers) Peers() []transport.PeerInfo {
	out := make([]transport.PeerInfo, len(p.peers))
	copy(out, p.peers)
	return out
}

// Send implements transport.PeerTransport. The reliable hint is ignored.
func (p *Peers) Send(to transport.PeerHandle, data []byte, reliable bool) error {
	if p.closed {
		return transport.ErrClosed
	}
	user, ok := p.byHandle[to]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return err
	}

	if err := p.link.SendTo(user, data); err != nil {
		p.refused[user] = true
		return fmt.Errorf("send to %s: %w", to, err)
	}
	delete(p.refused, user)
	return nil
}

// Receive implements transport.PeerTransport. Datagrams from participants
// without a resolved handle are dropped. A datagram larger than buf is kept
// and io.ErrShortBuffer returned; the next call with a large enough buffer
// delivers it.
func (p *Peers) Receive(buf []byte) (int, transport.PeerHandle, error) {
	if p.closed {
		return 0, transport.InvalidHandle, transport.ErrClosed
	}
	if p.held != nil {
		return p.deliver(buf, p.held.from, p.held.data)
	}
	for {
		n, user, err := p.link.ReceiveFrom(p.buf)
		if errors.Is(err, io.ErrShortBuffer) {
			return 0, p.byUser[user], err
		}
		if err != nil {
			p.err = err
			return 0, transport.InvalidHandle, err
		}
		if n == 0 {
			return 0, transport.InvalidHandle, nil
		}
		h, ok := p.byUser[user]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Receive",
				"user":     user,
				"size":     n,
			}).Debug("Dropping datagram from unresolved participant")
			continue
		}
		return p.deliver(buf, h, p.buf[:n])
	}
}

func (p *Peers) deliver(buf []byte, from transport.PeerHandle, data []byte) (int, transport.PeerHandle, error) {
	if len(data) > len(buf) {
		if p.held == nil {
			p.held = &heldDatagram{from: from, data: append([]byte(nil), data...)}
		}
		return 0, from, io.ErrShortBuffer
	}
	p.held = nil
	return copy(buf, data), from, nil
}

// PrimaryPeer implements transport.PeerTransport. Without an explicit
// override the session owner is the primary peer.
func (p *Peers) PrimaryPeer() transport.PeerHandle {
	if _, ok := p.byHandle[p.primary]; ok {
		return p.primary
	}
	return p.byUser[p.session.Owner()]
}

// SetPrimaryPeer implements transport.PeerTransport.
func (p *Peers) SetPrimaryPeer(h transport.PeerHandle) {
	p.primary = h
}

// Handle implements transport.PeerTransport.
func (p *Peers) Handle() transport.PeerHandle {
	return p.self
}

// Name implements transport.PeerTransport.
func (p *Peers) Name() string {
	return p.name
}

// SetConnectionState implements transport.PeerTransport by publishing the
// bitmask in the local member data whenever it changes.
func (p *Peers) SetConnectionState(state transport.ConnectionState) {
	if p.connPublished && state == p.state {
		return
	}
	if err := p.session.SetMemberData(connKey, formatConnectionState(state)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetConnectionState",
			"error":    err.Error(),
		}).Warn("Failed to publish connection state")
		return
	}
	p.state = state
	p.connPublished = true
}

// SetStatus publishes the application status byte.
func (p *Peers) SetStatus(status uint8) error {
	return p.session.SetMemberData(statusKey, formatStatus(status))
}

// User returns the session user id behind h.
func (p *Peers) User(h transport.PeerHandle) (transport.UserID, bool) {
	user, ok := p.byHandle[h]
	return user, ok
}

// Close implements transport.PeerTransport.
func (p *Peers) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.link.Close()
}
