package reliable

import "time"

// historySize is how many received sequence numbers are kept per peer for
// duplicate detection.
const historySize = 16

// retransmitRecord is one unacknowledged reliable send.
type retransmitRecord struct {
	seq        uint8
	sentAt     time.Time
	lastResend time.Time
	resent     bool
	resends    int
	size       int
	datagram   []byte
}

// peerControl is the per-peer reliability state. Sequence numbers wrap
// modulo 256; duplicates are detected by membership in the recent history,
// never by ordering comparisons.
type peerControl struct {
	outSeq     uint8
	history    [historySize]uint8
	historyLen int
	historyPos int
	alive      bool
	faulty     bool
	pending    []*retransmitRecord
}

func newPeerControl() *peerControl {
	return &peerControl{alive: true}
}

func (c *peerControl) next() uint8 {
	c.outSeq++
	return c.outSeq
}

func (c *peerControl) seen(seq uint8) bool {
	for i := 0; i < c.historyLen; i++ {
		if c.history[i] == seq {
			return true
		}
	}
	return false
}

func (c *peerControl) remember(seq uint8) {
	c.history[c.historyPos] = seq
	c.historyPos = (c.historyPos + 1) % historySize
	if c.historyLen < historySize {
		c.historyLen++
	}
}

// acknowledge drops the pending record for seq and reports whether one was
// found.
func (c *peerControl) acknowledge(seq uint8) bool {
	for i, rec := range c.pending {
		if rec.seq == seq {
			copy(c.pending[i:], c.pending[i+1:])
			c.pending[len(c.pending)-1] = nil
			c.pending = c.pending[:len(c.pending)-1]
			return true
		}
	}
	return false
}
