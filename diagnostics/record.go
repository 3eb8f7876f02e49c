package diagnostics

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/opd-ai/peertransport/transport"
)

// Kind identifies a recorded event.
type Kind uint8

const (
	// KindTopology records the peer list after it changed.
	KindTopology Kind = 0
	// KindReceived records a datagram returned by Receive.
	KindReceived Kind = 1
	// KindSendSuccess records a send the inner layer accepted.
	KindSendSuccess Kind = 2
	// KindSendFailure records a send the inner layer refused.
	KindSendFailure Kind = 3
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTopology:
		return "topology"
	case KindReceived:
		return "received"
	case KindSendSuccess:
		return "sent"
	case KindSendFailure:
		return "send-failed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrBadRecord is returned by RecordReader for a record it cannot decode.
var ErrBadRecord = errors.New("bad diagnostics record")

// TopologyPeer is one peer in a topology record.
type TopologyPeer struct {
	Handle transport.PeerHandle
	Name   string
	Direct bool
}

// Record is one decoded event of a recording.
//
// Stream layout, all integers little-endian:
//
//	kind (u8) | timestamp ms (u32) | fields
//
// Topology fields are a peer count (u8) followed by handle (u8), name
// (u16 length + bytes) and direct (u8) per peer. Every other kind carries
// handle (u8), size (u16) and the payload bytes.
type Record struct {
	Kind      Kind
	Timestamp time.Duration
	Peers     []TopologyPeer
	Peer      transport.PeerHandle
	Data      []byte
}

// appendRecord encodes r onto dst.
func appendRecord(dst []byte, r *Record) []byte {
	ms := r.Timestamp.Milliseconds()
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	dst = append(dst, byte(r.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(ms))

	if r.Kind == KindTopology {
		count := len(r.Peers)
		if count > math.MaxUint8 {
			count = math.MaxUint8
		}
		dst = append(dst, byte(count))
		for _, p := range r.Peers[:count] {
			name := p.Name
			if len(name) > math.MaxUint16 {
				name = name[:math.MaxUint16]
			}
			dst = append(dst, byte(p.Handle))
			dst = binary.LittleEndian.AppendUint16(dst, uint16(len(name)))
			dst = append(dst, name...)
			dst = append(dst, boolByte(p.Direct))
		}
		return dst
	}

	data := r.Data
	if len(data) > math.MaxUint16 {
		data = data[:math.MaxUint16]
	}
	dst = append(dst, byte(r.Peer))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// RecordReader decodes a recording stream.
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader returns a reader for the stream in r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next decodes the next record. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a record.
func (rr *RecordReader) Next() (*Record, error) {
	var head [5]byte
	if _, err := io.ReadFull(rr.r, head[:1]); err != nil {
		return nil, err
	}
	if err := rr.read(head[1:]); err != nil {
		return nil, err
	}

	rec := &Record{
		Kind:      Kind(head[0]),
		Timestamp: time.Duration(binary.LittleEndian.Uint32(head[1:])) * time.Millisecond,
	}

	switch rec.Kind {
	case KindTopology:
		count, err := rr.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		rec.Peers = make([]TopologyPeer, 0, count)
		for i := 0; i < int(count); i++ {
			p, err := rr.peer()
			if err != nil {
				return nil, err
			}
			rec.Peers = append(rec.Peers, p)
		}

	case KindReceived, KindSendSuccess, KindSendFailure:
		var hdr [3]byte
		if err := rr.read(hdr[:]); err != nil {
			return nil, err
		}
		rec.Peer = transport.PeerHandle(hdr[0])
		rec.Data = make([]byte, binary.LittleEndian.Uint16(hdr[1:]))
		if err := rr.read(rec.Data); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrBadRecord, rec.Kind)
	}
	return rec, nil
}

func (rr *RecordReader) peer() (TopologyPeer, error) {
	var hdr [3]byte
	if err := rr.read(hdr[:]); err != nil {
		return TopologyPeer{}, err
	}
	name := make([]byte, binary.LittleEndian.Uint16(hdr[1:]))
	if err := rr.read(name); err != nil {
		return TopologyPeer{}, err
	}
	direct, err := rr.r.ReadByte()
	if err != nil {
		return TopologyPeer{}, unexpected(err)
	}
	return TopologyPeer{
		Handle: transport.PeerHandle(hdr[0]),
		Name:   string(name),
		Direct: direct != 0,
	}, nil
}

func (rr *RecordReader) read(p []byte) error {
	_, err := io.ReadFull(rr.r, p)
	return unexpected(err)
}

// unexpected turns a clean EOF inside a record into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]*Record, error) {
	rr := NewRecordReader(r)
	var out []*Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
