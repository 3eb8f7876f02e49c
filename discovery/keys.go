package discovery

import (
	"strconv"

	"github.com/opd-ai/peertransport/transport"
)

const (
	// idKeyPrefix prefixes the session-wide key holding a user's handle.
	idKeyPrefix = "__ID__"
	// statusKey is the member key holding the application status byte.
	statusKey = "__STATUS__"
	// connKey is the member key holding the hex reachability bitmask.
	connKey = "__CONN__"
)

// IDKey returns the session-wide key under which the handle of user is
// published.
func IDKey(user transport.UserID) string {
	return idKeyPrefix + strconv.FormatUint(uint64(user), 10)
}

func parseHandle(value string) (transport.PeerHandle, bool) {
	v, err := strconv.ParseUint(value, 10, 8)
	if err != nil || v == 0 {
		return transport.InvalidHandle, false
	}
	return transport.PeerHandle(v), true
}

func formatHandle(h transport.PeerHandle) string {
	return strconv.Itoa(int(h))
}

func parseStatus(value string) uint8 {
	v, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func formatStatus(status uint8) string {
	return strconv.Itoa(int(status))
}

func parseConnectionState(value string) transport.ConnectionState {
	v, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0
	}
	return transport.ConnectionState(v)
}

func formatConnectionState(state transport.ConnectionState) string {
	return strconv.FormatUint(uint64(state), 16)
}
