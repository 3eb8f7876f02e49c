package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerHandleString(t *testing.T) {
	assert.Equal(t, "peer(none)", InvalidHandle.String())
	assert.Equal(t, "peer(7)", PeerHandle(7).String())
	assert.False(t, InvalidHandle.Valid())
	assert.True(t, MinHandle.Valid())
	assert.True(t, MaxHandle.Valid())
}

func TestConnectionState(t *testing.T) {
	var c ConnectionState

	c = c.Set(1).Set(3).Set(63)
	assert.True(t, c.Has(1))
	assert.True(t, c.Has(3))
	assert.True(t, c.Has(63))
	assert.False(t, c.Has(2))
	assert.Equal(t, 3, c.Count())

	c = c.Clear(3)
	assert.False(t, c.Has(3))
	assert.Equal(t, 2, c.Count())

	t.Run("handles above 63 are unrepresentable", func(t *testing.T) {
		d := c.Set(64).Set(200)
		assert.Equal(t, c, d)
		assert.False(t, d.Has(64))
		assert.Equal(t, c, d.Clear(200))
	})
}

func TestFindPeer(t *testing.T) {
	peers := []PeerInfo{
		{Handle: 1, Name: "alice"},
		{Handle: 4, Name: "bob"},
	}

	p, ok := FindPeer(peers, 4)
	assert.True(t, ok)
	assert.Equal(t, "bob", p.Name)

	_, ok = FindPeer(peers, 2)
	assert.False(t, ok)
}

func TestTimeProviderOrDefault(t *testing.T) {
	assert.Equal(t, DefaultTimeProvider, TimeProviderOrDefault(nil))

	custom := RealTimeProvider{}
	assert.Equal(t, TimeProvider(custom), TimeProviderOrDefault(custom))
}
