package presence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	events []string
}

func (f *fakeConn) Send(event string, payload interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	identity := uuid.New()
	conn := &fakeConn{}

	_, ok := registry.Lookup(identity)
	assert.False(t, ok)

	registry.Register(identity, conn)

	got, ok := registry.Lookup(identity)
	assert.True(t, ok)
	assert.Same(t, conn, got.(*fakeConn))
	assert.Equal(t, 1, registry.Len())
}

func TestRegisterReplacesPriorHandle(t *testing.T) {
	registry := NewRegistry()
	identity := uuid.New()
	old := &fakeConn{}
	fresh := &fakeConn{}

	registry.Register(identity, old)
	registry.Register(identity, fresh)

	got, ok := registry.Lookup(identity)
	assert.True(t, ok)
	assert.Same(t, fresh, got.(*fakeConn))
	assert.Equal(t, 1, registry.Len())
}

func TestRemoveMatchingHandle(t *testing.T) {
	registry := NewRegistry()
	identity := uuid.New()
	conn := &fakeConn{}

	registry.Register(identity, conn)

	assert.True(t, registry.Remove(identity, conn))
	_, ok := registry.Lookup(identity)
	assert.False(t, ok)
}

func TestRemoveStaleHandleKeepsFreshEntry(t *testing.T) {
	registry := NewRegistry()
	identity := uuid.New()
	old := &fakeConn{}
	fresh := &fakeConn{}

	registry.Register(identity, old)
	registry.Register(identity, fresh)

	// The old handle's disconnect arrives after the reconnection; it must
	// not evict the fresh entry
	assert.False(t, registry.Remove(identity, old))

	got, ok := registry.Lookup(identity)
	assert.True(t, ok)
	assert.Same(t, fresh, got.(*fakeConn))
}

func TestRemoveUnknownIdentity(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.Remove(uuid.New(), &fakeConn{}))
}
