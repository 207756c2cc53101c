package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgcc/tgcc/internal/claude"
)

func testProc() *claude.Process {
	return claude.NewProcess(claude.Config{}, nil)
}

func TestRegisterAndFind(t *testing.T) {
	r := New(nil)
	proc := testProc()
	owner := ClientRef{AgentID: "alpha", UserID: 100, ChatID: 100}

	e := r.Register("/srv/web", "sess-1", "opus", proc, owner)
	require.NotNil(t, e)
	assert.Equal(t, 1, r.Len())

	found := r.Find("/srv/web", "sess-1")
	require.NotNil(t, found)
	assert.Same(t, proc, found.Process)
	assert.Equal(t, owner, found.Owner)

	assert.Nil(t, r.Find("/srv/web", "other"))
	assert.Nil(t, r.Find("/srv/api", "sess-1"))

	assert.Same(t, e, r.FindByProcess(proc))
	assert.Nil(t, r.FindByProcess(testProc()))

	byClient := r.FindByClient(owner)
	require.Len(t, byClient, 1)
	assert.Same(t, e, byClient[0])
}

func TestRekeyFromPendingID(t *testing.T) {
	r := New(nil)
	proc := testProc()
	pending := proc.SessionID()
	owner := ClientRef{AgentID: "alpha", UserID: 100}

	r.Register("/srv/web", pending, "opus", proc, owner)

	require.True(t, r.Rekey("/srv/web", pending, "real-session"))
	assert.Nil(t, r.Find("/srv/web", pending))
	found := r.Find("/srv/web", "real-session")
	require.NotNil(t, found)
	assert.Same(t, proc, found.Process)

	assert.False(t, r.Rekey("/srv/web", pending, "x"), "stale rekey is a no-op")
	assert.False(t, r.Rekey("/srv/web", "real-session", "real-session"))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	r := New(nil)
	owner := ClientRef{AgentID: "alpha", UserID: 100}
	second := ClientRef{AgentID: "alpha", UserID: 200}

	r.Register("/srv/web", "sess-1", "opus", testProc(), owner)
	require.True(t, r.Subscribe("/srv/web", "sess-1", second))
	assert.False(t, r.Subscribe("/srv/web", "missing", second))

	r.Unsubscribe(owner)
	assert.Equal(t, 1, r.Len(), "entry survives while a subscriber remains")

	r.Unsubscribe(second)
	assert.Zero(t, r.Len(), "last unsubscribe drops the entry")
}

func TestRemoveKeepsProcess(t *testing.T) {
	r := New(nil)
	proc := testProc()
	r.Register("/srv/web", "sess-1", "opus", proc, ClientRef{AgentID: "alpha"})

	e := r.Remove("/srv/web", "sess-1")
	require.NotNil(t, e)
	assert.Same(t, proc, e.Process)
	assert.Zero(t, r.Len())

	assert.Nil(t, r.Remove("/srv/web", "sess-1"))
}

func TestDestroyMissingIsNoop(t *testing.T) {
	r := New(nil)
	r.Destroy("/srv/web", "nope")
	assert.Zero(t, r.Len())
}

func TestClose(t *testing.T) {
	r := New(nil)
	r.Register("/a", "s1", "", testProc(), ClientRef{AgentID: "a"})
	r.Register("/b", "s2", "", testProc(), ClientRef{AgentID: "b"})
	r.Close()
	assert.Zero(t, r.Len())
}
