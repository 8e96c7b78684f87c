package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/core/pkg/session"
	"github.com/docpilot/core/pkg/store"
	"github.com/docpilot/core/pkg/store/storetest"
)

func newTestManager(t *testing.T, cfg session.ManagerConfig) (*session.Manager, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	m := session.NewManager(st, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m, st
}

func TestManager_GetOrCreate(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{})
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.UserID)
	assert.Equal(t, session.StateIdle, sess.State)

	rec, err := st.GetSession(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec, "new sessions are persisted immediately")

	again, err := m.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, sess, again, "cached instance is reused")
	assert.Equal(t, 1, m.CachedCount())
}

func TestManager_GetOrCreateInvalidUserID(t *testing.T) {
	m, _ := newTestManager(t, session.ManagerConfig{})

	for _, id := range []int64{0, -1} {
		_, err := m.GetOrCreate(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrInvalidUserID)
	}
}

func TestManager_LoadsFromStore(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{})
	ctx := context.Background()

	seed := session.New(5)
	seed.State = session.StateChatting
	seed.Language = "id"
	require.NoError(t, st.SaveSession(ctx, seed.ToRecord()))

	sess, err := m.GetOrCreate(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, session.StateChatting, sess.State)
	assert.Equal(t, "id", sess.Language)
}

func TestManager_ExpiredSessionResetOnAccess(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{Timeout: time.Minute})
	ctx := context.Background()

	seed := session.New(5)
	seed.State = session.StateChatting
	seed.Language = "id"
	seed.SetFile("/tmp/a.txt", "content", "a.txt", "txt")
	seed.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, st.SaveSession(ctx, seed.ToRecord()))

	sess, err := m.GetOrCreate(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, session.StateIdle, sess.State, "expired session resets")
	assert.Equal(t, "id", sess.Language, "language survives the reset")
	assert.False(t, sess.HasFile())
	assert.False(t, sess.Expired())

	rec, err := st.GetSession(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "IDLE", rec.State, "reset is written through")
}

func TestManager_GetIfExists(t *testing.T) {
	m, _ := newTestManager(t, session.ManagerConfig{})
	ctx := context.Background()

	sess, err := m.GetIfExists(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, sess, "never creates")

	created, err := m.GetOrCreate(ctx, 9)
	require.NoError(t, err)

	sess, err = m.GetIfExists(ctx, 9)
	require.NoError(t, err)
	assert.Same(t, created, sess)
}

func TestManager_Delete(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{})
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, 3))

	assert.Zero(t, m.CachedCount())
	rec, err := st.GetSession(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManager_Sweep(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{Timeout: time.Minute})
	ctx := context.Background()

	fresh, err := m.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	stale := session.New(2)
	stale.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, st.SaveSession(ctx, stale.ToRecord()))

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := st.GetSession(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, rec, "stale stored session removed")

	rec, err = st.GetSession(ctx, fresh.UserID)
	require.NoError(t, err)
	assert.NotNil(t, rec, "fresh session survives")
}

func TestManager_PersistWriteThrough(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{})
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, 4)
	require.NoError(t, err)

	sess.State = session.StateChatting
	sess.AddMessage(session.RoleUser, "hello")
	require.NoError(t, m.Persist(ctx, sess))

	rec, err := st.GetSession(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "CHATTING", rec.State)
	assert.Contains(t, string(rec.HistoryJSON), "hello")
}

func TestManager_StoreFailureSurfaces(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{})
	st.Err = assert.AnError

	_, err := m.GetOrCreate(context.Background(), 1)
	assert.Error(t, err)
}

func TestManager_SweepRoutine(t *testing.T) {
	m, st := newTestManager(t, session.ManagerConfig{Timeout: time.Minute})
	ctx := context.Background()

	stale := session.New(2)
	stale.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, st.SaveSession(ctx, stale.ToRecord()))

	m.StartSweepRoutine(20 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, m.Close())

	rec, err := st.GetSession(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
