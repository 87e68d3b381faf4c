package reqstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/reqstore"
)

func TestStore_RegisterRespond(t *testing.T) {
	s := reqstore.New[string]()
	ch := s.Register("req-1", "session-a")

	require.NoError(t, s.Respond("req-1", "approved"))

	got, err := reqstore.Await(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "approved", got)
	assert.False(t, s.Pending("req-1"))
}

func TestStore_RespondUnknown(t *testing.T) {
	s := reqstore.New[string]()
	err := s.Respond("missing", "x")
	assert.Error(t, err)
}

func TestStore_Cancel(t *testing.T) {
	s := reqstore.New[string]()
	ch := s.Register("req-1", "session-a")

	assert.True(t, s.Cancel("req-1"))
	assert.False(t, s.Cancel("req-1"))

	_, err := reqstore.Await(context.Background(), ch)
	assert.Error(t, err)
}

func TestStore_CancelOwner(t *testing.T) {
	s := reqstore.New[int]()
	chA1 := s.Register("a-1", "session-a")
	chA2 := s.Register("a-2", "session-a")
	chB1 := s.Register("b-1", "session-b")

	n := s.CancelOwner("session-a")
	assert.Equal(t, 2, n)

	_, err := reqstore.Await(context.Background(), chA1)
	assert.Error(t, err)
	_, err = reqstore.Await(context.Background(), chA2)
	assert.Error(t, err)

	assert.True(t, s.Pending("b-1"))
	require.NoError(t, s.Respond("b-1", 7))
	got, err := reqstore.Await(context.Background(), chB1)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestStore_RegisterReplacesPrior(t *testing.T) {
	s := reqstore.New[string]()
	first := s.Register("req-1", "session-a")
	second := s.Register("req-1", "session-a")

	require.NoError(t, s.Respond("req-1", "second-wins"))

	_, err := reqstore.Await(context.Background(), first)
	assert.Error(t, err)

	got, err := reqstore.Await(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "second-wins", got)
}

func TestStore_AwaitContextCancelled(t *testing.T) {
	s := reqstore.New[string]()
	ch := s.Register("req-1", "session-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reqstore.Await(ctx, ch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_CollectExpired(t *testing.T) {
	s := reqstore.New[string]()
	s.Register("stale", "session-a")

	time.Sleep(2 * time.Millisecond)
	expired := s.CollectExpired(time.Millisecond)

	assert.Equal(t, []string{"stale"}, expired)
	assert.False(t, s.Pending("stale"))
}
