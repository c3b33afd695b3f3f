package statstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConns(t *testing.T) *Connections {
	t.Helper()
	kv := New(Options{})
	t.Cleanup(kv.Close)
	return NewConnections(kv)
}

func TestTouchCreatesAndRefreshes(t *testing.T) {
	cs := newTestConns(t)

	cs.Touch("c1", "10.0.0.1:9999", "tcp")
	st, ok := cs.Get("c1")
	require.True(t, ok)
	require.Equal(t, "c1", st.ID)
	require.Equal(t, "10.0.0.1:9999", st.RemoteAddr)
	require.Equal(t, "tcp", st.Transport)
	require.NotZero(t, st.ConnectedAt)

	cs.Touch("c1", "10.0.0.2:9999", "tcp")
	st2, ok := cs.Get("c1")
	require.True(t, ok)
	require.Equal(t, st.ConnectedAt, st2.ConnectedAt, "Touch must not reset the connect time")
	require.Equal(t, "10.0.0.2:9999", st2.RemoteAddr)
}

func TestRecordExchangeAccumulates(t *testing.T) {
	cs := newTestConns(t)

	cs.RecordExchange("c1", 100, 0, 1, 0)
	cs.RecordExchange("c1", 50, 200, 1, 2)

	st, ok := cs.Get("c1")
	require.True(t, ok)
	require.EqualValues(t, 150, st.BytesIn)
	require.EqualValues(t, 200, st.BytesOut)
	require.EqualValues(t, 2, st.MsgsIn)
	require.EqualValues(t, 2, st.MsgsOut)
}

func TestRecordExchangeConcurrent(t *testing.T) {
	cs := newTestConns(t)

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				cs.RecordExchange("c1", 1, 1, 1, 1)
			}
		}()
	}
	wg.Wait()

	st, ok := cs.Get("c1")
	require.True(t, ok)
	require.EqualValues(t, workers*perWorker, st.MsgsIn, "concurrent increments must not be lost")
	require.EqualValues(t, workers*perWorker, st.BytesOut)
}

func TestSetAuthenticatedAndRemove(t *testing.T) {
	cs := newTestConns(t)

	cs.Touch("c1", "", "mem")
	cs.SetAuthenticated("c1", true)
	st, ok := cs.Get("c1")
	require.True(t, ok)
	require.True(t, st.Authenticated)

	cs.Remove("c1")
	_, ok = cs.Get("c1")
	require.False(t, ok)
}

func TestListSnapshotsAll(t *testing.T) {
	cs := newTestConns(t)

	cs.Touch("a", "", "mem")
	cs.Touch("b", "", "mem")
	got := cs.List()
	require.Len(t, got, 2)
}
