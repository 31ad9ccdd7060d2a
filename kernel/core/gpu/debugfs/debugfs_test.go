package debugfs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/threads/testutil"
)

type fakeSource struct {
	stats  gpu.Stats
	errs   []execlist.ErrorState
	errErr error
}

func (f *fakeSource) Stats() gpu.Stats { return f.stats }

func (f *fakeSource) HWContexts() []execlist.HWContext {
	return []execlist.HWContext{{ContextID: 3, Priority: 1, BanScore: 2}}
}

func (f *fakeSource) ErrorStates() ([]execlist.ErrorState, error) { return f.errs, f.errErr }

func newTestServer(t *testing.T, src Source) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(src, 5*time.Millisecond, testutil.QuietLogger()))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestServer_Stats(t *testing.T) {
	src := &fakeSource{stats: gpu.Stats{State: "RUNNING", Ticks: 12}}
	srv := newTestServer(t, src)

	var st gpu.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &st))
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, uint64(12), st.Ticks)

	var ctxs []execlist.HWContext
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/contexts", &ctxs))
	require.Len(t, ctxs, 1)
	assert.Equal(t, uint32(3), ctxs[0].ContextID)
}

func TestServer_Errors(t *testing.T) {
	src := &fakeSource{}
	srv := newTestServer(t, src)

	var states []execlist.ErrorState
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/errors", &states))
	assert.Empty(t, states)

	src.errs = []execlist.ErrorState{{ContextID: 9, Seq: 4, BatchHead: []uint32{0x0BADC0DE}}}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/errors", &states))
	require.Len(t, states, 1)
	assert.Equal(t, uint64(4), states[0].Seq)

	src.errErr = errors.New("corrupt snapshot")
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/errors", &states))
}

func TestWatch_StreamsSnapshots(t *testing.T) {
	src := &fakeSource{stats: gpu.Stats{State: "RUNNING"}}
	srv := newTestServer(t, src)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Snapshot
	err := Watch(ctx, url, func(s Snapshot) bool {
		got = append(got, s)
		return len(got) < 3
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "RUNNING", got[2].Stats.State)
	assert.Len(t, got[0].Contexts, 1)
}

func TestWatch_CancelledContext(t *testing.T) {
	srv := newTestServer(t, &fakeSource{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := Watch(ctx, url, func(Snapshot) bool {
		n++
		if n == 2 {
			cancel()
		}
		return true
	})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	s := New(&fakeSource{}, time.Millisecond, testutil.QuietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
