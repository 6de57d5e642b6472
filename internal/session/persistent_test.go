package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/internal/irctest"
	"github.com/bookdash/bookdash/internal/session"
)

func TestPersistent_LifecycleAndStatus(t *testing.T) {
	srv := irctest.NewServer(t)

	p := session.NewPersistent()

	connected, lastErr := p.Status()
	assert.False(t, connected)
	assert.Empty(t, lastErr)

	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	connected, _ = p.Status()
	assert.True(t, connected)

	// Connecting again is a no-op.
	require.NoError(t, p.Connect(snapshotFor(t, srv)))

	p.Disconnect()
	connected, _ = p.Status()
	assert.False(t, connected)

	// Disconnecting again is also a no-op.
	p.Disconnect()
}

func TestPersistent_SearchNotConnected(t *testing.T) {
	p := session.NewPersistent()

	_, err := p.Search("dune", "", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection), "got %v", err)
}

func TestPersistent_SearchCollectsInlineResults(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.OnPrivmsg = func(c *irctest.Client, target, text string) {
		if _, ok := irctest.Trigger(text, "@search"); ok {
			c.SendPrivmsg("SearchOok", target, "100 Dune | epub")
			c.SendPrivmsg("SearchOok", target, "101 Dune Messiah | epub")
		}
	}

	p := session.NewPersistent(session.WithPersistentSearchWindow(300 * time.Millisecond))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	defer p.Disconnect()

	got, err := p.Search("dune", "", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "100", got[0].ID)
}

func TestPersistent_RequestsServedOneAtATime(t *testing.T) {
	var mu sync.Mutex
	var order []string

	srv := irctest.NewServer(t)
	srv.OnPrivmsg = func(c *irctest.Client, target, text string) {
		query, ok := irctest.Trigger(text, "@search")
		if !ok {
			return
		}
		mu.Lock()
		order = append(order, query)
		mu.Unlock()
		switch query {
		case "first":
			c.SendPrivmsg("SearchOok", target, "1 First Hit")
		case "second":
			c.SendPrivmsg("SearchOok", target, "2 Second Hit")
		}
	}

	p := session.NewPersistent(session.WithPersistentSearchWindow(250 * time.Millisecond))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	defer p.Disconnect()

	type outcome struct {
		got []string
		err error
	}
	results := make(chan outcome, 2)

	search := func(query string) {
		rs, err := p.Search(query, "", 5*time.Second)
		ids := make([]string, 0, len(rs))
		for _, r := range rs {
			ids = append(ids, r.ID)
		}
		results <- outcome{got: ids, err: err}
	}

	go search("first")
	// Give the first request time to be admitted before queuing the second.
	time.Sleep(100 * time.Millisecond)
	go search("second")

	byID := map[string]bool{}
	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		require.Len(t, o.got, 1)
		byID[o.got[0]] = true
	}
	assert.True(t, byID["1"], "first request got its own result")
	assert.True(t, byID["2"], "second request got its own result")

	// The second command only goes out after the first window closes.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPersistent_SilentSearchFailsOnWindowExpiry(t *testing.T) {
	// The server never replies to the search command at all.
	srv := irctest.NewServer(t)

	p := session.NewPersistent(session.WithPersistentSearchWindow(200 * time.Millisecond))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	defer p.Disconnect()

	got, err := p.Search("dune", "", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection), "got %v", err)
	assert.Contains(t, err.Error(), "search timed out")
	assert.Empty(t, got)

	// The session itself survives the failed request.
	connected, _ := p.Status()
	assert.True(t, connected)
}

func TestPersistent_CallerWaitExpires(t *testing.T) {
	srv := irctest.NewServer(t)

	p := session.NewPersistent(session.WithPersistentSearchWindow(2 * time.Second))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	defer p.Disconnect()

	start := time.Now()
	_, err := p.Search("dune", "", 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection), "got %v", err)
	assert.Less(t, time.Since(start), time.Second, "caller was released at its own deadline")
}

func TestPersistent_DisconnectFailsActiveRequest(t *testing.T) {
	srv := irctest.NewServer(t)

	p := session.NewPersistent(session.WithPersistentSearchWindow(5 * time.Second))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))

	errs := make(chan error, 1)
	go func() {
		_, err := p.Search("dune", "", 10*time.Second)
		errs <- err
	}()

	// Let the request get admitted, then tear the session down under it.
	time.Sleep(150 * time.Millisecond)
	p.Disconnect()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryConnection), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("active request was not released on disconnect")
	}
}

func TestPersistent_SurvivesAcrossRequestsOnOneConnection(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.OnPrivmsg = func(c *irctest.Client, target, text string) {
		if query, ok := irctest.Trigger(text, "@search"); ok {
			c.SendPrivmsg("SearchOok", target, "7 Hit for "+query)
		}
	}

	p := session.NewPersistent(session.WithPersistentSearchWindow(250 * time.Millisecond))
	require.NoError(t, p.Connect(snapshotFor(t, srv)))
	defer p.Disconnect()

	for _, q := range []string{"alpha", "beta"} {
		got, err := p.Search(q, "", 5*time.Second)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "7", got[0].ID)
	}

	connected, _ := p.Status()
	assert.True(t, connected, "session stays connected between requests")
}
