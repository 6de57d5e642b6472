package ircconn_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/internal/ircconn"
	"github.com/bookdash/bookdash/internal/irctest"
)

func managerFor(srv *irctest.Server, tweak func(*ircconn.Config)) *ircconn.Manager {
	cfg := ircconn.Config{
		Address:        srv.Addr(),
		Nick:           "bookdash",
		Realname:       "bookdash",
		Channel:        "#ebooks",
		WelcomeTimeout: 500 * time.Millisecond,
		JoinTimeout:    500 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return ircconn.New(cfg)
}

func TestConnect_RegistersAndJoins(t *testing.T) {
	srv := irctest.NewServer(t)

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())
	defer m.Disconnect("test done")

	assert.Equal(t, ircconn.Joined, m.State())
	assert.Equal(t, "bookdash", m.Nick())
}

func TestConnect_CollisionResolvedWithSuffix(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.NicksInUse = map[string]bool{"bookdash": true}

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())
	defer m.Disconnect("test done")

	assert.Equal(t, "bookdash1", m.Nick())
	assert.Equal(t, ircconn.Joined, m.State())
}

func TestConnect_CollisionExhaustion(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.NicksInUse = map[string]bool{
		"bookdash":  true,
		"bookdash1": true,
		"bookdash2": true,
	}

	m := managerFor(srv, nil)
	err := m.Connect()

	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection), "got %v", err)
	assert.ErrorIs(t, err, errors.ErrRetryExhausted)
	assert.Equal(t, ircconn.Failed, m.State())
}

func TestConnect_WelcomeTimeoutExhaustsRetries(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.SilentRegistration = true

	m := managerFor(srv, func(cfg *ircconn.Config) {
		cfg.WelcomeTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	err := m.Connect()

	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection))
	// Each of the three attempts waits out its own welcome window.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestConnect_JoinTimeout(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.SilentJoin = true

	m := managerFor(srv, func(cfg *ircconn.Config) {
		cfg.JoinTimeout = 50 * time.Millisecond
	})

	err := m.Connect()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection))
}

func TestConnect_DialFailure(t *testing.T) {
	srv := irctest.NewServer(t)
	addr := srv.Addr()
	srv.Close()

	m := ircconn.New(ircconn.Config{
		Address:  addr,
		Nick:     "bookdash",
		Realname: "bookdash",
		Channel:  "#ebooks",
	})

	err := m.Connect()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection))
}

func TestEvents_MessageAndOffer(t *testing.T) {
	srv := irctest.NewServer(t)
	srv.OnPrivmsg = func(c *irctest.Client, target, text string) {
		if text == "@search dune" {
			c.SendPrivmsg("SearchOok", target, "12345 Dune | epub")
			c.SendOffer("SearchOok", "DCC SEND results.zip 2130706433 4000 100")
		}
	}

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())
	defer m.Disconnect("test done")

	require.NoError(t, m.Send("#ebooks", "@search dune"))

	var got []ircconn.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-m.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, have %d", len(got))
		}
	}

	assert.Equal(t, ircconn.EventMessage, got[0].Kind)
	assert.Equal(t, "SearchOok", got[0].Sender)
	assert.Equal(t, "12345 Dune | epub", got[0].Text)

	assert.Equal(t, ircconn.EventOffer, got[1].Kind)
	assert.Equal(t, "SearchOok", got[1].Sender)
	assert.Equal(t, "DCC SEND results.zip 2130706433 4000 100", got[1].Text)
}

func TestEvents_DisconnectOnServerClose(t *testing.T) {
	srv := irctest.NewServer(t)

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())

	srv.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatal("event stream closed without a disconnect event")
			}
			if ev.Kind == ircconn.EventDisconnect {
				assert.Equal(t, ircconn.Failed, m.State())
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event after server close")
		}
	}
}

func TestSend_RequiresConnection(t *testing.T) {
	m := ircconn.New(ircconn.Config{Address: "127.0.0.1:1", Nick: "x", Channel: "#x"})

	err := m.Send("#x", "hello")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection))
}

func TestDisconnect_Idempotent(t *testing.T) {
	srv := irctest.NewServer(t)

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())

	m.Disconnect("first")
	m.Disconnect("second")

	assert.Equal(t, ircconn.Disconnected, m.State())
}

func TestDisconnect_CleanTeardownIsNotConnectionLoss(t *testing.T) {
	srv := irctest.NewServer(t)

	m := managerFor(srv, nil)
	require.NoError(t, m.Connect())

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	m.Disconnect("test done")

	logged := buf.String()
	assert.NotContains(t, logged, "connection lost")
	assert.NotContains(t, logged, "to=failed")
	assert.Equal(t, ircconn.Disconnected, m.State())
}
