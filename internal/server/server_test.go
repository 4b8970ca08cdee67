package server

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/testhelpers"
)

// startServer starts a server for cfg on an ephemeral loopback port and stops
// it when the test ends.
func startServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()

	srv := New(cfg)
	require.NoError(t, srv.Start(cfg.Host, cfg.Port))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func waitForSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	eventually(t, func() bool { return srv.Relay().Registry().Len() == n }, "waiting for registered sessions")
}

// TestTwoClientConversation covers a full exchange: join announcement,
// relay to the other member only, and the survivor staying usable after the
// peer leaves.
func TestTwoClientConversation(t *testing.T) {
	srv := startServer(t, testConfig())
	addr := srv.Addr().String()

	alice := testhelpers.Join(t, addr, "Alice")
	waitForSessions(t, srv, 1)
	bob := testhelpers.Join(t, addr, "Bob")
	waitForSessions(t, srv, 2)

	joined := alice.MustReceive(t)
	assert.Equal(t, SystemName, joined.Name)
	assert.Equal(t, "Bob has joined the chat.", joined.Text)

	require.NoError(t, alice.SendText("hi"))
	got := bob.MustReceive(t)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "hi", got.Text)
	assert.Regexp(t, `^\d{2}:\d{2}:\d{2}$`, got.Timestamp)
	alice.ExpectNothing(t, 200*time.Millisecond)

	require.NoError(t, bob.Close())
	waitForSessions(t, srv, 1)

	require.NoError(t, alice.SendText("anyone?"))
	eventually(t, func() bool { return testutil.ToFloat64(srv.metrics.messagesRelayed) == 2 }, "second message relayed")
	alice.ExpectNothing(t, 100*time.Millisecond)
	assert.Equal(t, ListenerListening, srv.State())
}

// TestConnectionCapPerAddress verifies the third connection from one address
// is refused while the first two keep working, and that a slot frees up when
// a client leaves.
func TestConnectionCapPerAddress(t *testing.T) {
	srv := startServer(t, testConfig())
	addr := srv.Addr().String()

	one := testhelpers.Join(t, addr, "one")
	waitForSessions(t, srv, 1)
	two := testhelpers.Join(t, addr, "two")
	waitForSessions(t, srv, 2)
	one.MustReceive(t)

	third := testhelpers.Dial(t, addr)
	third.ExpectClosed(t)
	assert.Equal(t, 2, srv.Relay().Admission().Count("127.0.0.1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.admissions.WithLabelValues("tcp", "over_cap")))

	require.NoError(t, one.SendText("still here"))
	assert.Equal(t, "still here", two.MustReceive(t).Text)

	require.NoError(t, one.Close())
	eventually(t, func() bool { return srv.Relay().Admission().Count("127.0.0.1") == 1 }, "slot released")

	testhelpers.Join(t, addr, "three")
	waitForSessions(t, srv, 2)
}

func TestAllowListDeniesUnknownAddress(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedAddresses = []string{"10.9.9.9"}
	srv := startServer(t, cfg)

	client := testhelpers.Dial(t, srv.Addr().String())
	client.ExpectClosed(t)

	assert.Zero(t, srv.Relay().Registry().Len())
	assert.Zero(t, srv.Relay().Admission().Count("127.0.0.1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.admissions.WithLabelValues("tcp", "not_allowed")))
}

func TestAllowListAdmitsLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedAddresses = []string{"10.9.9.9", "127.0.0.0/8"}
	srv := startServer(t, cfg)

	testhelpers.Join(t, srv.Addr().String(), "local")
	waitForSessions(t, srv, 1)
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	srv := startServer(t, testConfig())
	addr := srv.Addr().String()

	alice := testhelpers.Join(t, addr, "Alice")
	waitForSessions(t, srv, 1)
	bob := testhelpers.Join(t, addr, "Bob")
	waitForSessions(t, srv, 2)
	alice.MustReceive(t)

	rejected := func(reason string) func() bool {
		want := testutil.ToFloat64(srv.metrics.messagesRejected.WithLabelValues(reason)) + 1
		return func() bool {
			return testutil.ToFloat64(srv.metrics.messagesRejected.WithLabelValues(reason)) == want
		}
	}

	// Each frame is sent only after the previous one was processed so the
	// stream does not coalesce them into one read.
	cond := rejected("malformed")
	require.NoError(t, alice.SendRaw([]byte("not json")))
	eventually(t, cond, "malformed frame rejected")

	cond = rejected("bad-shape")
	require.NoError(t, alice.SendRaw([]byte(`{"msg":"hi"}`)))
	eventually(t, cond, "shapeless frame rejected")

	cond = rejected("too-long")
	require.NoError(t, alice.SendText(strings.Repeat("a", 501)))
	eventually(t, cond, "oversized frame rejected")

	bob.ExpectNothing(t, 100*time.Millisecond)

	require.NoError(t, alice.SendText("valid"))
	assert.Equal(t, "valid", bob.MustReceive(t).Text)
}

func TestInvalidHandshakeIsRejected(t *testing.T) {
	srv := startServer(t, testConfig())
	addr := srv.Addr().String()

	tooLong := testhelpers.Join(t, addr, strings.Repeat("n", 31))
	tooLong.ExpectClosed(t)

	blank := testhelpers.Join(t, addr, "   ")
	blank.ExpectClosed(t)

	assert.Zero(t, srv.Relay().Registry().Len())
	eventually(t, func() bool { return srv.Relay().Admission().Count("127.0.0.1") == 0 }, "slots released")
}

func TestStopClosesClientsAndIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionsPerAddress = 3
	srv := startServer(t, cfg)
	addr := srv.Addr().String()

	alice := testhelpers.Join(t, addr, "Alice")
	waitForSessions(t, srv, 1)
	bob := testhelpers.Join(t, addr, "Bob")
	waitForSessions(t, srv, 2)
	pending := testhelpers.Dial(t, addr)
	eventually(t, func() bool { return srv.Relay().Admission().Count("127.0.0.1") == 3 }, "pending client admitted")

	require.NoError(t, srv.Stop())

	alice.MustReceive(t)
	alice.ExpectClosed(t)
	bob.ExpectClosed(t)
	pending.ExpectClosed(t)

	assert.Equal(t, ListenerStopped, srv.State())
	assert.Zero(t, srv.Relay().Registry().Len())
	assert.Zero(t, srv.Relay().Admission().Count("127.0.0.1"))
	assert.Zero(t, testutil.ToFloat64(srv.metrics.activeSessions))

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrServerClosed)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestConcurrentStop(t *testing.T) {
	srv := startServer(t, testConfig())
	testhelpers.Join(t, srv.Addr().String(), "Alice")
	waitForSessions(t, srv, 1)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, srv.Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, ListenerStopped, srv.State())
	assert.NoError(t, srv.Err())
}

func TestStartTwiceAndBindFailure(t *testing.T) {
	srv := startServer(t, testConfig())
	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrServerStarted)

	port := srv.Addr().(*net.TCPAddr).Port
	other := New(testConfig())
	err := other.Start("127.0.0.1", port)
	require.Error(t, err)
	assert.Equal(t, ListenerStopped, other.State())
	assert.NoError(t, other.Stop())
}

// TestStopBeforeStart verifies that stopping a server that never started
// closes it for good, so a Start racing behind the Stop cannot bind.
func TestStopBeforeStart(t *testing.T) {
	srv := New(testConfig())
	assert.NoError(t, srv.Stop())
	assert.Nil(t, srv.Addr())
	assert.Equal(t, ListenerStopped, srv.State())

	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrServerClosed)
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Stop())

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

var errTooManyFiles = errors.New("accept: too many open files")

// failingListener is a net.Listener whose Accept always fails.
type failingListener struct {
	addr net.Addr
}

func (l failingListener) Accept() (net.Conn, error) { return nil, errTooManyFiles }

func (l failingListener) Close() error { return nil }

func (l failingListener) Addr() net.Addr { return l.addr }

// TestFatalAcceptErrorStopsServer verifies that an accept failure while
// listening shuts the server down and is reported through Err.
func TestFatalAcceptErrorStopsServer(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := testhelpers.Join(t, srv.Addr().String(), "Alice")
	waitForSessions(t, srv, 1)

	srv.acceptWG.Add(1)
	go srv.acceptLoop(failingListener{addr: srv.Addr()})

	select {
	case <-srv.Done():
	case <-time.After(testhelpers.DefaultTimeout):
		t.Fatal("server did not stop after a fatal accept error")
	}

	assert.Equal(t, ListenerStopped, srv.State())
	require.Error(t, srv.Err())
	assert.ErrorIs(t, srv.Err(), errTooManyFiles)
	assert.Contains(t, srv.Err().Error(), "accept on ")
	alice.ExpectClosed(t)
	assert.Zero(t, srv.Relay().Registry().Len())
	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrServerClosed)
}

func TestLeaveAnnouncementOverTCP(t *testing.T) {
	cfg := testConfig()
	cfg.AnnounceLeaves = true
	srv := startServer(t, cfg)
	addr := srv.Addr().String()

	alice := testhelpers.Join(t, addr, "Alice")
	waitForSessions(t, srv, 1)
	bob := testhelpers.Join(t, addr, "Bob")
	waitForSessions(t, srv, 2)
	alice.MustReceive(t)

	require.NoError(t, bob.Close())
	left := alice.MustReceive(t)
	assert.Equal(t, SystemName, left.Name)
	assert.Equal(t, "Bob has left the chat.", left.Text)
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	srv := startServer(t, cfg)

	silent := testhelpers.Dial(t, srv.Addr().String())
	silent.ExpectClosed(t)
	eventually(t, func() bool { return srv.Relay().Admission().Count("127.0.0.1") == 0 }, "slot released")
	eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.sessionsClosed.WithLabelValues(closeReasonHandshake)) == 1
	}, "closed as failed handshake")
}
