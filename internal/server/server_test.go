package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// TestServerLifecycle tests binding, serving and an idempotent Stop.
func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	if srv.Addr() != nil {
		t.Error("Expected no address before Listen")
	}
	if err := srv.Serve(); err == nil {
		t.Error("Expected Serve before Listen to fail")
	}

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := srv.Addr()
	if addr == nil {
		t.Fatal("Expected a bound address after Listen")
	}
	if srv.IsRunning() {
		t.Error("Expected server not to report running before Serve")
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	eventually(t, "server to run", srv.IsRunning)
	client := dialTestClient(t, srv)
	client.register("alice")

	srv.Stop()
	srv.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after Stop", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after Stop")
	}
	if srv.IsRunning() {
		t.Error("Expected server to report not running")
	}
	if conn, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Error("Expected new connections to be refused after Stop")
	}
	if err := srv.Listen(); err == nil {
		t.Error("Expected Listen after Stop to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestServerBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	srv := newTestServer(t, func(cfg *Config) {
		cfg.Port = taken.Addr().(*net.TCPAddr).Port
	})
	err = srv.Listen()
	if !errors.Is(err, ErrListenerBind) {
		t.Fatalf("Expected ErrListenerBind, got %v", err)
	}
}

// TestServerCoordinatorScenario walks through election, PING_MEMBERS and
// handoff with three real clients.
func TestServerCoordinatorScenario(t *testing.T) {
	srv := startTestServer(t, nil)

	a := dialTestClient(t, srv)
	if got := a.register("A"); got[0] != "you are the coordinator." || got[1] != "You are the coordinator." {
		t.Fatalf("Unexpected greeting for A: %v", got)
	}

	b := dialTestClient(t, srv)
	if got := b.register("B"); got[1] != "Welcome B the current coordiantor is A" {
		t.Fatalf("Unexpected greeting for B: %v", got)
	}
	a.waitFor("SYSTEM: B has joined the chat.")

	c := dialTestClient(t, srv)
	c.register("C")
	a.waitFor("SYSTEM: C has joined the chat.")
	b.waitFor("SYSTEM: C has joined the chat.")

	a.send("PING_MEMBERS")
	b.waitFor(pushPingRequest)
	c.waitFor(pushPingRequest)
	a.expectSilence(50 * time.Millisecond)

	// Only the coordinator may probe.
	b.send("PING_MEMBERS")
	c.expectSilence(50 * time.Millisecond)

	_ = a.conn.Close()

	if got := b.readLine(); got != "SYSTEM: A has left the chat." {
		t.Errorf("Expected leave notice for B, got %q", got)
	}
	if got := b.readLine(); got != pushPromoted {
		t.Errorf("Expected promotion for B, got %q", got)
	}
	if got := c.readLine(); got != "SYSTEM: A has left the chat." {
		t.Errorf("Expected leave notice for C, got %q", got)
	}
	if got := c.readLine(); got != "SYSTEM: B is now the coordinator." {
		t.Errorf("Expected handoff notice for C, got %q", got)
	}

	b.send("PING_MEMBERS")
	c.waitFor(pushPingRequest)
}

func TestServerDuplicateHandle(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.register("alice")

	impostor := dialTestClient(t, srv)
	impostor.send("alice")
	if got := impostor.readLine(); got != replyIDTaken {
		t.Fatalf("Expected %s, got %q", replyIDTaken, got)
	}
	if got := impostor.register("bob"); got[0] != "welcome bob the current coordiantor is alice" {
		t.Errorf("Unexpected greeting after retry: %v", got)
	}
	alice.waitFor("SYSTEM: bob has joined the chat.")
}

func TestServerChat(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.register("alice")
	bob := dialTestClient(t, srv)
	bob.register("bob")
	alice.waitFor("SYSTEM: bob has joined the chat.")

	alice.send("hi everyone")
	if got := bob.readLine(); got != "alice: hi everyone" {
		t.Errorf("Unexpected broadcast %q", got)
	}
	alice.expectSilence(50 * time.Millisecond)

	bob.send("@alice just you")
	if got := alice.readLine(); got != "bob(private): just you" {
		t.Errorf("Unexpected private line %q", got)
	}

	bob.send("@nobody hello?")
	bob.expectSilence(50 * time.Millisecond)

	// CRLF terminated lines are accepted.
	bob.send("windows client\r")
	if got := alice.readLine(); got != "bob: windows client" {
		t.Errorf("Unexpected CRLF broadcast %q", got)
	}
}

func TestServerDetailsFlow(t *testing.T) {
	srv := startTestServer(t, nil)

	coord := dialTestClient(t, srv)
	coord.register("A")
	member := dialTestClient(t, srv)
	member.register("B")
	coord.waitFor("SYSTEM: B has joined the chat.")

	member.send("REQUEST_DETAILS")
	if got := coord.readLine(); got != "DETAILS_REQUEST_FROM B" {
		t.Fatalf("Expected details request, got %q", got)
	}

	coord.send("APPROVE_DETAILS B")
	aPort := coord.conn.LocalAddr().(*net.TCPAddr).Port
	bPort := member.conn.LocalAddr().(*net.TCPAddr).Port
	want := []string{
		"MEMBER DETAILS:",
		fmt.Sprintf("ID: A, IP: 127.0.0.1, Port: %d", aPort),
		fmt.Sprintf("ID: B, IP: 127.0.0.1, Port: %d", bPort),
		"COORDINATOR: A",
	}
	for _, w := range want {
		if got := member.readLine(); got != w {
			t.Errorf("Expected %q, got %q", w, got)
		}
	}

	member.send("REQUEST_DETAILS")
	coord.waitFor("DETAILS_REQUEST_FROM B")
	coord.send("DENY_DETAILS B")
	if got := member.readLine(); got != pushDetailsDenied {
		t.Errorf("Expected %s, got %q", pushDetailsDenied, got)
	}

	coord.send("REQUEST_DETAILS")
	coord.expectSilence(50 * time.Millisecond)
}

func TestServerQuit(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.register("alice")
	bob := dialTestClient(t, srv)
	bob.register("bob")
	alice.waitFor("SYSTEM: bob has joined the chat.")

	bob.send("QUIT")
	bob.expectClosed()
	alice.waitFor("SYSTEM: bob has left the chat.")
	eventually(t, "bob to leave the registry", func() bool { return srv.Registry().Len() == 1 })
}

// TestServerOversizedLineClosesSession tests that a line longer than the
// configured limit ends the session.
func TestServerOversizedLineClosesSession(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) { cfg.MaxLineLength = 64 })

	alice := dialTestClient(t, srv)
	alice.register("alice")
	bob := dialTestClient(t, srv)
	bob.register("bob")
	alice.waitFor("SYSTEM: bob has joined the chat.")

	bob.send(string(make([]byte, 200)))
	bob.expectClosed()
	alice.waitFor("SYSTEM: bob has left the chat.")
}

func TestServerStopKeepsSessions(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestClient(t, srv)
	alice.register("alice")
	bob := dialTestClient(t, srv)
	bob.register("bob")
	alice.waitFor("SYSTEM: bob has joined the chat.")

	srv.Stop()

	alice.send("still open")
	if got := bob.readLine(); got != "alice: still open" {
		t.Errorf("Expected chat to continue after Stop, got %q", got)
	}
}

func TestServerShutdownClosesClients(t *testing.T) {
	srv := newTestServer(t, nil)
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve() }()

	alice := dialTestClient(t, srv)
	alice.register("alice")
	bob := dialTestClient(t, srv)
	bob.register("bob")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	alice.expectClosed()
	bob.expectClosed()
	if srv.Registry().Len() != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", srv.Registry().Len())
	}
	if _, ok := srv.Registry().Coordinator(); ok {
		t.Error("Expected no coordinator after shutdown")
	}
}

// TestServerSweepsInactiveClients tests that the optional sweeper disconnects
// clients that stop answering.
func TestServerSweepsInactiveClients(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.SweepInterval = 20 * time.Millisecond
		cfg.InactivityTimeout = 150 * time.Millisecond
	})

	alive := dialTestClient(t, srv)
	alive.register("alive")
	silent := dialTestClient(t, srv)
	silent.register("silent")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = alive.conn.Write([]byte("PONG\n"))
			}
		}
	}()

	silent.expectClosed()
	alive.waitFor("SYSTEM: silent has left the chat.")
	if srv.Registry().Lookup("alive") == nil {
		t.Error("Client sending PONG was swept")
	}
}

func TestServerSweeperStartsOnce(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.SweepInterval = time.Hour })
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	if !srv.startSweeper() {
		t.Fatal("Expected the first call to start the sweeper")
	}
	if srv.startSweeper() {
		t.Error("Expected later calls not to start another sweeper")
	}
}

func TestServerSweeperDisabled(t *testing.T) {
	srv := newTestServer(t, nil)
	if srv.startSweeper() {
		t.Error("Expected no sweeper with a zero sweep interval")
	}
}

func TestNextBackoff(t *testing.T) {
	b := nextBackoff(0)
	if b != minAcceptBackoff {
		t.Fatalf("Expected %s, got %s", minAcceptBackoff, b)
	}
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	if b != maxAcceptBackoff {
		t.Errorf("Expected backoff capped at %s, got %s", maxAcceptBackoff, b)
	}
}
