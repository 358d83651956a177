package client_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/client"
	"taskboard/domain"
	"taskboard/realtime"
	"taskboard/storage"
)

type server struct {
	url      string
	registry *realtime.Registry
}

func startServer(t *testing.T) *server {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	secret := []byte("integration-test-secret")
	auth := api.NewLocalAuth(secret)
	accounts := api.NewAccounts(secret)

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(registry, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gw := api.NewGateway(storage.NewMemoryStore(), hub, logger)

	e := echo.New()
	api.Register(e, gw, auth, accounts, nil, logger)
	e.GET("/ws", realtime.ServeWS(hub, auth, logger))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, registry: registry}
}

func signup(t *testing.T, baseURL, username string) string {
	t.Helper()
	body, _ := sonic.Marshal(map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "hunter2hunter2",
	})
	resp, err := http.Post(baseURL+"/api/auth/signup", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return out.Token
}

type liveClient struct {
	*client.Client
	changes atomic.Int64
}

func startClient(t *testing.T, baseURL, token string) *liveClient {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	lc := &liveClient{Client: client.New(baseURL, token, logger)}
	lc.OnChange = func([]domain.Task) { lc.changes.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = lc.Run(ctx) }()

	waitFor(t, "session handshake", func() bool { return lc.SessionID() != "" })
	return lc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func titles(tasks []domain.Task) string {
	return fmt.Sprintf("%v", func() []string {
		out := make([]string, len(tasks))
		for i, t := range tasks {
			out[i] = t.Title
		}
		return out
	}())
}

func TestTwoSessionsConverge(t *testing.T) {
	srv := startServer(t)
	token := signup(t, srv.url, "alice")

	a := startClient(t, srv.url, token)
	b := startClient(t, srv.url, token)
	waitForRoomSize(t, srv, a, 2)

	created, err := a.Create(context.Background(), "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "b sees created task", func() bool {
		snap := b.Reconciler().Snapshot()
		return len(snap) == 1 && snap[0].ID == created.ID
	})
	if snap := b.Reconciler().Snapshot(); snap[0].Title != "Buy milk" {
		t.Fatalf("b has %s", titles(snap))
	}

	if err := b.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "a sees deletion", func() bool {
		return len(a.Reconciler().Snapshot()) == 0
	})
}

func TestOriginatingSessionIsNotEchoed(t *testing.T) {
	srv := startServer(t)
	token := signup(t, srv.url, "alice")

	a := startClient(t, srv.url, token)
	b := startClient(t, srv.url, token)
	waitForRoomSize(t, srv, a, 2)

	before := a.changes.Load()
	created, err := a.Create(context.Background(), "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "b sees created task", func() bool {
		snap := b.Reconciler().Snapshot()
		return len(snap) == 1 && snap[0].ID == created.ID
	})
	// Fan-out reached the other session; give any stray echo time to land.
	time.Sleep(100 * time.Millisecond)

	// Exactly one change on the originating client: its own merged HTTP
	// response. A second change would be the fan-out echoing back.
	if got := a.changes.Load() - before; got != 1 {
		t.Fatalf("originating client saw %d changes, want 1", got)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	srv := startServer(t)
	aliceToken := signup(t, srv.url, "alice")
	bobToken := signup(t, srv.url, "bob")

	alice := startClient(t, srv.url, aliceToken)
	bob := startClient(t, srv.url, bobToken)
	waitForRoomSize(t, srv, bob, 1)

	created, err := alice.Create(context.Background(), "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "alice sees her task", func() bool {
		return len(alice.Reconciler().Snapshot()) == 1
	})
	time.Sleep(100 * time.Millisecond)

	if snap := bob.Reconciler().Snapshot(); len(snap) != 0 {
		t.Fatalf("bob sees foreign tasks: %s", titles(snap))
	}
	if _, err := bob.Update(context.Background(), created.ID, domain.TaskPatch{}); err == nil {
		t.Fatal("bob updated alice's task")
	}
}

func TestReconnectReseedsFromList(t *testing.T) {
	srv := startServer(t)
	token := signup(t, srv.url, "alice")

	seeder := startClient(t, srv.url, token)
	if _, err := seeder.Create(context.Background(), "Buy milk", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := seeder.Create(context.Background(), "Walk dog", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A client connecting after the fact must see the existing tasks
	// newest-first from its seed fetch alone.
	late := startClient(t, srv.url, token)
	waitFor(t, "late client seeded", func() bool {
		return len(late.Reconciler().Snapshot()) == 2
	})
	snap := late.Reconciler().Snapshot()
	if snap[0].Title != "Walk dog" || snap[1].Title != "Buy milk" {
		t.Fatalf("unexpected order %s", titles(snap))
	}
}

// waitForRoomSize blocks until c's room holds want sessions. The room is
// resolved through the registry since the account id is server-generated.
func waitForRoomSize(t *testing.T, srv *server, c *liveClient, want int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("room of %s at %d session(s)", c.SessionID(), want), func() bool {
		room, ok := srv.registry.RoomOf(c.SessionID())
		return ok && len(srv.registry.SessionsInRoom(room)) == want
	})
}
