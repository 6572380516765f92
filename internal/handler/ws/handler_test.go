package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/realtime"
	chatservice "github.com/zhouzirui/codechat/backend/internal/service/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
)

type stubGateway struct{}

func (stubGateway) Complete(_ context.Context, message string, _ []chat.ContextMessage, _ *chat.ImageRef) (string, error) {
	return "Echo:\n```text\n" + message + "\n```", nil
}

type received struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type fixture struct {
	repo    chat.Repository
	server  *httptest.Server
	session chat.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := realtime.NewHub(nil, 32)
	repo := realtime.NewPublishingRepository(chatservice.NewService(), hub)
	created, err := repo.CreateSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	opener := &session.Opener{Deps: session.Deps{Repo: repo, Gateway: stubGateway{}, Bus: hub}}
	r := chi.NewRouter()
	New(opener, repo, hub, nil).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &fixture{repo: repo, server: server, session: created}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor 读取消息直到 match 返回 true。
func waitFor(t *testing.T, conn *websocket.Conn, match func(received) bool) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func snapshotLen(n int) func(received) bool {
	return func(msg received) bool {
		if msg.Type != TypeSnapshot {
			return false
		}
		var messages []chat.Message
		_ = json.Unmarshal(msg.Data, &messages)
		return len(messages) == n
	}
}

func TestSessionViewRunsTurn(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "/ws/sessions/"+f.session.ID)

	waitFor(t, conn, snapshotLen(0))
	waitFor(t, conn, func(msg received) bool { return msg.Type == TypeState })

	if err := conn.WriteJSON(map[string]any{"type": CommandSend, "data": map[string]string{"content": "ping"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := waitFor(t, conn, func(msg received) bool { return msg.Type == TypeTurn })
	var turn session.Turn
	if err := json.Unmarshal(msg.Data, &turn); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if !turn.Persisted || turn.Assistant == nil || len(turn.Assistant.CodeBlocks) != 1 {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if turn.Assistant.CodeBlocks[0].Code != "ping" {
		t.Fatalf("unexpected code block: %+v", turn.Assistant.CodeBlocks[0])
	}
}

func TestSessionViewReceivesOtherViewsTurns(t *testing.T) {
	f := newFixture(t)
	watcher := f.dial(t, "/ws/sessions/"+f.session.ID)
	waitFor(t, watcher, snapshotLen(0))

	sender := f.dial(t, "/ws/sessions/"+f.session.ID)
	waitFor(t, sender, snapshotLen(0))
	if err := sender.WriteJSON(map[string]any{"type": CommandSend, "data": map[string]string{"content": "hello"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, watcher, snapshotLen(2))
}

func TestSessionViewClosesOnDelete(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "/ws/sessions/"+f.session.ID)
	waitFor(t, conn, snapshotLen(0))

	if err := f.repo.DeleteSession(context.Background(), f.session.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}

	waitFor(t, conn, func(msg received) bool { return msg.Type == TypeDeleted })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestSessionViewRejectsUnknownCommand(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "/ws/sessions/"+f.session.ID)

	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := waitFor(t, conn, func(msg received) bool { return msg.Type == TypeError })
	if !strings.Contains(string(msg.Data), "dance") {
		t.Fatalf("unexpected error payload: %s", msg.Data)
	}
}

func TestSessionViewUnknownSession(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions/missing"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestUserSessionsPushesList(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "/ws/users/u1/sessions")

	sessionsLen := func(n int) func(received) bool {
		return func(msg received) bool {
			if msg.Type != TypeSessions {
				return false
			}
			var sessions []chat.Session
			_ = json.Unmarshal(msg.Data, &sessions)
			return len(sessions) == n
		}
	}
	waitFor(t, conn, sessionsLen(1))

	if _, err := f.repo.CreateSession(context.Background(), "u1", "second"); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := f.repo.CreateSession(context.Background(), "someone-else", ""); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	waitFor(t, conn, sessionsLen(2))

	if err := f.repo.DeleteSession(context.Background(), f.session.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	waitFor(t, conn, sessionsLen(1))
}
