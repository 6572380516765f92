package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/realtime"
	chatservice "github.com/zhouzirui/codechat/backend/internal/service/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/session"
)

type stubGateway struct {
	reply string
	err   error
}

func (g stubGateway) Complete(context.Context, string, []chat.ContextMessage, *chat.ImageRef) (string, error) {
	return g.reply, g.err
}

func setup(t *testing.T, gateway stubGateway) (*chi.Mux, string) {
	t.Helper()
	repo := chatservice.NewService()
	created, err := repo.CreateSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	opener := &session.Opener{Deps: session.Deps{Repo: repo, Gateway: gateway, Bus: realtime.NewHub(nil, 0)}}

	r := chi.NewRouter()
	New(opener, nil).RegisterRoutes(r)
	return r, created.ID
}

func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamEmitsStatesAndMessages(t *testing.T) {
	r, sessionID := setup(t, stubGateway{reply: "Here:\n```go\nfmt.Println(1)\n```"})
	req := httptest.NewRequest(http.MethodGet, "/stream/"+sessionID+"?message=print+one", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	got := strings.Join(eventNames(resp.Body.String()), ",")
	want := "start,state,state,state,state,state,message,message,end"
	if got != want {
		t.Fatalf("unexpected events:\n got %s\nwant %s", got, want)
	}
	body := resp.Body.String()
	for _, fragment := range []string{`"state":"awaiting_model"`, `"language":"go"`, `"persisted":true`} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("body missing %s:\n%s", fragment, body)
		}
	}
}

func TestStreamModelFailure(t *testing.T) {
	r, sessionID := setup(t, stubGateway{err: errors.New("rate limited")})
	req := httptest.NewRequest(http.MethodGet, "/stream/"+sessionID+"?message=hi", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	names := eventNames(resp.Body.String())
	if len(names) < 2 || names[len(names)-2] != "error" || names[len(names)-1] != "end" {
		t.Fatalf("unexpected events: %v", names)
	}
	if !strings.Contains(resp.Body.String(), `"persisted":false`) {
		t.Fatalf("expected unpersisted turn: %s", resp.Body.String())
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	r, sessionID := setup(t, stubGateway{reply: "ok"})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/"+sessionID, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/missing?message=hi", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	disabled := chi.NewRouter()
	New(nil, nil).RegisterRoutes(disabled)
	resp = httptest.NewRecorder()
	disabled.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/stream/"+sessionID+"?message=hi", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
