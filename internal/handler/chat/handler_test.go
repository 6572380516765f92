package chat

import (
	"bytes"
	"context"
	"encoding/json"
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

func (g *stubGateway) Complete(context.Context, string, []chat.ContextMessage, *chat.ImageRef) (string, error) {
	return g.reply, g.err
}

type failingAssistantRepo struct {
	chat.Repository
}

func (r failingAssistantRepo) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.Role == chat.RoleAssistant {
		return chat.Message{}, errors.New("write timeout")
	}
	return r.Repository.InsertMessage(ctx, m)
}

func setupRouter(gateway *stubGateway, repo chat.Repository) (*chi.Mux, chat.Repository) {
	if repo == nil {
		repo = chatservice.NewService()
	}
	var (
		opener *session.Opener
		gw     session.Gateway
	)
	if gateway != nil {
		gw = gateway
		opener = &session.Opener{Deps: session.Deps{Repo: repo, Gateway: gateway, Bus: realtime.NewHub(nil, 0)}}
	}
	handler := New(repo, opener, gw, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, repo
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateSessionDefaultsTitle(t *testing.T) {
	r, _ := setupRouter(nil, nil)

	resp := do(r, http.MethodPost, "/sessions", map[string]string{"userId": "u1"})

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Title != chat.DefaultTitle || created.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", created)
	}
}

func TestCreateSessionUsesUserHeader(t *testing.T) {
	r, _ := setupRouter(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{}`))
	req.Header.Set(UserHeader, "header-user")
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"userId":"header-user"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestCreateSessionMissingUser(t *testing.T) {
	r, _ := setupRouter(nil, nil)

	resp := do(r, http.MethodPost, "/sessions", map[string]string{})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSessionCRUD(t *testing.T) {
	r, repo := setupRouter(nil, nil)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	if resp := do(r, http.MethodGet, "/sessions/"+created.ID, nil); resp.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPatch, "/sessions/"+created.ID, map[string]string{"title": "Rust lifetimes"}); resp.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPatch, "/sessions/"+created.ID, map[string]string{"title": " "}); resp.Code != http.StatusBadRequest {
		t.Fatalf("rename blank: expected 400, got %d", resp.Code)
	}

	resp := do(r, http.MethodGet, "/sessions?userId=u1", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Rust lifetimes") {
		t.Fatalf("list: %d %s", resp.Code, resp.Body.String())
	}

	if resp := do(r, http.MethodDelete, "/sessions/"+created.ID, nil); resp.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.Code)
	}
	if resp := do(r, http.MethodGet, "/sessions/"+created.ID, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.Code)
	}
	if resp := do(r, http.MethodGet, "/sessions/"+created.ID+"/messages", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("messages after delete: expected 404, got %d", resp.Code)
	}
}

func TestSendMessageCreatesTurn(t *testing.T) {
	r, repo := setupRouter(&stubGateway{reply: "Try this:\n```python\nprint(1)\n```"}, nil)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	resp := do(r, http.MethodPost, "/sessions/"+created.ID+"/messages", map[string]string{"content": "print one"})

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var turn session.Turn
	if err := json.Unmarshal(resp.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !turn.Persisted || turn.Assistant == nil || len(turn.Assistant.CodeBlocks) != 1 {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if turn.Assistant.CodeBlocks[0].Language != "python" || turn.Assistant.Explanation != "Try this:" {
		t.Fatalf("unexpected processing: %+v", turn.Assistant)
	}

	listed := do(r, http.MethodGet, "/sessions/"+created.ID+"/messages", nil)
	var messages []chat.Message
	if err := json.Unmarshal(listed.Body.Bytes(), &messages); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(messages) != 2 || len(messages[1].CodeBlocks) != 1 {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestSendMessageValidation(t *testing.T) {
	r, repo := setupRouter(&stubGateway{reply: "ok"}, nil)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	if resp := do(r, http.MethodPost, "/sessions/"+created.ID+"/messages", map[string]string{"content": "  "}); resp.Code != http.StatusBadRequest {
		t.Fatalf("empty: expected 400, got %d", resp.Code)
	}
	if resp := do(r, http.MethodPost, "/sessions/missing/messages", map[string]string{"content": "hi"}); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", resp.Code)
	}
}

func TestSendMessageModelFailure(t *testing.T) {
	r, repo := setupRouter(&stubGateway{err: errors.New("upstream down")}, nil)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	resp := do(r, http.MethodPost, "/sessions/"+created.ID+"/messages", map[string]string{"content": "hi"})

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	messages, _ := repo.ListMessages(context.Background(), created.ID)
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("user message must be kept: %+v", messages)
	}
}

func TestSendMessageAssistantNotPersisted(t *testing.T) {
	repo := failingAssistantRepo{Repository: chatservice.NewService()}
	r, _ := setupRouter(&stubGateway{reply: "ok"}, repo)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	resp := do(r, http.MethodPost, "/sessions/"+created.ID+"/messages", map[string]string{"content": "hi"})

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"persisted":false`) || !strings.Contains(resp.Body.String(), `"delivery":"failed"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestSendMessageWithoutGateway(t *testing.T) {
	r, repo := setupRouter(nil, nil)
	created, _ := repo.CreateSession(context.Background(), "u1", "")

	if resp := do(r, http.MethodPost, "/sessions/"+created.ID+"/messages", map[string]string{"content": "hi"}); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestAIResponse(t *testing.T) {
	r, _ := setupRouter(&stubGateway{reply: "```js\nconsole.log(1)\n```"}, nil)

	resp := do(r, http.MethodPost, "/ai/response", map[string]any{
		"message": "log one",
		"context": []map[string]string{{"role": "user", "content": "hi"}},
	})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var processed chat.ProcessedMessage
	if err := json.Unmarshal(resp.Body.Bytes(), &processed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(processed.CodeBlocks) != 1 || processed.CodeBlocks[0].Code != "console.log(1)" || processed.Explanation != "" {
		t.Fatalf("unexpected result: %+v", processed)
	}
}

func TestAIResponseErrors(t *testing.T) {
	r, _ := setupRouter(&stubGateway{reply: "ok"}, nil)
	resp := do(r, http.MethodPost, "/ai/response", map[string]string{})
	if resp.Code != http.StatusBadRequest || !strings.Contains(resp.Body.String(), "Message is required") {
		t.Fatalf("expected 400, got %d %s", resp.Code, resp.Body.String())
	}

	failing, _ := setupRouter(&stubGateway{err: errors.New("boom")}, nil)
	resp = do(failing, http.MethodPost, "/ai/response", map[string]string{"message": "hi"})
	if resp.Code != http.StatusInternalServerError || !strings.Contains(resp.Body.String(), "Failed to get AI response") {
		t.Fatalf("expected 500, got %d %s", resp.Code, resp.Body.String())
	}

	none, _ := setupRouter(nil, nil)
	if resp := do(none, http.MethodPost, "/ai/response", map[string]string{"message": "hi"}); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
