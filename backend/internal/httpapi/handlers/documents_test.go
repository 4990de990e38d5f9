package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"

	"github.com/gin-gonic/gin"
)

type stubPresence struct{ cache.PresenceCache }

func (stubPresence) GetAliveMembersWithNames(context.Context, string) ([]cache.PresenceMember, error) {
	return []cache.PresenceMember{{ClientID: "c1", Username: "alice"}}, nil
}

func (stubPresence) GetSelections(context.Context, string) (map[string]cache.Selection, error) {
	return map[string]cache.Selection{"c1": {Start: 2}}, nil
}

func newTestRouter(svc collab.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/collab", func(c *gin.Context) {
		c.Set("userId", uint64(1))
		c.Next()
	})
	NewDocuments(svc, stubPresence{}).Register(g)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDocuments_GetContentAndOps(t *testing.T) {
	svc := collab.NewInMemoryService(nil, nil, nil, nil, collab.Options{})
	msg := &protocol.TextChangeMessage{Changes: []delta.Change{{Start: 0, NewText: "hello"}}}
	msg.ClientID = "a"
	msg.Seq = 1
	if _, err := svc.Submit(context.Background(), "doc", msg, nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	r := newTestRouter(svc)

	w := do(r, http.MethodGet, "/collab/documents/doc", "")
	var got struct {
		Version int    `json:"version"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || w.Code != http.StatusOK {
		t.Fatalf("GET document = %d %s", w.Code, w.Body.String())
	}
	if got.Content != "hello" || got.Version != 1 {
		t.Fatalf("GET document = %+v", got)
	}

	w = do(r, http.MethodGet, "/collab/documents/doc/ops?from=0", "")
	var ops struct {
		Ops []struct {
			Version   int
			ClientID  string
			AppliedAt time.Time
		} `json:"ops"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ops); err != nil || len(ops.Ops) != 1 || ops.Ops[0].ClientID != "a" {
		t.Fatalf("GET ops = %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodGet, "/collab/documents/doc/ops?from=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("GET ops with bad from = %d, want 400", w.Code)
	}
}

func TestDocuments_StoresNotConfigured(t *testing.T) {
	r := newTestRouter(collab.NewInMemoryService(nil, nil, nil, nil, collab.Options{}))
	if w := do(r, http.MethodPost, "/collab/documents", `{"title":"t"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST documents = %d, want 503", w.Code)
	}
	if w := do(r, http.MethodPost, "/collab/documents", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("POST documents without title = %d, want 400", w.Code)
	}
}

func TestDocuments_Members(t *testing.T) {
	r := newTestRouter(collab.NewInMemoryService(nil, nil, nil, nil, collab.Options{}))
	w := do(r, http.MethodGet, "/collab/documents/doc/members", "")
	var got struct {
		Members    []cache.PresenceMember     `json:"members"`
		Selections map[string]cache.Selection `json:"selections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("GET members body %s: %v", w.Body.String(), err)
	}
	if len(got.Members) != 1 || got.Members[0].Username != "alice" || got.Selections["c1"].Start != 2 {
		t.Fatalf("GET members = %+v", got)
	}
}
