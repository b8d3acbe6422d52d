package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/taskgrid/taskqueue/internal/exec"
	"github.com/taskgrid/taskqueue/internal/keycodec"
	"github.com/taskgrid/taskqueue/internal/store"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	keycodec.ResetForTest()
	if err := keycodec.Initialize("42", 4); err != nil {
		t.Fatalf("keycodec init: %v", err)
	}
	t.Cleanup(keycodec.ResetForTest)

	meter := otel.GetMeterProvider().Meter("test")
	facade := store.New(meter)
	monitor := exec.New(facade, meter)
	facade.AttachMonitor(monitor)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go monitor.Run(ctx)

	return NewHandler(facade)
}

func TestHandlePushSingleAndPop(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(InsertTask{Name: "a"})
	req := httptest.NewRequest(http.MethodPut, "/v1/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePush(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var task Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Name != "a" || task.ID == "" {
		t.Fatalf("unexpected task %+v", task)
	}

	popReq := httptest.NewRequest(http.MethodGet, "/v1/pop", nil)
	popRec := httptest.NewRecorder()
	h.handlePop(popRec, popReq)
	if popRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", popRec.Code, popRec.Body.String())
	}
	var exc Execution
	if err := json.Unmarshal(popRec.Body.Bytes(), &exc); err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	if exc.Task.ID != task.ID {
		t.Fatalf("expected to pop the pushed task, got %+v", exc.Task)
	}
}

func TestHandlePushArrayForm(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal([]InsertTask{{Name: "a"}, {Name: "b"}})
	req := httptest.NewRequest(http.MethodPut, "/v1/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePush(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tasks []Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestHandlePushUndecodableKeyReturns400(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(InsertTask{Name: "orphan", DependsOn: []string{"zzz-not-a-key"}})
	req := httptest.NewRequest(http.MethodPut, "/v1/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePush(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCompleteUnknownReturns400(t *testing.T) {
	h := newTestHandler(t)

	ext, err := keycodec.Encode(1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body, _ := json.Marshal(CompleteTask{ID: ext})
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleComplete(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var wireErr Error
	if err := json.Unmarshal(rec.Body.Bytes(), &wireErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(wireErr.Message, ext) {
		t.Fatalf("expected error message to reference the concealed external key %q, got %q", ext, wireErr.Message)
	}
	if wireErr.Message == "store: invalid task id 1" {
		t.Fatalf("expected the raw internal key to be concealed, got the unconcealed message %q", wireErr.Message)
	}
}

// A MissingDependencyError's parent key must also be concealed before it
// reaches the response, not just InvalidTaskIDError's key.
func TestHandlePushMissingDependencyConcealsInternalKey(t *testing.T) {
	h := newTestHandler(t)

	missingExt, err := keycodec.Encode(12345)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body, _ := json.Marshal(InsertTask{Name: "orphan", DependsOn: []string{missingExt}})
	req := httptest.NewRequest(http.MethodPut, "/v1/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePush(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var wireErr Error
	if err := json.Unmarshal(rec.Body.Bytes(), &wireErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(wireErr.Message, missingExt) {
		t.Fatalf("expected error message to reference the concealed external key %q, got %q", missingExt, wireErr.Message)
	}
	if strings.Contains(wireErr.Message, "12345") {
		t.Fatalf("expected error message to not leak the raw internal key, got %q", wireErr.Message)
	}
}

func TestHandlePushWrongMethodRejected(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/push", nil)
	rec := httptest.NewRecorder()
	h.handlePush(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
