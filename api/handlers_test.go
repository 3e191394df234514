package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/controller"
	"prism-sync/domain"
)

type fakeBoard struct {
	tasks     map[string]*domain.Task
	err       error
	lastPatch domain.TaskPatch
	lastID    string
	requeued  int
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{tasks: map[string]*domain.Task{}}
}

func (f *fakeBoard) Board(ctx context.Context, id string) (*domain.Board, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Board{ID: id, Title: id}, nil
}

func (f *fakeBoard) Task(ctx context.Context, id string) (*domain.Task, error) {
	if task, ok := f.tasks[id]; ok {
		return task, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBoard) Quadrants(ctx context.Context, boardID string) (map[domain.Quadrant][]*domain.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[domain.Quadrant][]*domain.Task{}
	for _, task := range f.tasks {
		out[task.Quadrant] = append(out[task.Quadrant], task)
	}
	return out, nil
}

func (f *fakeBoard) AddTask(ctx context.Context, boardID, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastPatch, f.lastID = patch, id
	task := &domain.Task{ID: id, BoardID: boardID, Quadrant: domain.QuadrantNeither}
	if patch.Title.Value != nil {
		task.Title = *patch.Title.Value
	}
	f.tasks[id] = task
	return task, nil
}

func (f *fakeBoard) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	f.lastPatch, f.lastID = patch, id
	if f.err != nil {
		return nil, f.err
	}
	return f.Task(ctx, id)
}

func (f *fakeBoard) CompleteTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := f.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Done = true
	return task, nil
}

func (f *fakeBoard) DeleteTask(ctx context.Context, id string) error {
	if _, ok := f.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeBoard) ClassifyTask(ctx context.Context, id string) (*domain.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.Task(ctx, id)
}

func (f *fakeBoard) SyncStatus(ctx context.Context) (controller.SyncStatus, error) {
	return controller.SyncStatus{QueueStats: domain.QueueStats{Pending: 2, Failed: 1}, Leader: true}, nil
}

func (f *fakeBoard) RetrySync(ctx context.Context) (int, error) { return f.requeued, nil }

func (f *fakeBoard) PullBoard(ctx context.Context, boardID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 4, nil
}

func (f *fakeBoard) Schedule(ctx context.Context) ([]domain.ScheduledNotification, error) {
	return []domain.ScheduledNotification{{TaskID: "t1", BoardID: "b1", FireAt: time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC)}}, nil
}

type staticAuth struct{ err error }

func (a staticAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user", nil
}

func newServer(board Board, auth Authenticator) *echo.Echo {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	Register(e, board, auth, logger)
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPostTask(t *testing.T) {
	board := newFakeBoard()
	e := newServer(board, staticAuth{})

	rec := do(e, http.MethodPost, "/api/boards/b1/tasks", `{"id":"t1","title":"Pay rent","due":"2025-03-01T10:00:00Z","reminderLeadMinutes":15}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if board.lastID != "t1" || board.lastPatch.Title.Value == nil || *board.lastPatch.Title.Value != "Pay rent" {
		t.Fatalf("unexpected add call id=%q patch=%+v", board.lastID, board.lastPatch)
	}
	if board.lastPatch.ReminderLeadMinutes.Value == nil || *board.lastPatch.ReminderLeadMinutes.Value != 15 {
		t.Fatalf("reminder lead not forwarded: %+v", board.lastPatch.ReminderLeadMinutes)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.ID != "t1" || task.BoardID != "b1" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestPostTaskRejectsUnknownFields(t *testing.T) {
	board := newFakeBoard()
	e := newServer(board, staticAuth{})
	rec := do(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"x","colour":"red"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if len(board.tasks) != 0 {
		t.Fatalf("store must not be called with an invalid body")
	}
}

func TestPostTaskRejectsOversizedBody(t *testing.T) {
	e := newServer(newFakeBoard(), staticAuth{})
	body := `{"title":"` + strings.Repeat("x", maxBodySize) + `"}`
	if rec := do(e, http.MethodPost, "/api/boards/b1/tasks", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestPatchTaskClearsReminder(t *testing.T) {
	board := newFakeBoard()
	board.tasks["t1"] = &domain.Task{ID: "t1", BoardID: "b1"}
	e := newServer(board, staticAuth{})

	rec := do(e, http.MethodPatch, "/api/tasks/t1", `{"due":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if !board.lastPatch.Due.Set || board.lastPatch.Due.Value != nil {
		t.Fatalf("expected an explicit null due, got %+v", board.lastPatch.Due)
	}
	if board.lastPatch.Title.Set {
		t.Fatalf("absent title must stay unset")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &domain.ValidationError{Field: "title", Reason: "is required"}, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"storage", &domain.StorageError{Op: "commit", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"classifier off", controller.ErrClassifierDisabled, http.StatusNotImplemented},
		{"classifier down", controller.ErrClassificationFailed, http.StatusBadGateway},
		{"remote offline", &domain.NetworkError{Op: "list", Err: errors.New("dial tcp: timeout")}, http.StatusBadGateway},
		{"remote refused", &domain.PermissionError{Op: "read", Err: errors.New("403")}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			board := newFakeBoard()
			board.err = tc.err
			e := newServer(board, staticAuth{})
			rec := do(e, http.MethodGet, "/api/boards/b1/quadrants", "")
			if rec.Code != tc.code {
				t.Fatalf("expected %d got %d", tc.code, rec.Code)
			}
		})
	}
}

func TestPullWhileOfflineIsBadGateway(t *testing.T) {
	board := newFakeBoard()
	board.err = &domain.NetworkError{Op: "list", Err: errors.New("no route to host")}
	e := newServer(board, staticAuth{})
	rec := do(e, http.MethodPost, "/api/boards/b1/pull", "")
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "unreachable") {
		t.Fatalf("unexpected pull response %d %s", rec.Code, rec.Body.String())
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	board := newFakeBoard()
	board.err = &domain.ValidationError{Field: "title", Reason: "is required"}
	e := newServer(board, staticAuth{})
	rec := do(e, http.MethodPost, "/api/boards/b1/tasks", `{"notes":"x"}`)
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Field != "title" {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestTaskLifecycleRoutes(t *testing.T) {
	board := newFakeBoard()
	board.tasks["t1"] = &domain.Task{ID: "t1", BoardID: "b1"}
	e := newServer(board, staticAuth{})

	if rec := do(e, http.MethodGet, "/api/tasks/t1", ""); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/tasks/t1/complete", ""); rec.Code != http.StatusOK || !board.tasks["t1"].Done {
		t.Fatalf("complete: %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/tasks/t1/classify", ""); rec.Code != http.StatusOK {
		t.Fatalf("classify: %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/tasks/t1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/tasks/t1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestSyncRoutes(t *testing.T) {
	board := newFakeBoard()
	board.requeued = 3
	e := newServer(board, staticAuth{})

	rec := do(e, http.MethodGet, "/api/sync", "")
	var st controller.SyncStatus
	if err := sonic.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !st.Leader || st.Pending != 2 || st.Failed != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	rec = do(e, http.MethodPost, "/api/sync/retry", "")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"requeued":3`) {
		t.Fatalf("unexpected retry response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/boards/b1/pull", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"adopted":4`) {
		t.Fatalf("unexpected pull response %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/schedule", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"taskId":"t1"`) {
		t.Fatalf("unexpected schedule response %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnauthorized(t *testing.T) {
	board := newFakeBoard()
	e := newServer(board, staticAuth{err: errMissingAuthorization})
	if rec := do(e, http.MethodGet, "/api/boards/b1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health check must not require auth, got %d", rec.Code)
	}
}

func TestGzipRequestBody(t *testing.T) {
	board := newFakeBoard()
	e := newServer(board, staticAuth{})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"id":"t9","title":"Compressed"}`))
	zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || board.tasks["t9"] == nil {
		t.Fatalf("expected gzip body to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/boards/b1/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}
