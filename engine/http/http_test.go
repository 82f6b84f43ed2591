package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/engine/storage/inmem"
	"github.com/micromdm/nanotask/notification"
	"github.com/micromdm/nanotask/utils/uuid"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

// passwordAction needs a password token unless the email is "fail@".
type passwordAction struct{}

func (passwordAction) Name() string          { return "PasswordAction" }
func (passwordAction) Required() []string    { return []string{"email"} }
func (passwordAction) TokenFields() []string { return []string{"password"} }

func (passwordAction) Prepare(_ context.Context, step *action.Step) error {
	step.Valid = step.Data.String("email") != ""
	return nil
}

func (passwordAction) Approve(_ context.Context, step *action.Step) error {
	if strings.HasPrefix(step.Data.String("email"), "fail@") {
		return errors.New("provider secret detail")
	}
	step.NeedToken = true
	return nil
}

func (passwordAction) Submit(context.Context, *action.Step) error {
	return nil
}

type testServer struct {
	mux   *flow.Mux
	store *inmem.InMem
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	actions := action.NewRegistry()
	if err := actions.Register(passwordAction{}); err != nil {
		t.Fatal(err)
	}
	types := engine.NewRegistry(actions)
	for _, tt := range []*engine.TaskType{
		{Name: "reset", Actions: []string{"PasswordAction"}},
		{Name: "quota", Actions: []string{"PasswordAction"}, DuplicatePolicy: engine.DuplicateBlock},
	} {
		if err := types.Register(tt); err != nil {
			t.Fatal(err)
		}
	}
	store := inmem.New()
	n := notification.New(store)
	m := engine.New(store, types,
		engine.WithNotifier(n),
		engine.WithIDer(uuid.NewStaticIDs("T1", "A1", "T2", "A2", "T3", "A3")),
		engine.WithTokenIDer(uuid.NewStaticIDs("TOKEN1", "TOKEN2")),
	)
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, m, n)
	HandleTokenAPIv1("/v1", mux, log.NopLogger, m)
	return &testServer{mux: mux, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string, v interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderRequesterEmail, "admin@example.com")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if v != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("%s %s: %v: %s", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

type errorBody struct {
	Err    string              `json:"error"`
	Errors map[string][]string `json:"errors"`
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestServer(t)

	var task Task
	if have, want := s.do(t, "POST", "/v1/task/reset", `{"email":"a@example.com"}`, &task), http.StatusCreated; have != want {
		t.Fatalf("create: have %d, want %d", have, want)
	}
	if have, want := task.ID, "T1"; have != want {
		t.Errorf("id: have %q, want %q", have, want)
	}
	if have, want := task.Status, engine.StatusPending; have != want {
		t.Errorf("status: have %q, want %q", have, want)
	}
	if have, want := task.Requester.Email(), "admin@example.com"; have != want {
		t.Errorf("requester: have %q, want %q", have, want)
	}

	var tasks []*storage.Task
	if have, want := s.do(t, "GET", "/v1/tasks?active=true&task_type=reset", "", &tasks), http.StatusOK; have != want {
		t.Fatalf("list: have %d, want %d", have, want)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("tasks: have %d, want %d", have, want)
	}

	if have, want := s.do(t, "PUT", "/v1/task/T1", `{"email":"b@example.com"}`, &task), http.StatusOK; have != want {
		t.Fatalf("update: have %d, want %d", have, want)
	}
	if have, want := task.Actions[0].Data.String("email"), "b@example.com"; have != want {
		t.Errorf("email: have %q, want %q", have, want)
	}

	if have, want := s.do(t, "POST", "/v1/task/T1/approve", "", &task), http.StatusOK; have != want {
		t.Fatalf("approve: have %d, want %d", have, want)
	}
	if have, want := task.ApprovedBy, "admin@example.com"; have != want {
		t.Errorf("approved by: have %q, want %q", have, want)
	}

	var errBody errorBody
	if have, want := s.do(t, "PUT", "/v1/task/T1", `{"email":"c@example.com"}`, &errBody), http.StatusBadRequest; have != want {
		t.Errorf("update approved: have %d, want %d", have, want)
	}

	var fields struct {
		Fields []string `json:"fields"`
	}
	if have, want := s.do(t, "GET", "/v1/token/TOKEN1", "", &fields), http.StatusOK; have != want {
		t.Fatalf("token fields: have %d, want %d", have, want)
	}
	if have, want := strings.Join(fields.Fields, ","), "password"; have != want {
		t.Errorf("fields: have %q, want %q", have, want)
	}

	var reissued struct {
		Token string `json:"token"`
	}
	if have, want := s.do(t, "POST", "/v1/task/T1/token", "", &reissued), http.StatusOK; have != want {
		t.Fatalf("reissue: have %d, want %d", have, want)
	}
	if have, want := reissued.Token, "TOKEN2"; have != want {
		t.Errorf("token: have %q, want %q", have, want)
	}
	if have, want := s.do(t, "GET", "/v1/token/TOKEN1", "", nil), http.StatusNotFound; have != want {
		t.Errorf("old token: have %d, want %d", have, want)
	}

	errBody = errorBody{}
	if have, want := s.do(t, "POST", "/v1/token/TOKEN2", `{}`, &errBody), http.StatusBadRequest; have != want {
		t.Fatalf("submit missing: have %d, want %d", have, want)
	}
	if have, want := strings.Join(errBody.Errors["password"], ""), action.MsgFieldRequired; have != want {
		t.Errorf("field error: have %q, want %q", have, want)
	}

	var status struct {
		Status string `json:"status"`
	}
	if have, want := s.do(t, "POST", "/v1/token/TOKEN2", `{"password":"x"}`, &status), http.StatusOK; have != want {
		t.Fatalf("submit: have %d, want %d", have, want)
	}
	if have, want := status.Status, engine.StatusCompleted; have != want {
		t.Errorf("status: have %q, want %q", have, want)
	}

	if have, want := s.do(t, "POST", "/v1/task/T1/cancel", "", nil), http.StatusBadRequest; have != want {
		t.Errorf("cancel completed: have %d, want %d", have, want)
	}
}

func TestErrors(t *testing.T) {
	s := newTestServer(t)

	var errBody errorBody
	if have, want := s.do(t, "POST", "/v1/task/reset", `{}`, &errBody), http.StatusBadRequest; have != want {
		t.Errorf("validation: have %d, want %d", have, want)
	}
	if _, ok := errBody.Errors["email"]; !ok {
		t.Errorf("missing email field error: %+v", errBody)
	}
	if have, want := s.do(t, "POST", "/v1/task/reset", `not json`, nil), http.StatusBadRequest; have != want {
		t.Errorf("bad body: have %d, want %d", have, want)
	}
	if have, want := s.do(t, "POST", "/v1/task/nope", `{}`, nil), http.StatusNotFound; have != want {
		t.Errorf("unknown type: have %d, want %d", have, want)
	}
	if have, want := s.do(t, "GET", "/v1/task/nope", "", nil), http.StatusNotFound; have != want {
		t.Errorf("unknown task: have %d, want %d", have, want)
	}
	if have, want := s.do(t, "GET", "/v1/tasks?active=maybe", "", nil), http.StatusBadRequest; have != want {
		t.Errorf("bad query: have %d, want %d", have, want)
	}

	if have, want := s.do(t, "POST", "/v1/task/quota", `{"email":"a@example.com"}`, nil), http.StatusCreated; have != want {
		t.Fatalf("create: have %d, want %d", have, want)
	}
	if have, want := s.do(t, "POST", "/v1/task/quota", `{"email":"a@example.com"}`, nil), http.StatusConflict; have != want {
		t.Errorf("duplicate: have %d, want %d", have, want)
	}

	// action failures are not exposed
	var task Task
	if have, want := s.do(t, "POST", "/v1/task/reset", `{"email":"fail@example.com"}`, &task), http.StatusCreated; have != want {
		t.Fatalf("create: have %d, want %d", have, want)
	}
	errBody = errorBody{}
	if have, want := s.do(t, "POST", "/v1/task/"+task.ID+"/approve", "", &errBody), http.StatusServiceUnavailable; have != want {
		t.Fatalf("approve: have %d, want %d", have, want)
	}
	if have, want := errBody.Err, engine.MsgRetryLater; have != want {
		t.Errorf("message: have %q, want %q", have, want)
	}

	var notifications []*storage.Notification
	if have, want := s.do(t, "GET", "/v1/notifications?error=true&task_id="+task.ID, "", &notifications), http.StatusOK; have != want {
		t.Fatalf("notifications: have %d, want %d", have, want)
	}
	if have, want := len(notifications), 1; have != want {
		t.Fatalf("notifications: have %d, want %d", have, want)
	}
	if !strings.Contains(notifications[0].Notes[0], "provider secret detail") {
		t.Errorf("unexpected note: %q", notifications[0].Notes[0])
	}

	var acked storage.Notification
	if have, want := s.do(t, "POST", "/v1/notification/"+notifications[0].ID+"/acknowledge", "", &acked), http.StatusOK; have != want {
		t.Fatalf("acknowledge: have %d, want %d", have, want)
	}
	if !acked.Acknowledged {
		t.Error("expected acknowledged")
	}
	if have, want := s.do(t, "POST", "/v1/notification/nope/acknowledge", "", nil), http.StatusNotFound; have != want {
		t.Errorf("unknown notification: have %d, want %d", have, want)
	}
}
