package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/livesync"
	"rollcall/internal/model"
	"rollcall/internal/scanport"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "rollcall-test"
)

type env struct {
	router *gin.Engine
	store  *attendance.MemoryStore
	desks  *attendance.Desks
	token  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := attendance.NewMemoryStore()
	desks := attendance.NewDesks(store, attendance.Options{
		Source: livesync.Poller{Interval: time.Hour},
		Log:    zap.NewNop(),
	}, scanport.Options{})
	t.Cleanup(desks.CloseAll)

	h := New(attendance.NewService(store), desks, zap.NewNop())
	h.Checks = map[string]func(context.Context) bool{"store": func(context.Context) bool { return true }}

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	h.Register(r.Group("/v1", auth.OperatorAuth(testKey, testIssuer)))

	tok, err := auth.Issue("op-1", testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return &env{router: r, store: store, desks: desks, token: tok.AccessToken}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q failed: %v", w.Body.String(), err)
	}
	return v
}

// seed creates two students and an active session over them.
func (e *env) seed(t *testing.T) model.Session {
	t.Helper()
	for _, st := range []attendance.NewStudent{
		{USN: "1BM22CS001", IDNum: "B001", Name: "Asha", AcademicYear: "2024-25", BatchYear: "2022"},
		{USN: "1BM22CS002", IDNum: "B002", Name: "Ravi", AcademicYear: "2024-25", BatchYear: "2022"},
	} {
		if w := e.do(t, http.MethodPost, "/v1/students", st); w.Code != http.StatusCreated {
			t.Fatalf("create student: got %d %s", w.Code, w.Body.String())
		}
	}
	w := e.do(t, http.MethodPost, "/v1/sessions", attendance.NewSession{
		Name: "DBMS Lab", AcademicYear: "2024-25", BatchYear: "2022",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: got %d %s", w.Code, w.Body.String())
	}
	return decode[model.Session](t, w)
}

func (e *env) openDesk(t *testing.T, sessionID string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/desks", gin.H{"session_id": sessionID})
	if w.Code != http.StatusCreated {
		t.Fatalf("open desk: got %d %s", w.Code, w.Body.String())
	}
	return decode[deskView](t, w).ID
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"store":true`) {
		t.Errorf("body: got %s", w.Body.String())
	}
}

func TestRoutesRequireToken(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	if sess.TotalStudents != 2 || sess.Status != model.StatusActive {
		t.Fatalf("session: got %+v", sess)
	}

	w := e.do(t, http.MethodGet, "/v1/sessions", nil)
	list := decode[struct {
		Sessions []model.Session `json:"sessions"`
	}](t, w)
	if len(list.Sessions) != 1 {
		t.Errorf("sessions: got %d, want 1", len(list.Sessions))
	}

	w = e.do(t, http.MethodPatch, "/v1/sessions/"+sess.ID+"/status", gin.H{"status": "ended"})
	if w.Code != http.StatusOK {
		t.Fatalf("end: got %d %s", w.Code, w.Body.String())
	}
	if got := decode[model.Session](t, w); got.EndTime == nil {
		t.Error("ended session has no end_time")
	}

	w = e.do(t, http.MethodPatch, "/v1/sessions/"+sess.ID+"/status", gin.H{"status": "active"})
	if w.Code != http.StatusConflict {
		t.Errorf("reopen: got %d, want %d", w.Code, http.StatusConflict)
	}

	if w := e.do(t, http.MethodDelete, "/v1/sessions/"+sess.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/v1/sessions/"+sess.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/v1/sessions", gin.H{"session_name": "x", "session_type": "Party", "academic_year": "2024-25"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeskScanFlow(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	desk := e.openDesk(t, sess.ID)
	base := "/v1/desks/" + desk

	w := e.do(t, http.MethodPost, base+"/scans", gin.H{"code": "1bm22cs001"})
	res := decode[attendance.Result](t, w)
	if w.Code != http.StatusOK || res.Status != attendance.OutcomeMarked {
		t.Fatalf("scan: got %d %+v", w.Code, res)
	}
	if res.Record == nil || res.Record.Method != model.MethodManual {
		t.Errorf("default method: got %+v", res.Record)
	}

	res = decode[attendance.Result](t, e.do(t, http.MethodPost, base+"/scans", gin.H{"code": "1BM22CS001"}))
	if res.Status != attendance.OutcomeDuplicate {
		t.Errorf("rescan: got %q, want %q", res.Status, attendance.OutcomeDuplicate)
	}
	res = decode[attendance.Result](t, e.do(t, http.MethodPost, base+"/scans", gin.H{"code": "ZZZZ"}))
	if res.Status != attendance.OutcomeNotFound || res.Message != "Student not found!" {
		t.Errorf("unknown: got %+v", res)
	}

	present := decode[struct {
		Present []model.PresentEntry `json:"present"`
		Count   int                  `json:"count"`
	}](t, e.do(t, http.MethodGet, base+"/present", nil))
	if present.Count != 1 || present.Present[0].Name != "Asha" {
		t.Fatalf("present: got %+v", present)
	}
	absent := decode[struct {
		Absent []model.Student `json:"absent"`
	}](t, e.do(t, http.MethodGet, base+"/absent", nil))
	if len(absent.Absent) != 1 || absent.Absent[0].Name != "Ravi" {
		t.Errorf("absent: got %+v", absent)
	}

	sum := decode[attendance.Summary](t, e.do(t, http.MethodGet, base+"/summary", nil))
	if sum.Present != 1 || sum.Absent != 1 || sum.Percentage != 50 {
		t.Errorf("summary: got %+v", sum)
	}

	w = e.do(t, http.MethodDelete, base+"/records/"+present.Present[0].ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unmark: got %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodDelete, base+"/records/"+present.Present[0].ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("unmark again: got %d, want %d", w.Code, http.StatusNotFound)
	}

	if w := e.do(t, http.MethodDelete, base, nil); w.Code != http.StatusNoContent {
		t.Errorf("close desk: got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, base+"/present", nil); w.Code != http.StatusNotFound {
		t.Errorf("closed desk: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDeskKeysAndFocus(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	base := "/v1/desks/" + e.openDesk(t, sess.ID)

	w := e.do(t, http.MethodPost, base+"/keys", gin.H{"text": "B002", "keys": []scanport.KeyEvent{{Key: scanport.KeyEnter}}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("keys: got %d %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Accepted int                `json:"accepted"`
		Last     *attendance.Result `json:"last"`
	}](t, w)
	if body.Accepted != 5 || body.Last == nil || body.Last.Status != attendance.OutcomeMarked {
		t.Fatalf("keys body: got %+v", body)
	}
	if body.Last.Record.Method != model.MethodBarcode {
		t.Errorf("method: got %q, want barcode", body.Last.Record.Method)
	}

	if w := e.do(t, http.MethodPut, base+"/focus", gin.H{"manual": true}); w.Code != http.StatusOK {
		t.Fatalf("focus: got %d", w.Code)
	}
	e.do(t, http.MethodPost, base+"/keys", gin.H{"text": "B001", "keys": []scanport.KeyEvent{{Key: scanport.KeyEnter}}})
	present := decode[struct {
		Count int `json:"count"`
	}](t, e.do(t, http.MethodGet, base+"/present", nil))
	if present.Count != 1 {
		t.Errorf("keys under manual focus were processed: present %d", present.Count)
	}

	if w := e.do(t, http.MethodPut, base+"/focus", gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("focus without flag: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestDeskBelongsToAccount(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	desk := e.openDesk(t, sess.ID)

	other, _ := auth.Issue("op-2", testIssuer, testKey, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/v1/desks/"+desk+"/present", nil)
	req.Header.Set("Authorization", "Bearer "+other.AccessToken)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign desk: got %d, want %d", w.Code, http.StatusNotFound)
	}

	if w := e.do(t, http.MethodPost, "/v1/desks", gin.H{"session_id": "missing"}); w.Code != http.StatusNotFound {
		t.Errorf("open unknown session: got %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestLiveStream(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	desk := e.openDesk(t, sess.ID)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/desks/"+desk+"/live", nil)
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type: got %q", ct)
	}
	events := bufio.NewReader(resp.Body)

	next := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := events.ReadString('\n')
			if err != nil {
				t.Fatalf("read event failed: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := next()
	if name != "snapshot" {
		t.Fatalf("first event: got %q, want snapshot", name)
	}

	e.do(t, http.MethodPost, "/v1/desks/"+desk+"/scans", gin.H{"code": "B001"})
	for {
		name, data := next()
		if name != "snapshot" {
			t.Fatalf("event: got %q, want snapshot", name)
		}
		var snap attendance.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			t.Fatalf("decode snapshot failed: %v", err)
		}
		if len(snap.Present) == 1 {
			break
		}
	}

	e.do(t, http.MethodDelete, "/v1/desks/"+desk, nil)
	for {
		name, _ := next()
		if name == "closed" {
			return
		}
	}
}

func TestAnalytics(t *testing.T) {
	e := newEnv(t)
	sess := e.seed(t)
	desk := e.openDesk(t, sess.ID)
	if res := decode[attendance.Result](t, e.do(t, http.MethodPost, "/v1/desks/"+desk+"/scans", gin.H{"code": "B001"})); res.Status != attendance.OutcomeMarked {
		t.Fatalf("scan: got %+v", res)
	}
	if _, err := e.store.RecountSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("RecountSession failed: %v", err)
	}

	w := e.do(t, http.MethodGet, "/v1/analytics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("analytics: got %d %s", w.Code, w.Body.String())
	}
	ov := decode[attendance.Overview](t, w)
	if ov.TotalStudents != 2 || ov.TotalSessions != 1 || ov.ActiveSessions != 1 || ov.RecentPresent != 1 {
		t.Errorf("counters: got %+v", ov)
	}
	if ov.AvgAttendanceRate != 50 || len(ov.RecentSessions) != 1 || ov.RecentSessions[0].Rate != 50 {
		t.Errorf("rates: got %+v", ov)
	}
	if ov.ActiveBatches != 1 || len(ov.Batches) != 1 || ov.Batches[0] != (attendance.GroupCount{Key: "2022", Students: 2}) {
		t.Errorf("batches: got %+v", ov.Batches)
	}
}

func TestListStudentsSearch(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	found := decode[struct {
		Students []model.Student `json:"students"`
	}](t, e.do(t, http.MethodGet, "/v1/students?q=RAV", nil))
	if len(found.Students) != 1 || found.Students[0].Name != "Ravi" {
		t.Errorf("search: got %+v", found.Students)
	}
}
