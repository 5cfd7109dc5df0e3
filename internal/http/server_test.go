package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"semaphore/qrattendance/internal/attendance"
	"semaphore/qrattendance/internal/attendance/attendancetest"
	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/cache"
	"semaphore/qrattendance/internal/config"
	"semaphore/qrattendance/internal/model"
)

const (
	testTeacherID = "teacher-1"
	testCourseID  = "course-1"
	testClassA    = "class-a"
	testClassB    = "class-b"
)

type testEnv struct {
	url      string
	repo     *attendancetest.Repo
	redis    *miniredis.Miniredis
	identity *auth.Codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := attendancetest.NewRepo()
	repo.AddStudent("stu-a1", testClassA)
	repo.AddStudent("stu-a2", testClassA)
	repo.AddStudent("stu-b1", testClassB)
	repo.AddCourse(model.Course{ID: testCourseID, Name: "Networks", Code: "CS301", TeacherID: testTeacherID})

	qr, err := auth.NewCodec(auth.NamespaceQR, "qr-secret", "qrattendance")
	if err != nil {
		t.Fatalf("qr codec error: %v", err)
	}
	identity, err := auth.NewCodec(auth.NamespaceIdentity, "identity-secret", "qrattendance")
	if err != nil {
		t.Fatalf("identity codec error: %v", err)
	}
	manager, err := attendance.NewManager(repo, cache.NewStore(rdb), qr, attendance.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	cfg := config.Config{IdentityTokenTTL: time.Hour, SweepTimeout: time.Second, QRRotationInterval: 50 * time.Millisecond}
	server, err := NewServer(cfg, manager, repo, identity, nil)
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, repo: repo, redis: mr, identity: identity}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := e.identity.Issue(&auth.IdentityClaims{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("issue token error: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.url+path, reader)
	if err != nil {
		t.Fatalf("new request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	payload := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode body error: %v (%s)", err, raw)
		}
	}
	return resp.StatusCode, payload
}

func (e *testEnv) startSession(t *testing.T, teacherToken string, classIDs ...string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/sessions/start", teacherToken, map[string]interface{}{
		"courseId": testCourseID,
		"classIds": classIDs,
		"duration": 3,
	})
	if status != http.StatusOK {
		t.Fatalf("start status %d: %v", status, body)
	}
	session := body["session"].(map[string]interface{})
	return session["id"].(string)
}

func (e *testEnv) issueQR(t *testing.T, teacherToken, sessionID string) string {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/sessions/"+sessionID+"/qr", teacherToken, nil)
	if status != http.StatusOK {
		t.Fatalf("qr status %d: %v", status, body)
	}
	if !strings.HasPrefix(body["qrImage"].(string), "data:image/png;base64,") {
		t.Fatalf("expected png data url")
	}
	return body["qrToken"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", status, body)
	}
	resp, err := http.Get(env.url + "/metrics")
	if err != nil {
		t.Fatalf("metrics error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}
}

func TestLoginIssuesIdentityToken(t *testing.T) {
	env := newTestEnv(t)
	if err := env.repo.AddAccount(model.Account{ID: testTeacherID, Role: "teacher", Email: "teacher@demo.local", FirstName: "Ada"}, "dev-password"); err != nil {
		t.Fatalf("add account error: %v", err)
	}

	status, body := env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "Teacher@Demo.local", "password": "dev-password", "role": "teacher",
	})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("expected login success, got %d %v", status, body)
	}
	claims := &auth.IdentityClaims{}
	if err := env.identity.Verify(body["token"].(string), claims); err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if claims.UserID != testTeacherID || claims.Role != "teacher" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	serverTime := int64(body["serverTime"].(float64))
	if diff := time.Now().UnixMilli() - serverTime; diff < 0 || diff > time.Minute.Milliseconds() {
		t.Fatalf("unexpected serverTime %d", serverTime)
	}

	status, body = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "teacher@demo.local", "password": "wrong", "role": "teacher",
	})
	if status != http.StatusUnauthorized || body["error"] != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %v", status, body)
	}
	status, _ = env.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "teacher@demo.local", "password": "dev-password", "role": "admin",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", status)
	}
}

func TestAuthAndRoles(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, testTeacherID, "teacher")
	student := env.token(t, "stu-a1", "student")

	if status, body := env.do(t, http.MethodPost, "/sessions/start", "", nil); status != http.StatusUnauthorized || body["error"] != "missing_token" {
		t.Fatalf("expected missing token, got %d %v", status, body)
	}
	if status, _ := env.do(t, http.MethodPost, "/sessions/start", "garbage", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/sessions/start", student, map[string]interface{}{"courseId": testCourseID, "classIds": []string{testClassA}}); status != http.StatusForbidden {
		t.Fatalf("expected student to be forbidden, got %d", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/scan", teacher, map[string]interface{}{"qrToken": "x", "scannedAt": 1}); status != http.StatusForbidden {
		t.Fatalf("expected teacher scan to be forbidden, got %d", status)
	}

	sessionID := env.startSession(t, teacher, testClassA)
	other := env.token(t, "teacher-2", "teacher")
	if status, _ := env.do(t, http.MethodGet, "/sessions/"+sessionID+"/qr", other, nil); status != http.StatusForbidden {
		t.Fatalf("expected other teacher to be forbidden, got %d", status)
	}
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, testTeacherID, "teacher")
	sessionID := env.startSession(t, teacher, testClassA)
	qrToken := env.issueQR(t, teacher, sessionID)

	student := env.token(t, "stu-a1", "student")
	status, body := env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{
		"qrToken":   qrToken,
		"scannedAt": time.Now().UnixMilli(),
	})
	if status != http.StatusOK || body["sessionId"] != sessionID {
		t.Fatalf("expected scan success, got %d %v", status, body)
	}
	if _, ok := body["sessionEndTime"].(float64); !ok {
		t.Fatalf("expected sessionEndTime in ms, got %v", body["sessionEndTime"])
	}

	status, body = env.do(t, http.MethodGet, "/sessions/"+sessionID+"/live", teacher, nil)
	present := body["presentStudents"].([]interface{})
	if status != http.StatusOK || len(present) != 1 || present[0].(map[string]interface{})["id"] != "stu-a1" {
		t.Fatalf("unexpected live presence %d %v", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/mark", teacher, map[string]interface{}{
		"studentIds": []string{"stu-a2", "stu-b1", "ghost"},
	})
	if status != http.StatusOK {
		t.Fatalf("mark status %d: %v", status, body)
	}
	summary := body["summary"].(map[string]interface{})
	if summary["markedCount"].(float64) != 1 || summary["rejectedCount"].(float64) != 2 {
		t.Fatalf("unexpected summary %v", summary)
	}

	status, body = env.do(t, http.MethodGet, "/sessions/"+sessionID+"/students", teacher, nil)
	students := body["students"].([]interface{})
	if status != http.StatusOK || len(students) != 2 {
		t.Fatalf("unexpected roster %d %v", status, body)
	}
	for _, raw := range students {
		entry := raw.(map[string]interface{})
		if entry["present"] != true {
			t.Fatalf("expected %v present", entry["id"])
		}
	}

	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/extend", teacher, map[string]interface{}{"extraMinutes": 2})
	if status != http.StatusOK || body["newEnd"] == nil {
		t.Fatalf("unexpected extend %d %v", status, body)
	}
	if status, _ := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/extend", teacher, map[string]interface{}{"extraMinutes": 0}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero extension, got %d", status)
	}

	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/end", teacher, nil)
	if status != http.StatusOK || body["alreadyClosed"] != false {
		t.Fatalf("unexpected end %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/end", teacher, nil)
	if status != http.StatusOK || body["alreadyClosed"] != true {
		t.Fatalf("expected idempotent end, got %d %v", status, body)
	}
	if got := env.repo.AttendanceCount(sessionID); got != 2 {
		t.Fatalf("expected 2 attendance rows, got %d", got)
	}

	status, body = env.do(t, http.MethodGet, "/sessions/"+sessionID+"/qr", teacher, nil)
	if status != http.StatusBadRequest || body["error"] != "session_inactive" {
		t.Fatalf("expected inactive session, got %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/extend", teacher, map[string]interface{}{"extraMinutes": 2})
	if status != http.StatusBadRequest || body["error"] != "invalid_session" {
		t.Fatalf("expected invalid session, got %d %v", status, body)
	}
}

func TestScanRejections(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, testTeacherID, "teacher")
	sessionID := env.startSession(t, teacher, testClassA)
	qrToken := env.issueQR(t, teacher, sessionID)
	now := time.Now().UnixMilli()

	outsider := env.token(t, "stu-b1", "student")
	status, body := env.do(t, http.MethodPost, "/scan", outsider, map[string]interface{}{"qrToken": qrToken, "scannedAt": now})
	if status != http.StatusForbidden || body["error"] != "class_not_eligible" {
		t.Fatalf("expected class_not_eligible, got %d %v", status, body)
	}

	student := env.token(t, "stu-a1", "student")
	status, body = env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{"qrToken": "bogus", "scannedAt": now})
	if status != http.StatusBadRequest || body["error"] != "invalid_token" {
		t.Fatalf("expected invalid_token, got %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{"qrToken": qrToken, "scannedAt": "soon"})
	if status != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{"qrToken": qrToken})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing scannedAt, got %d %v", status, body)
	}
	late := now + (2000 * time.Second).Milliseconds()
	status, body = env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{"qrToken": qrToken, "scannedAt": strconv.FormatInt(late, 10)})
	if status != http.StatusBadRequest || body["error"] != "out_of_window" {
		t.Fatalf("expected out_of_window, got %d %v", status, body)
	}
	if got := env.repo.AttendanceCount(sessionID); got != 0 {
		t.Fatalf("expected no attendance rows, got %d", got)
	}
}

// An overdue session still flagged active is closed by the sweep that runs
// ahead of the next session request.
func TestSweepRunsBeforeSessionRequests(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, testTeacherID, "teacher")
	sessionID := env.startSession(t, teacher, testClassA)
	qrToken := env.issueQR(t, teacher, sessionID)

	student := env.token(t, "stu-a1", "student")
	if status, body := env.do(t, http.MethodPost, "/scan", student, map[string]interface{}{"qrToken": qrToken, "scannedAt": time.Now().UnixMilli()}); status != http.StatusOK {
		t.Fatalf("scan status %d: %v", status, body)
	}
	env.redis.SAdd("liveAttendance:"+sessionID, "stu-a2")
	env.repo.ForceEndTime(sessionID, time.Now().Add(-time.Minute))

	status, body := env.do(t, http.MethodGet, "/sessions/"+sessionID+"/live", teacher, nil)
	if status != http.StatusOK || len(body["presentStudents"].([]interface{})) != 0 {
		t.Fatalf("expected drained presence after sweep, got %d %v", status, body)
	}
	for _, s := range env.repo.Sessions() {
		if s.ID == sessionID && s.Active {
			t.Fatalf("expected session closed by sweep")
		}
	}
	if got := env.repo.AttendanceCount(sessionID); got != 2 {
		t.Fatalf("expected presence drained into 2 rows, got %d", got)
	}

	status, body = env.do(t, http.MethodPost, "/sessions/"+sessionID+"/end", teacher, nil)
	if status != http.StatusOK || body["alreadyClosed"] != true {
		t.Fatalf("expected already closed, got %d %v", status, body)
	}
	if got := env.repo.AttendanceCount(sessionID); got != 2 {
		t.Fatalf("expected drain to happen once, got %d rows", got)
	}
}

func TestTeacherCourses(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.token(t, testTeacherID, "teacher")
	env.startSession(t, teacher, testClassA)

	status, body := env.do(t, http.MethodGet, "/teacher/courses", teacher, nil)
	courses := body["courses"].([]interface{})
	if status != http.StatusOK || len(courses) != 1 {
		t.Fatalf("unexpected courses %d %v", status, body)
	}
	classes := courses[0].(map[string]interface{})["classes"].([]interface{})
	if len(classes) != 1 || classes[0].(map[string]interface{})["totalClasses"].(float64) != 1 {
		t.Fatalf("expected one counted class, got %v", classes)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[attendance.Kind]int{
		attendance.KindValidation:       http.StatusBadRequest,
		attendance.KindOutOfWindow:      http.StatusBadRequest,
		attendance.KindSessionInactive:  http.StatusBadRequest,
		attendance.KindClassNotEligible: http.StatusForbidden,
		attendance.KindSessionNotFound:  http.StatusNotFound,
		attendance.KindInternal:         http.StatusInternalServerError,
	}
	for kind, expected := range cases {
		if got := statusForKind(kind); got != expected {
			t.Fatalf("kind %s expected %d got %d", kind, expected, got)
		}
	}
}

func TestParseMillis(t *testing.T) {
	cases := map[string]int64{"1700000000123": 1700000000123, "1700000000123.9": 1700000000123}
	for input, expected := range cases {
		got, ok := parseMillis(json.Number(input))
		if !ok || got != expected {
			t.Fatalf("input %s expected %d got %d ok=%v", input, expected, got, ok)
		}
	}
	for _, input := range []string{"", "abc", "-5", "0"} {
		if _, ok := parseMillis(json.Number(input)); ok {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}
