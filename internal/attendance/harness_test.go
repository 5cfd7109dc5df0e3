package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"semaphore/qrattendance/internal/attendance/attendancetest"
	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/cache"
	"semaphore/qrattendance/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	manager *Manager
	repo    *attendancetest.Repo
	cache   *cache.Store
	redis   *miniredis.Miniredis
	clock   *testClock
	qr      *auth.Codec
}

const (
	teacherID = "teacher-1"
	courseID  = "course-1"
	classA    = "class-a"
	classB    = "class-b"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithCache(t, nil)
}

// newHarnessWithCache lets a test wrap the real cache store.
func newHarnessWithCache(t *testing.T, wrap func(*cache.Store) Cache) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	qr, err := auth.NewCodec(auth.NamespaceQR, "qr-secret", "qrattendance", auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("codec error: %v", err)
	}

	repo := attendancetest.NewRepo()
	repo.AddStudent("stu-a1", classA)
	repo.AddStudent("stu-a2", classA)
	repo.AddStudent("stu-b1", classB)
	repo.AddStudent("stu-none", "")

	store := cache.NewStore(rdb)
	var ephemeral Cache = store
	if wrap != nil {
		ephemeral = wrap(store)
	}
	manager, err := NewManager(repo, ephemeral, qr, DefaultConfig(), nil, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	return &harness{manager: manager, repo: repo, cache: store, redis: mr, clock: clock, qr: qr}
}

// advance moves both the manager clock and Redis key expiry.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.redis.FastForward(d)
}

func (h *harness) start(t *testing.T, classIDs ...string) model.Session {
	t.Helper()
	session, err := h.manager.StartSession(context.Background(), StartParams{
		TeacherID:       teacherID,
		CourseID:        courseID,
		ClassIDs:        classIDs,
		DurationMinutes: 3,
	})
	if err != nil {
		t.Fatalf("start session error: %v", err)
	}
	return session
}

func (h *harness) issue(t *testing.T, sessionID string) QRCode {
	t.Helper()
	code, err := h.manager.IssueQR(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("issue qr error: %v", err)
	}
	return code
}

func expectKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}
