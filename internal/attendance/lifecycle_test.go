package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"semaphore/qrattendance/internal/cache"
)

func TestStartSessionPersistsAndCaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSession(ctx, StartParams{
		TeacherID: teacherID,
		CourseID:  courseID,
		ClassIDs:  []string{classA, classA, "", classB},
	})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if got := session.EndTime.Sub(session.StartTime); got != 3*time.Minute {
		t.Fatalf("expected default duration of 3 minutes, got %v", got)
	}
	if len(session.ClassIDs) != 2 || session.ClassIDs[0] != classA || session.ClassIDs[1] != classB {
		t.Fatalf("expected de-duplicated classes, got %v", session.ClassIDs)
	}

	stored, err := h.repo.GetSession(ctx, session.ID)
	if err != nil || !stored.Active {
		t.Fatalf("expected durable active session, got %+v err=%v", stored, err)
	}
	record, ok, err := h.cache.GetSession(ctx, session.ID)
	if err != nil || !ok {
		t.Fatalf("expected live flag, ok=%v err=%v", ok, err)
	}
	if record.TeacherID != teacherID || !record.EndTime.Equal(session.EndTime) {
		t.Fatalf("unexpected live record %+v", record)
	}
	if ttl := h.redis.TTL("activeSession:" + session.ID); ttl != 3*time.Minute+20*time.Second {
		t.Fatalf("expected ttl of duration plus grace, got %v", ttl)
	}
}

func TestStartSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []StartParams{
		{TeacherID: teacherID, CourseID: courseID},
		{TeacherID: teacherID, CourseID: courseID, ClassIDs: []string{""}},
		{TeacherID: teacherID, CourseID: courseID, ClassIDs: []string{classA}, DurationMinutes: -1},
		{CourseID: courseID, ClassIDs: []string{classA}},
	}
	for i, params := range cases {
		_, err := h.manager.StartSession(ctx, params)
		expectKind(t, err, KindValidation)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected errors.Is to match ErrValidation", i)
		}
	}
}

type failingPutCache struct {
	*cache.Store
}

func (failingPutCache) PutSession(context.Context, string, cache.SessionRecord, time.Duration) error {
	return errors.New("redis down")
}

func TestStartSessionClosesWhenCacheWriteFails(t *testing.T) {
	h := newHarnessWithCache(t, func(store *cache.Store) Cache { return failingPutCache{store} })

	_, err := h.manager.StartSession(context.Background(), StartParams{
		TeacherID: teacherID,
		CourseID:  courseID,
		ClassIDs:  []string{classA},
	})
	expectKind(t, err, KindInternal)

	for _, s := range h.repo.Sessions() {
		if s.Active {
			t.Fatalf("expected session %s to be closed after failed cache write", s.ID)
		}
	}
}

func TestExtendPushesEndAndRefreshesTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.start(t, classA)
	code := h.issue(t, session.ID)
	if _, err := h.manager.Scan(ctx, "stu-a1", code.Token, h.clock.Now().UnixMilli()); err != nil {
		t.Fatalf("scan error: %v", err)
	}

	h.advance(time.Minute)
	newEnd, err := h.manager.Extend(ctx, session.ID, 5)
	if err != nil {
		t.Fatalf("extend error: %v", err)
	}
	if !newEnd.Equal(session.EndTime.Add(5 * time.Minute)) {
		t.Fatalf("expected end %v, got %v", session.EndTime.Add(5*time.Minute), newEnd)
	}
	record, ok, _ := h.cache.GetSession(ctx, session.ID)
	if !ok || !record.EndTime.Equal(newEnd) {
		t.Fatalf("expected live record to carry new end, got %+v", record)
	}
	// 3m start + 5m extension - 1m elapsed + 20s grace
	if ttl := h.redis.TTL("activeSession:" + session.ID); ttl != 7*time.Minute+20*time.Second {
		t.Fatalf("expected refreshed ttl, got %v", ttl)
	}
	if ttl := h.redis.TTL("liveAttendance:" + session.ID); ttl != 7*time.Minute+20*time.Second {
		t.Fatalf("expected refreshed presence ttl, got %v", ttl)
	}
}

func TestExtendRejectsClosedOrUnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.start(t, classA)

	if _, err := h.manager.Extend(ctx, session.ID, 0); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for zero minutes, got %v", err)
	}
	if _, err := h.manager.EndSession(ctx, session.ID); err != nil {
		t.Fatalf("end error: %v", err)
	}
	_, err := h.manager.Extend(ctx, session.ID, 2)
	expectKind(t, err, KindInvalidSession)
	_, err = h.manager.Extend(ctx, "missing", 2)
	expectKind(t, err, KindInvalidSession)

	stored, _ := h.repo.GetSession(ctx, session.ID)
	if stored.Active {
		t.Fatalf("expected closed session to stay closed")
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.start(t, classA)

	code := h.issue(t, session.ID)
	if _, err := h.manager.Scan(ctx, "stu-a1", code.Token, h.clock.Now().UnixMilli()); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	// present in the live set only, as if the durable write had been lost
	if err := h.cache.AddPresent(ctx, session.ID, "stu-a2", time.Minute); err != nil {
		t.Fatalf("add present error: %v", err)
	}

	h.advance(30 * time.Second)
	first, err := h.manager.EndSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("end error: %v", err)
	}
	if first.AlreadyClosed || first.Reconciled != 1 {
		t.Fatalf("expected first end to close and reconcile one row, got %+v", first)
	}
	scannedAt, _ := h.repo.MarkedAt(session.ID, "stu-a1")
	reconciledAt, _ := h.repo.MarkedAt(session.ID, "stu-a2")

	second, err := h.manager.EndSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("second end error: %v", err)
	}
	if !second.AlreadyClosed {
		t.Fatalf("expected second end to report already closed")
	}
	if got := h.repo.AttendanceCount(session.ID); got != 2 {
		t.Fatalf("expected 2 attendance rows, got %d", got)
	}
	if at, _ := h.repo.MarkedAt(session.ID, "stu-a1"); !at.Equal(scannedAt) {
		t.Fatalf("scan markedAt changed")
	}
	if at, _ := h.repo.MarkedAt(session.ID, "stu-a2"); !at.Equal(reconciledAt) {
		t.Fatalf("reconciled markedAt changed")
	}
	if h.redis.Exists("activeSession:"+session.ID) || h.redis.Exists("liveAttendance:"+session.ID) {
		t.Fatalf("expected live keys to be removed")
	}

	stored, _ := h.repo.GetSession(ctx, session.ID)
	if stored.Active || !stored.EndTime.Equal(h.clock.Now()) {
		t.Fatalf("expected session closed at end request, got %+v", stored)
	}

	_, err = h.manager.EndSession(ctx, "missing")
	expectKind(t, err, KindInvalidSession)
}

// A session whose end passed without a sweep is closed by the next sweep and
// its presence set is drained exactly once.
func TestSweepClosesMissedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.start(t, classA)

	code := h.issue(t, session.ID)
	if _, err := h.manager.Scan(ctx, "stu-a1", code.Token, h.clock.Now().UnixMilli()); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if err := h.cache.AddPresent(ctx, session.ID, "stu-a2", 10*time.Minute); err != nil {
		t.Fatalf("add present error: %v", err)
	}

	h.advance(3*time.Minute + time.Second)
	stored, _ := h.repo.GetSession(ctx, session.ID)
	if !stored.Active {
		t.Fatalf("expected session still flagged active before sweep")
	}

	closed, err := h.manager.SweepExpired(ctx)
	if err != nil || closed != 1 {
		t.Fatalf("expected one closed session, got %d err=%v", closed, err)
	}
	stored, _ = h.repo.GetSession(ctx, session.ID)
	if stored.Active {
		t.Fatalf("expected session inactive after sweep")
	}
	if got := h.repo.AttendanceCount(session.ID); got != 2 {
		t.Fatalf("expected presence drained into 2 rows, got %d", got)
	}
	if h.redis.Exists("liveAttendance:" + session.ID) {
		t.Fatalf("expected presence set removed")
	}

	closed, err = h.manager.SweepExpired(ctx)
	if err != nil || closed != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d err=%v", closed, err)
	}
	if got := h.repo.AttendanceCount(session.ID); got != 2 {
		t.Fatalf("expected no further rows, got %d", got)
	}
	result, err := h.manager.EndSession(ctx, session.ID)
	if err != nil || !result.AlreadyClosed {
		t.Fatalf("expected end after sweep to be already closed, got %+v err=%v", result, err)
	}
}

func TestSweepLeavesExtendedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.start(t, classA)

	h.advance(2 * time.Minute)
	if _, err := h.manager.Extend(ctx, session.ID, 5); err != nil {
		t.Fatalf("extend error: %v", err)
	}
	h.advance(2 * time.Minute)

	closed, err := h.manager.SweepExpired(ctx)
	if err != nil || closed != 0 {
		t.Fatalf("expected extended session to survive the sweep, got %d err=%v", closed, err)
	}
	stored, _ := h.repo.GetSession(ctx, session.ID)
	if !stored.Active {
		t.Fatalf("expected session to remain active")
	}
	if _, err := h.manager.IssueQR(ctx, session.ID); err != nil {
		t.Fatalf("expected qr issuance to keep working, got %v", err)
	}
}
