// Package attendancetest provides an in-memory durable store for tests of
// packages built on attendance.Manager.
package attendancetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/model"
)

// Repo mirrors the conditional-update semantics of the Postgres store.
type Repo struct {
	mu         sync.Mutex
	sessions   map[string]model.Session
	students   map[string]model.Student
	accounts   map[string]model.Account
	courses    map[string]model.Course
	attendance map[string]map[string]time.Time
}

func NewRepo() *Repo {
	return &Repo{
		sessions:   map[string]model.Session{},
		students:   map[string]model.Student{},
		accounts:   map[string]model.Account{},
		courses:    map[string]model.Course{},
		attendance: map[string]map[string]time.Time{},
	}
}

func (r *Repo) AddStudent(id, classID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := model.Student{ID: id, FirstName: "First " + id, LastName: "Last " + id, Email: id + "@example.local", MIS: "MIS-" + id}
	if classID != "" {
		class := classID
		s.ClassID = &class
		s.Class = &model.Class{ID: classID, Name: strings.ToUpper(classID), Code: classID}
	}
	r.students[id] = s
}

// AddAccount registers a login. The password is hashed with bcrypt.
func (r *Repo) AddAccount(account model.Account, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	account.PasswordHash = hash
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.Role+"|"+account.Email] = account
	return nil
}

func (r *Repo) AddCourse(course model.Course) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.courses[course.ID] = course
}

func (r *Repo) Sessions() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ForceEndTime moves a session's end time without touching its active flag.
func (r *Repo) ForceEndTime(id string, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	s.EndTime = end
	r.sessions[id] = s
}

func (r *Repo) MarkedAt(sessionID, studentID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.attendance[sessionID][studentID]
	return t, ok
}

func (r *Repo) AttendanceCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attendance[sessionID])
}

func (r *Repo) CreateSession(_ context.Context, session model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session.ClassIDs = append([]string(nil), session.ClassIDs...)
	r.sessions[session.ID] = session
	if course, ok := r.courses[session.CourseID]; ok {
		for _, classID := range session.ClassIDs {
			found := false
			for i := range course.Classes {
				if course.Classes[i].ID == classID {
					course.Classes[i].TotalClasses++
					found = true
				}
			}
			if !found {
				course.Classes = append(course.Classes, model.ClassStat{Class: model.Class{ID: classID}, TotalClasses: 1})
			}
		}
		r.courses[session.CourseID] = course
	}
	return nil
}

func (r *Repo) GetSession(_ context.Context, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return s, nil
}

func (r *Repo) ExtendSession(_ context.Context, id string, extra time.Duration) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.Active {
		return time.Time{}, model.ErrNotFound
	}
	s.EndTime = s.EndTime.Add(extra)
	r.sessions[id] = s
	return s.EndTime, nil
}

func (r *Repo) CloseSession(_ context.Context, id string, endedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	s.EndTime = endedAt
	if s.EndTime.Before(s.StartTime) {
		s.EndTime = s.StartTime
	}
	r.sessions[id] = s
	return true, nil
}

func (r *Repo) CloseExpiredSession(_ context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.Active || !s.EndTime.Before(now) {
		return false, nil
	}
	s.Active = false
	r.sessions[id] = s
	return true, nil
}

func (r *Repo) ListExpiredSessionIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if s.Active && s.EndTime.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *Repo) InsertAttendance(_ context.Context, sessionID string, studentIDs []string, markedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.attendance[sessionID]
	if !ok {
		rows = map[string]time.Time{}
		r.attendance[sessionID] = rows
	}
	var created int64
	for _, id := range studentIDs {
		if _, exists := rows[id]; exists {
			continue
		}
		rows[id] = markedAt
		created++
	}
	return created, nil
}

func (r *Repo) ListAttendanceStudentIDs(_ context.Context, sessionID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.attendance[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repo) GetStudent(_ context.Context, id string) (model.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.students[id]
	if !ok {
		return model.Student{}, model.ErrNotFound
	}
	return s, nil
}

func (r *Repo) ListStudentsByIDs(_ context.Context, ids []string) ([]model.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Student
	for _, id := range ids {
		if s, ok := r.students[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Repo) ListStudentsByClassIDs(_ context.Context, classIDs []string) ([]model.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(classIDs))
	for _, id := range classIDs {
		wanted[id] = true
	}
	var out []model.Student
	for _, s := range r.students {
		if s.ClassID != nil && wanted[*s.ClassID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repo) GetAccountByEmail(_ context.Context, role, email string) (model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[role+"|"+email]
	if !ok {
		return model.Account{}, model.ErrNotFound
	}
	return account, nil
}

func (r *Repo) ListTeacherCourses(_ context.Context, teacherID string) ([]model.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Course{}
	for _, c := range r.courses {
		if c.TeacherID == teacherID {
			c.Classes = append([]model.ClassStat(nil), c.Classes...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
