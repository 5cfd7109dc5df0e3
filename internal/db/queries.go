package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"semaphore/qrattendance/internal/model"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Queries struct {
	db DBTX
	sb sq.StatementBuilderType
}

func New(db DBTX) *Queries {
	return &Queries{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx, sb: q.sb}
}

// Sessions

func (q *Queries) InsertSession(ctx context.Context, s model.Session) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO sessions (id, course_id, teacher_id, start_time, end_time, active)
    VALUES ($1, $2, $3, $4, $5, $6)
  `, s.ID, s.CourseID, s.TeacherID, s.StartTime, s.EndTime, s.Active)
	return err
}

func (q *Queries) InsertSessionClass(ctx context.Context, sessionID, classID string) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO session_classes (session_id, class_id)
    VALUES ($1, $2)
    ON CONFLICT DO NOTHING
  `, sessionID, classID)
	return err
}

func (q *Queries) IncrementCourseStats(ctx context.Context, courseID, classID string) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO course_stats (course_id, class_id, total_classes)
    VALUES ($1, $2, 1)
    ON CONFLICT (course_id, class_id)
    DO UPDATE SET total_classes = course_stats.total_classes + 1
  `, courseID, classID)
	return err
}

func (q *Queries) GetSession(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	row := q.db.QueryRow(ctx, `
    SELECT s.id::text, s.course_id::text, s.teacher_id::text, s.start_time, s.end_time, s.active,
           COALESCE(array_agg(sc.class_id::text) FILTER (WHERE sc.class_id IS NOT NULL), '{}')
    FROM sessions s
    LEFT JOIN session_classes sc ON sc.session_id = s.id
    WHERE s.id = $1
    GROUP BY s.id
  `, id)
	err := row.Scan(&s.ID, &s.CourseID, &s.TeacherID, &s.StartTime, &s.EndTime, &s.Active, &s.ClassIDs)
	return s, notFound(err)
}

// ExtendSession pushes end_time forward only while the session is active.
func (q *Queries) ExtendSession(ctx context.Context, id string, extra time.Duration) (time.Time, error) {
	var newEnd time.Time
	err := q.db.QueryRow(ctx, `
    UPDATE sessions
    SET end_time = end_time + make_interval(secs => $2)
    WHERE id = $1 AND active
    RETURNING end_time
  `, id, extra.Seconds()).Scan(&newEnd)
	return newEnd, notFound(err)
}

// CloseSession flips active to false. It reports whether this call performed
// the transition.
func (q *Queries) CloseSession(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
    UPDATE sessions
    SET active = false, end_time = GREATEST($2, start_time)
    WHERE id = $1 AND active
  `, id, endedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CloseExpiredSession closes the session only if it is still past its end
// time, so an extend that landed first wins.
func (q *Queries) CloseExpiredSession(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
    UPDATE sessions
    SET active = false
    WHERE id = $1 AND active AND end_time < $2
  `, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query, args, err := q.sb.
		Select("id::text").
		From("sessions").
		Where(sq.Eq{"active": true}).
		Where(sq.Lt{"end_time": now}).
		OrderBy("end_time").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	return q.collectStrings(ctx, query, args...)
}

// Attendance

// InsertAttendance creates missing attendance rows and leaves existing ones
// untouched. It returns the number of rows created.
func (q *Queries) InsertAttendance(ctx context.Context, sessionID string, studentIDs []string, markedAt time.Time) (int64, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
    INSERT INTO attendance (session_id, student_id, marked_at)
    SELECT $1, student_id, $3
    FROM unnest($2::text[]::uuid[]) AS student_id
    ON CONFLICT (session_id, student_id) DO NOTHING
  `, sessionID, studentIDs, markedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListAttendanceStudentIDs(ctx context.Context, sessionID string) ([]string, error) {
	return q.collectStrings(ctx, `
    SELECT student_id::text
    FROM attendance
    WHERE session_id = $1
    ORDER BY marked_at
  `, sessionID)
}

func (q *Queries) GetAttendance(ctx context.Context, sessionID, studentID string) (model.Attendance, error) {
	a := model.Attendance{SessionID: sessionID, StudentID: studentID}
	err := q.db.QueryRow(ctx, `
    SELECT marked_at FROM attendance WHERE session_id = $1 AND student_id = $2
  `, sessionID, studentID).Scan(&a.MarkedAt)
	return a, notFound(err)
}

// Students

func (q *Queries) studentSelect() sq.SelectBuilder {
	return q.sb.
		Select(
			"s.id::text", "s.first_name", "s.last_name", "s.email", "s.mis", "s.department", "s.branch",
			"s.class_id::text", "c.name", "c.code",
		).
		From("students s").
		LeftJoin("classes c ON c.id = s.class_id")
}

func (q *Queries) GetStudent(ctx context.Context, id string) (model.Student, error) {
	query, args, err := q.studentSelect().Where(sq.Eq{"s.id::text": id}).ToSql()
	if err != nil {
		return model.Student{}, err
	}
	students, err := q.queryStudents(ctx, query, args...)
	if err != nil {
		return model.Student{}, notFound(err)
	}
	if len(students) == 0 {
		return model.Student{}, model.ErrNotFound
	}
	return students[0], nil
}

func (q *Queries) ListStudentsByIDs(ctx context.Context, ids []string) ([]model.Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := q.studentSelect().Where(sq.Eq{"s.id::text": ids}).OrderBy("s.last_name", "s.first_name").ToSql()
	if err != nil {
		return nil, err
	}
	return q.queryStudents(ctx, query, args...)
}

func (q *Queries) ListStudentsByClassIDs(ctx context.Context, classIDs []string) ([]model.Student, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	query, args, err := q.studentSelect().Where(sq.Eq{"s.class_id::text": classIDs}).OrderBy("s.last_name", "s.first_name").ToSql()
	if err != nil {
		return nil, err
	}
	return q.queryStudents(ctx, query, args...)
}

func (q *Queries) queryStudents(ctx context.Context, query string, args ...interface{}) ([]model.Student, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var (
			s         model.Student
			classID   *string
			className *string
			classCode *string
		)
		if err := rows.Scan(&s.ID, &s.FirstName, &s.LastName, &s.Email, &s.MIS, &s.Department, &s.Branch, &classID, &className, &classCode); err != nil {
			return nil, err
		}
		if classID != nil {
			s.ClassID = classID
			s.Class = &model.Class{ID: *classID, Name: deref(className), Code: deref(classCode)}
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// Accounts and courses

func (q *Queries) GetAccountByEmail(ctx context.Context, role, email string) (model.Account, error) {
	account := model.Account{Role: role}
	var row pgx.Row
	switch role {
	case "teacher":
		row = q.db.QueryRow(ctx, `
      SELECT id::text, email, password_hash, first_name, last_name, department, NULL::text
      FROM teachers
      WHERE email = $1
    `, email)
	case "student":
		row = q.db.QueryRow(ctx, `
      SELECT id::text, email, password_hash, first_name, last_name, department, class_id::text
      FROM students
      WHERE email = $1
    `, email)
	default:
		return account, model.ErrNotFound
	}
	err := row.Scan(&account.ID, &account.Email, &account.PasswordHash, &account.FirstName, &account.LastName, &account.Department, &account.ClassID)
	return account, notFound(err)
}

func (q *Queries) ListTeacherCourses(ctx context.Context, teacherID string) ([]model.Course, error) {
	rows, err := q.db.Query(ctx, `
    SELECT co.id::text, co.name, co.code, co.teacher_id::text,
           cl.id::text, cl.name, cl.code, cs.total_classes
    FROM courses co
    LEFT JOIN course_stats cs ON cs.course_id = co.id
    LEFT JOIN classes cl ON cl.id = cs.class_id
    WHERE co.teacher_id = $1
    ORDER BY co.name, cl.name
  `, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []model.Course
	index := map[string]int{}
	for rows.Next() {
		var (
			course    model.Course
			classID   *string
			className *string
			classCode *string
			total     *int
		)
		if err := rows.Scan(&course.ID, &course.Name, &course.Code, &course.TeacherID, &classID, &className, &classCode, &total); err != nil {
			return nil, err
		}
		i, ok := index[course.ID]
		if !ok {
			course.Classes = []model.ClassStat{}
			courses = append(courses, course)
			i = len(courses) - 1
			index[course.ID] = i
		}
		if classID != nil {
			stat := model.ClassStat{Class: model.Class{ID: *classID, Name: deref(className), Code: deref(classCode)}}
			if total != nil {
				stat.TotalClasses = *total
			}
			courses[i].Classes = append(courses[i].Classes, stat)
		}
	}
	return courses, rows.Err()
}

func (q *Queries) collectStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const (
	invalidTextRepresentation = "22P02"
	foreignKeyViolation       = "23503"
)

// notFound maps missing rows and malformed ids to model.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == invalidTextRepresentation || pgErr.Code == foreignKeyViolation) {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, model.ErrNotFound)
	}
	return err
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
