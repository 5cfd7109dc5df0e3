package attendance

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"semaphore/qrattendance/internal/metrics"
	"semaphore/qrattendance/internal/model"
)

const (
	ReasonStudentNotFound = "student not found"
	ReasonNotInClass      = "not in session class"
)

type Rejection struct {
	StudentID string
	Reason    string
}

// Outcome partitions the requested students. Every distinct requested id
// appears in exactly one of the two lists.
type Outcome struct {
	Accepted []string
	Rejected []Rejection
}

// BulkMark marks the given students present on a teacher's behalf. Marking is
// additive: students already present stay present with their first markedAt.
func (m *Manager) BulkMark(ctx context.Context, sessionID string, studentIDs []string) (Outcome, error) {
	requested := uniqueNonEmpty(studentIDs)
	if len(requested) == 0 {
		return Outcome{}, newError(KindValidation, "studentIds must be a non-empty array")
	}

	session, err := m.repo.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return Outcome{}, newError(KindSessionNotFound, "session not found")
	}
	if err != nil {
		return Outcome{}, internalError("load session", err)
	}

	students, err := m.repo.ListStudentsByIDs(ctx, requested)
	if err != nil {
		return Outcome{}, internalError("load students", err)
	}
	byID := make(map[string]model.Student, len(students))
	for _, s := range students {
		byID[s.ID] = s
	}

	outcome := Outcome{Accepted: []string{}, Rejected: []Rejection{}}
	for _, id := range requested {
		student, ok := byID[id]
		switch {
		case !ok:
			outcome.Rejected = append(outcome.Rejected, Rejection{StudentID: id, Reason: ReasonStudentNotFound})
		case student.ClassID == nil || !contains(session.ClassIDs, *student.ClassID):
			outcome.Rejected = append(outcome.Rejected, Rejection{StudentID: id, Reason: ReasonNotInClass})
		default:
			outcome.Accepted = append(outcome.Accepted, id)
		}
	}

	if len(outcome.Accepted) > 0 {
		now := m.clock()
		if _, err := m.repo.InsertAttendance(ctx, sessionID, outcome.Accepted, now); err != nil {
			return Outcome{}, internalError("record attendance", err)
		}
		if session.Active {
			ttl := m.liveTTL(session.EndTime, now)
			for _, id := range outcome.Accepted {
				if err := m.cache.AddPresent(ctx, sessionID, id, ttl); err != nil {
					m.logger.Warn("presence update failed", zap.String("session_id", sessionID), zap.String("student_id", id), zap.Error(err))
					break
				}
			}
		}
	}

	metrics.BulkMarked.WithLabelValues("accepted").Add(float64(len(outcome.Accepted)))
	metrics.BulkMarked.WithLabelValues("rejected").Add(float64(len(outcome.Rejected)))
	return outcome, nil
}
