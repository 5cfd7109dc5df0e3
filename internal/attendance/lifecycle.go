package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/qrattendance/internal/metrics"
	"semaphore/qrattendance/internal/model"
)

type StartParams struct {
	TeacherID       string
	CourseID        string
	ClassIDs        []string
	DurationMinutes int
}

type EndResult struct {
	AlreadyClosed bool
	// Reconciled counts attendance rows created from the presence set.
	Reconciled int64
}

type closeTrigger string

const (
	triggerManual closeTrigger = "manual"
	triggerSweep  closeTrigger = "sweep"
)

// StartSession opens a session for the given classes. The durable rows and
// per-class counters are written in one transaction before the live flag.
func (m *Manager) StartSession(ctx context.Context, params StartParams) (model.Session, error) {
	if params.TeacherID == "" || params.CourseID == "" {
		return model.Session{}, newError(KindValidation, "teacher and course are required")
	}
	classIDs := uniqueNonEmpty(params.ClassIDs)
	if len(classIDs) == 0 {
		return model.Session{}, newError(KindValidation, "classIds must be a non-empty array")
	}
	minutes := params.DurationMinutes
	if minutes == 0 {
		minutes = m.cfg.DefaultSessionMinutes
	}
	if minutes < 0 {
		return model.Session{}, newError(KindValidation, "duration must be positive")
	}

	now := m.clock()
	duration := time.Duration(minutes) * time.Minute
	session := model.Session{
		ID:        uuid.NewString(),
		CourseID:  params.CourseID,
		TeacherID: params.TeacherID,
		StartTime: now,
		EndTime:   now.Add(duration),
		Active:    true,
		ClassIDs:  classIDs,
	}
	if err := m.repo.CreateSession(ctx, session); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Session{}, newError(KindValidation, "unknown course or class")
		}
		return model.Session{}, internalError("create session", err)
	}

	if err := m.cache.PutSession(ctx, session.ID, recordFor(session), duration+m.cfg.Grace); err != nil {
		// No QR can be issued without the live flag.
		if _, closeErr := m.repo.CloseSession(ctx, session.ID, now); closeErr != nil {
			m.logger.Error("compensating close failed", zap.String("session_id", session.ID), zap.Error(closeErr))
		}
		return model.Session{}, internalError("cache session", err)
	}

	metrics.SessionsStarted.Inc()
	m.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("course_id", session.CourseID),
		zap.Strings("class_ids", session.ClassIDs),
		zap.Time("end_time", session.EndTime),
	)
	return session, nil
}

// Extend pushes the end time of an active session forward and returns the new
// end time.
func (m *Manager) Extend(ctx context.Context, sessionID string, extraMinutes int) (time.Time, error) {
	if extraMinutes <= 0 {
		return time.Time{}, newError(KindValidation, "extraMinutes must be positive")
	}
	newEnd, err := m.repo.ExtendSession(ctx, sessionID, time.Duration(extraMinutes)*time.Minute)
	if errors.Is(err, model.ErrNotFound) {
		return time.Time{}, newError(KindInvalidSession, "invalid or inactive session")
	}
	if err != nil {
		return time.Time{}, internalError("extend session", err)
	}
	newEnd = newEnd.UTC()

	now := m.clock()
	record, ok, err := m.cache.GetSession(ctx, sessionID)
	if err != nil || !ok {
		session, loadErr := m.repo.GetSession(ctx, sessionID)
		if loadErr != nil {
			m.logger.Warn("live flag not refreshed after extend", zap.String("session_id", sessionID), zap.Error(loadErr))
			return newEnd, nil
		}
		record = recordFor(session)
	}
	record.EndTime = newEnd
	ttl := m.liveTTL(newEnd, now)
	if err := m.cache.PutSession(ctx, sessionID, record, ttl); err != nil {
		m.logger.Warn("live flag not refreshed after extend", zap.String("session_id", sessionID), zap.Error(err))
	}
	if _, err := m.cache.ExpirePresence(ctx, sessionID, ttl); err != nil {
		m.logger.Warn("presence ttl not refreshed after extend", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.logger.Info("session extended", zap.String("session_id", sessionID), zap.Time("end_time", newEnd))
	return newEnd, nil
}

// EndSession closes the session on teacher request. Closing an already closed
// session reports AlreadyClosed and writes nothing.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (EndResult, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return EndResult{}, newError(KindInvalidSession, "session not found")
	}
	if err != nil {
		return EndResult{}, internalError("load session", err)
	}
	if !session.Active {
		return EndResult{AlreadyClosed: true}, nil
	}

	closed, reconciled, err := m.close(ctx, sessionID, triggerManual)
	if err != nil {
		return EndResult{}, internalError("close session", err)
	}
	if !closed {
		return EndResult{AlreadyClosed: true}, nil
	}
	return EndResult{Reconciled: reconciled}, nil
}

// close is the single closing procedure. Only the caller whose conditional
// update flipped the row drains the presence set.
func (m *Manager) close(ctx context.Context, sessionID string, trigger closeTrigger) (bool, int64, error) {
	now := m.clock()
	var (
		closed bool
		err    error
	)
	if trigger == triggerSweep {
		closed, err = m.repo.CloseExpiredSession(ctx, sessionID, now)
	} else {
		closed, err = m.repo.CloseSession(ctx, sessionID, now)
	}
	if err != nil || !closed {
		return false, 0, err
	}

	metrics.SessionsClosed.WithLabelValues(string(trigger)).Inc()
	reconciled, err := m.drain(ctx, sessionID, now)
	m.logger.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("trigger", string(trigger)),
		zap.Int64("reconciled", reconciled),
	)
	return true, reconciled, err
}

// drain removes the live flag, persists every present student that has no
// durable row yet and drops the presence set.
func (m *Manager) drain(ctx context.Context, sessionID string, closedAt time.Time) (int64, error) {
	if err := m.cache.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("live flag delete failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	present, err := m.cache.Present(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	reconciled, err := m.repo.InsertAttendance(ctx, sessionID, present, closedAt)
	if err != nil {
		return 0, err
	}
	if err := m.cache.DeletePresence(ctx, sessionID); err != nil {
		m.logger.Warn("presence delete failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return reconciled, nil
}
