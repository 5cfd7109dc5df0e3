package attendance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/metrics"
	"semaphore/qrattendance/internal/model"
)

type ScanResult struct {
	SessionID      string
	SessionEndTime time.Time
	MarkedAt       time.Time
	// AlreadyMarked is set when an earlier scan or bulk mark created the row.
	AlreadyMarked bool
}

// Scan validates a student's QR submission and records attendance.
// scannedAtMillis is the client clock at scan time, in Unix milliseconds.
func (m *Manager) Scan(ctx context.Context, studentID, token string, scannedAtMillis int64) (ScanResult, error) {
	result, err := m.scan(ctx, studentID, token, scannedAtMillis)
	outcome := "accepted"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.ScansTotal.WithLabelValues(outcome).Inc()
	return result, err
}

func (m *Manager) scan(ctx context.Context, studentID, token string, scannedAtMillis int64) (ScanResult, error) {
	if studentID == "" {
		return ScanResult{}, newError(KindValidation, "student required")
	}
	if token == "" || scannedAtMillis <= 0 {
		return ScanResult{}, newError(KindValidation, "qrToken and scannedAt are required")
	}

	claims := &auth.QRClaims{}
	if err := m.qr.Verify(token, claims); err != nil {
		return ScanResult{}, &Error{Kind: KindInvalidToken, Message: "invalid or expired QR token", Err: err}
	}
	if claims.SessionID == "" || claims.Nonce == "" || claims.IssuedAt == nil {
		return ScanResult{}, newError(KindInvalidToken, "invalid or expired QR token")
	}
	sessionID := claims.SessionID

	classIDs, endTime, err := m.liveSession(ctx, sessionID)
	if err != nil {
		return ScanResult{}, err
	}

	shadow, ok, err := m.cache.GetNonce(ctx, claims.Nonce)
	if err != nil {
		return ScanResult{}, internalError("load qr nonce", err)
	}
	if ok && shadow.SessionID != sessionID {
		return ScanResult{}, newError(KindTokenSessionMismatch, "QR token session mismatch")
	}

	scannedAt := time.UnixMilli(scannedAtMillis).UTC()
	lower := claims.IssuedAtTime().Add(-m.cfg.ClockSkew)
	upper := claims.ExpiresAtTime().Add(m.cfg.LateScan)
	if scannedAt.Before(lower) || scannedAt.After(upper) {
		return ScanResult{}, newError(KindOutOfWindow, "QR scan time is outside the valid window")
	}
	now := m.clock()
	if now.Sub(scannedAt) > m.cfg.MaxSubmissionDelay {
		return ScanResult{}, newError(KindSubmissionTooStale, "QR scan submission delayed beyond acceptable limit")
	}

	student, err := m.repo.GetStudent(ctx, studentID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return ScanResult{}, internalError("load student", err)
	}
	if err != nil || student.ClassID == nil || *student.ClassID == "" {
		return ScanResult{}, newError(KindNoClassAssigned, "student class information missing")
	}
	if !contains(classIDs, *student.ClassID) {
		return ScanResult{}, newError(KindClassNotEligible, "you are not part of the class for this session")
	}

	created, err := m.repo.InsertAttendance(ctx, sessionID, []string{studentID}, scannedAt)
	if err != nil {
		return ScanResult{}, internalError("record attendance", err)
	}
	if err := m.cache.AddPresent(ctx, sessionID, studentID, m.liveTTL(endTime, now)); err != nil {
		m.logger.Warn("presence update failed", zap.String("session_id", sessionID), zap.String("student_id", studentID), zap.Error(err))
	}

	return ScanResult{
		SessionID:      sessionID,
		SessionEndTime: endTime,
		MarkedAt:       scannedAt,
		AlreadyMarked:  created == 0,
	}, nil
}

// liveSession answers from the live flag first and falls back to the durable
// active flag.
func (m *Manager) liveSession(ctx context.Context, sessionID string) ([]string, time.Time, error) {
	record, ok, err := m.cache.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("live flag lookup failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err == nil && ok {
		return record.ClassIDs, record.EndTime.UTC(), nil
	}

	session, err := m.repo.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, time.Time{}, newError(KindSessionInactive, "session is inactive or has expired")
	}
	if err != nil {
		return nil, time.Time{}, internalError("load session", err)
	}
	if !session.Active {
		return nil, time.Time{}, newError(KindSessionInactive, "session is inactive or has expired")
	}
	return session.ClassIDs, session.EndTime.UTC(), nil
}
