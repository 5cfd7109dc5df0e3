package attendance

import (
	"context"

	"semaphore/qrattendance/internal/model"
)

type RosterEntry struct {
	Student model.Student
	Present bool
}

// LivePresence lists the students currently in the session's presence set.
func (m *Manager) LivePresence(ctx context.Context, sessionID string) ([]model.Student, error) {
	ids, err := m.cache.Present(ctx, sessionID)
	if err != nil {
		return nil, internalError("load presence", err)
	}
	students, err := m.repo.ListStudentsByIDs(ctx, ids)
	if err != nil {
		return nil, internalError("load students", err)
	}
	if students == nil {
		students = []model.Student{}
	}
	return students, nil
}

// Roster lists every student of the session's classes, marked present when a
// durable attendance row exists.
func (m *Manager) Roster(ctx context.Context, sessionID string) ([]RosterEntry, error) {
	session, err := m.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	roster := []RosterEntry{}
	if len(session.ClassIDs) == 0 {
		return roster, nil
	}
	students, err := m.repo.ListStudentsByClassIDs(ctx, session.ClassIDs)
	if err != nil {
		return nil, internalError("load students", err)
	}
	presentIDs, err := m.repo.ListAttendanceStudentIDs(ctx, sessionID)
	if err != nil {
		return nil, internalError("load attendance", err)
	}
	present := make(map[string]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}
	for _, s := range students {
		roster = append(roster, RosterEntry{Student: s, Present: present[s.ID]})
	}
	return roster, nil
}
