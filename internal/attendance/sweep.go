package attendance

import (
	"context"

	"go.uber.org/zap"
)

// SweepExpired closes every durably active session whose end time has
// passed. A failure on one session is logged and does not stop the others.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.repo.ListExpiredSessionIDs(ctx, m.clock(), m.cfg.SweepBatch)
	if err != nil {
		return 0, internalError("list expired sessions", err)
	}
	closed := 0
	for _, id := range ids {
		ok, _, err := m.close(ctx, id, triggerSweep)
		if err != nil {
			m.logger.Error("sweep close failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}
