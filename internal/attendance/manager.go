package attendance

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/cache"
	"semaphore/qrattendance/internal/model"
)

// Repository is the durable side of attendance. *db.Store satisfies it.
type Repository interface {
	CreateSession(ctx context.Context, session model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	ExtendSession(ctx context.Context, id string, extra time.Duration) (time.Time, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time) (bool, error)
	CloseExpiredSession(ctx context.Context, id string, now time.Time) (bool, error)
	ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
	InsertAttendance(ctx context.Context, sessionID string, studentIDs []string, markedAt time.Time) (int64, error)
	ListAttendanceStudentIDs(ctx context.Context, sessionID string) ([]string, error)
	GetStudent(ctx context.Context, id string) (model.Student, error)
	ListStudentsByIDs(ctx context.Context, ids []string) ([]model.Student, error)
	ListStudentsByClassIDs(ctx context.Context, classIDs []string) ([]model.Student, error)
}

// Cache is the ephemeral side of attendance. *cache.Store satisfies it.
type Cache interface {
	PutSession(ctx context.Context, sessionID string, record cache.SessionRecord, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (cache.SessionRecord, bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AddPresent(ctx context.Context, sessionID, studentID string, ttl time.Duration) error
	Present(ctx context.Context, sessionID string) ([]string, error)
	ExpirePresence(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	DeletePresence(ctx context.Context, sessionID string) error
	PutNonce(ctx context.Context, nonce string, record cache.NonceRecord, ttl time.Duration) error
	GetNonce(ctx context.Context, nonce string) (cache.NonceRecord, bool, error)
}

type Config struct {
	QRValidity            time.Duration
	ClockSkew             time.Duration
	LateScan              time.Duration
	MaxSubmissionDelay    time.Duration
	Grace                 time.Duration
	DefaultSessionMinutes int
	SweepBatch            int
}

func DefaultConfig() Config {
	return Config{
		QRValidity:            500 * time.Second,
		ClockSkew:             500 * time.Second,
		LateScan:              500 * time.Second,
		MaxSubmissionDelay:    500 * time.Second,
		Grace:                 20 * time.Second,
		DefaultSessionMinutes: 3,
		SweepBatch:            100,
	}
}

type Manager struct {
	repo   Repository
	cache  Cache
	qr     *auth.Codec
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo Repository, ephemeral Cache, qr *auth.Codec, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if repo == nil || ephemeral == nil {
		return nil, errors.New("attendance: repository and cache required")
	}
	if qr == nil || qr.Namespace() != auth.NamespaceQR {
		return nil, errors.New("attendance: qr codec required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.DefaultSessionMinutes <= 0 {
		cfg.DefaultSessionMinutes = defaults.DefaultSessionMinutes
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaults.SweepBatch
	}
	if cfg.QRValidity <= 0 {
		cfg.QRValidity = defaults.QRValidity
	}
	m := &Manager{
		repo:   repo,
		cache:  ephemeral,
		qr:     qr,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Session returns the durable session. Unknown ids fail with
// ErrSessionNotFound.
func (m *Manager) Session(ctx context.Context, sessionID string) (model.Session, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Session{}, newError(KindSessionNotFound, "session not found")
	}
	if err != nil {
		return model.Session{}, internalError("load session", err)
	}
	return session, nil
}

// Postgres keeps microseconds.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) liveTTL(endTime, now time.Time) time.Duration {
	return endTime.Sub(now) + m.cfg.Grace
}

func recordFor(session model.Session) cache.SessionRecord {
	return cache.SessionRecord{
		TeacherID: session.TeacherID,
		CourseID:  session.CourseID,
		ClassIDs:  session.ClassIDs,
		StartTime: session.StartTime,
		EndTime:   session.EndTime,
	}
}

// uniqueNonEmpty keeps the first occurrence of every non-empty id.
func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
