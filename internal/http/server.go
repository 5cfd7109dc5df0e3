package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"semaphore/qrattendance/internal/attendance"
	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/config"
	"semaphore/qrattendance/internal/metrics"
	"semaphore/qrattendance/internal/model"
)

const (
	roleTeacher = "teacher"
	roleStudent = "student"
)

// AccountStore backs login and the teacher course listing. *db.Store
// satisfies it.
type AccountStore interface {
	GetAccountByEmail(ctx context.Context, role, email string) (model.Account, error)
	ListTeacherCourses(ctx context.Context, teacherID string) ([]model.Course, error)
}

type Server struct {
	cfg      config.Config
	manager  *attendance.Manager
	accounts AccountStore
	identity *auth.Codec
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewServer(cfg config.Config, manager *attendance.Manager, accounts AccountStore, identity *auth.Codec, logger *zap.Logger) (*Server, error) {
	if manager == nil || accounts == nil {
		return nil, errors.New("http: manager and account store required")
	}
	if identity == nil || identity.Namespace() != auth.NamespaceIdentity {
		return nil, errors.New("http: identity codec required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		manager:  manager,
		accounts: accounts,
		identity: identity,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireRole(roleTeacher)).Get("/teacher/courses", s.handleTeacherCourses)

		r.Route("/sessions", func(r chi.Router) {
			r.Use(s.requireRole(roleTeacher), s.sweepMiddleware)
			r.Post("/start", s.handleStartSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Use(s.sessionOwnerMiddleware)
				r.Get("/qr", s.handleIssueQR)
				r.Get("/qr/stream", s.handleQRStream)
				r.Get("/live", s.handleLivePresence)
				r.Get("/students", s.handleRoster)
				r.Post("/mark", s.handleBulkMark)
				r.Post("/extend", s.handleExtend)
				r.Post("/end", s.handleEnd)
			})
		})

		r.With(s.requireRole(roleStudent), s.sweepMiddleware).Post("/scan", s.handleScan)
	})

	return r
}

// Middleware

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			// Browsers cannot set headers on a websocket handshake.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "authorization token required")
			return
		}
		claims := &auth.IdentityClaims{}
		if err := s.identity.Verify(token, claims); err != nil || claims.UserID == "" {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.IdentityClaims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.IdentityClaims)
	return claims
}

func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "missing_token", "authorization token required")
				return
			}
			if claims.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sweepMiddleware closes overdue sessions before the request is handled.
// Failures are logged and never fail the request.
func (s *Server) sweepMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.sweepTimeout())
		closed, err := s.manager.SweepExpired(ctx)
		cancel()
		if err != nil {
			s.logger.Error("request sweep failed", zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
		} else if closed > 0 {
			s.logger.Info("request sweep closed sessions", zap.Int("closed", closed))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sweepTimeout() time.Duration {
	if s.cfg.SweepTimeout > 0 {
		return s.cfg.SweepTimeout
	}
	return 10 * time.Second
}

// sessionOwnerMiddleware rejects teachers who do not own the session. Unknown
// sessions pass through so each operation reports them its own way.
func (s *Server) sessionOwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		session, err := s.manager.Session(r.Context(), chi.URLParam(r, "sessionId"))
		if err != nil {
			if errors.Is(err, attendance.ErrSessionNotFound) {
				next.ServeHTTP(w, r)
				return
			}
			s.writeDomainError(w, r, err)
			return
		}
		if claims == nil || session.TeacherID != claims.UserID {
			writeError(w, http.StatusForbidden, "forbidden", "session belongs to another teacher")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		latency := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(latency.Seconds())

		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("latency", latency),
		}
		switch {
		case status >= 500:
			s.logger.Error("request failed", fields...)
		case status >= 400:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Info("request completed", fields...)
		}
	})
}

// Responses

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["success"] = true
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   code,
		"message": message,
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := attendance.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		writeError(w, status, string(attendance.KindInternal), "internal server error")
		return
	}
	message := string(kind)
	var domainErr *attendance.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		message = domainErr.Message
	}
	writeError(w, status, string(kind), message)
}

func statusForKind(kind attendance.Kind) int {
	switch kind {
	case attendance.KindValidation,
		attendance.KindInvalidToken,
		attendance.KindSessionInactive,
		attendance.KindInvalidSession,
		attendance.KindTokenSessionMismatch,
		attendance.KindOutOfWindow,
		attendance.KindSubmissionTooStale,
		attendance.KindNoClassAssigned:
		return http.StatusBadRequest
	case attendance.KindClassNotEligible:
		return http.StatusForbidden
	case attendance.KindSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Requests

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest decodes the JSON body into out and validates it. On failure
// it writes the error response and returns false.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
