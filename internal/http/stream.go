package http

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"semaphore/qrattendance/internal/attendance"
)

const streamWriteWait = 5 * time.Second

func (s *Server) newUpgrader() websocket.Upgrader {
	allowed := s.cfg.AllowedOrigins
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, candidate := range allowed {
				if strings.EqualFold(candidate, origin) {
					return true
				}
			}
			if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
				return true
			}
			return false
		},
	}
}

// handleQRStream pushes a fresh QR code on every rotation tick until the
// session stops accepting scans or the client goes away.
func (s *Server) handleQRStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	code, err := s.manager.IssueQR(r.Context(), sessionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	upgrader := s.newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("qr stream upgrade failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.rotationInterval())
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(qrPayload(code)); err != nil {
			s.logger.Debug("qr stream write failed", zap.Error(err), zap.String("session_id", sessionID))
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		code, err = s.manager.IssueQR(r.Context(), sessionID)
		if err != nil {
			kind := attendance.KindOf(err)
			if kind == attendance.KindInternal {
				s.logger.Error("qr stream issue failed", zap.Error(err), zap.String("session_id", sessionID))
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = conn.WriteJSON(map[string]interface{}{"success": false, "error": string(kind)})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(kind)),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}

func (s *Server) rotationInterval() time.Duration {
	if s.cfg.QRRotationInterval > 0 {
		return s.cfg.QRRotationInterval
	}
	return 10 * time.Second
}

func qrPayload(code attendance.QRCode) map[string]interface{} {
	return map[string]interface{}{
		"success":   true,
		"qrImage":   code.Image,
		"qrToken":   code.Token,
		"validFrom": code.ValidFrom.UnixMilli(),
		"validTo":   code.ValidTo.UnixMilli(),
	}
}
