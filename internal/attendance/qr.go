package attendance

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"semaphore/qrattendance/internal/auth"
	"semaphore/qrattendance/internal/cache"
	"semaphore/qrattendance/internal/metrics"
)

const qrImageSize = 256

type QRCode struct {
	Token     string
	Image     string
	ValidFrom time.Time
	ValidTo   time.Time
}

// IssueQR mints a fresh token for a live session and records its nonce.
func (m *Manager) IssueQR(ctx context.Context, sessionID string) (QRCode, error) {
	_, ok, err := m.cache.GetSession(ctx, sessionID)
	if err != nil {
		return QRCode{}, internalError("load live session", err)
	}
	if !ok {
		return QRCode{}, newError(KindSessionInactive, "session is inactive or has expired")
	}

	claims := &auth.QRClaims{SessionID: sessionID, Nonce: uuid.NewString()}
	raw, err := m.qr.Issue(claims, m.cfg.QRValidity)
	if err != nil {
		return QRCode{}, internalError("sign qr token", err)
	}
	issuedAt, expiresAt := claims.IssuedAtTime().UTC(), claims.ExpiresAtTime().UTC()

	shadow := cache.NonceRecord{SessionID: sessionID, IssuedAt: issuedAt.Unix(), ExpiresAt: expiresAt.Unix()}
	if err := m.cache.PutNonce(ctx, claims.Nonce, shadow, m.cfg.QRValidity+m.cfg.Grace); err != nil {
		return QRCode{}, internalError("store qr nonce", err)
	}

	image, err := renderQR(raw)
	if err != nil {
		return QRCode{}, internalError("render qr image", err)
	}

	metrics.QRIssued.Inc()
	return QRCode{
		Token:     raw,
		Image:     image,
		ValidFrom: issuedAt,
		ValidTo:   expiresAt,
	}, nil
}

func renderQR(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
