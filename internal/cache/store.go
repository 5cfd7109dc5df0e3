package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix  = "activeSession:"
	presenceKeyPrefix = "liveAttendance:"
	nonceKeyPrefix    = "qr:"

	minTTL = time.Second
)

// SessionRecord mirrors the durable session while it is live.
type SessionRecord struct {
	TeacherID string    `json:"teacherId"`
	CourseID  string    `json:"courseId"`
	ClassIDs  []string  `json:"classIds"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// NonceRecord is the shadow of an issued QR token.
type NonceRecord struct {
	SessionID string `json:"sessionId"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type Store struct {
	rdb redis.Cmdable
}

func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) PutSession(ctx context.Context, sessionID string, record SessionRecord, ttl time.Duration) error {
	return s.setJSON(ctx, sessionKey(sessionID), record, ttl)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	var record SessionRecord
	ok, err := s.getJSON(ctx, sessionKey(sessionID), &record)
	return record, ok, err
}


func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// AddPresent adds studentID to the live presence set and aligns the set's
// expiry with ttl so a set written after a drain cannot outlive the session.
func (s *Store) AddPresent(ctx context.Context, sessionID, studentID string, ttl time.Duration) error {
	key := presenceKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, studentID)
	pipe.Expire(ctx, key, clampTTL(ttl))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Present(ctx context.Context, sessionID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, presenceKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return members, err
}

// ExpirePresence resets the TTL of the presence set. It reports false when
// the set does not exist.
func (s *Store) ExpirePresence(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	return s.rdb.Expire(ctx, presenceKey(sessionID), clampTTL(ttl)).Result()
}

func (s *Store) DeletePresence(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, presenceKey(sessionID)).Err()
}

func (s *Store) PutNonce(ctx context.Context, nonce string, record NonceRecord, ttl time.Duration) error {
	return s.setJSON(ctx, nonceKey(nonce), record, ttl)
}

func (s *Store) GetNonce(ctx context.Context, nonce string) (NonceRecord, bool, error) {
	var record NonceRecord
	ok, err := s.getJSON(ctx, nonceKey(nonce), &record)
	return record, ok, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, clampTTL(ttl)).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	value, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// A zero TTL would make Redis keep the key forever.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func presenceKey(sessionID string) string {
	return presenceKeyPrefix + sessionID
}

func nonceKey(nonce string) string {
	return nonceKeyPrefix + nonce
}
