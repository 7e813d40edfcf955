package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRefreshToken indicates token not found or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay is returned when a rotated token is presented
	// again. The session it belonged to has been ended.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")
)

const maxRotateAttempts = 8

// RefreshGrant names a sign-in session and its current refresh token.
type RefreshGrant struct {
	SessionID string
	UserID    string
	Token     string
}

// RefreshSessions tracks sign-in sessions by refresh token. A session keeps
// its id across rotations, and that id is what access tokens carry as sid.
type RefreshSessions interface {
	Open(ctx context.Context, userID string, ttl time.Duration) (RefreshGrant, error)
	// Rotate swaps token for the next one of its session. On replay the
	// grant still names the ended session.
	Rotate(ctx context.Context, token string, ttl time.Duration) (RefreshGrant, error)
	// End closes the session of token. An unknown token yields a zero grant.
	End(ctx context.Context, token string) (RefreshGrant, error)
	// EndUser closes every session of userID and returns their ids.
	EndUser(ctx context.Context, userID string) ([]string, error)
}

// RedisRefreshSessions keeps one hash per session plus a token index.
//
//	salesdesk:refresh:<tokenHash>         -> session id
//	salesdesk:rsession:<sid>              -> {user, current, opened, rotations}
//	salesdesk:rsession:<sid>:tokens       -> every token hash the session used
//	salesdesk:user:<userID>:rsessions     -> session ids of the user
type RedisRefreshSessions struct {
	client *redis.Client
}

// NewRedisRefreshSessions builds the store on client.
func NewRedisRefreshSessions(client *redis.Client) *RedisRefreshSessions {
	return &RedisRefreshSessions{client: client}
}

func (s *RedisRefreshSessions) Open(ctx context.Context, userID string, ttl time.Duration) (RefreshGrant, error) {
	token, err := newRefreshToken()
	if err != nil {
		return RefreshGrant{}, err
	}
	sid := uuid.NewString()
	hash := hashRefreshToken(token)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshTokenKey(hash), sid, ttl)
	pipe.HSet(ctx, refreshSessionKey(sid), map[string]any{
		"user":      userID,
		"current":   hash,
		"opened":    time.Now().UTC().Unix(),
		"rotations": 0,
	})
	pipe.Expire(ctx, refreshSessionKey(sid), ttl)
	pipe.SAdd(ctx, refreshSessionTokensKey(sid), hash)
	pipe.Expire(ctx, refreshSessionTokensKey(sid), ttl)
	pipe.SAdd(ctx, userRefreshSessionsKey(userID), sid)
	pipe.Expire(ctx, userRefreshSessionsKey(userID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return RefreshGrant{}, fmt.Errorf("open refresh session: %w", err)
	}
	return RefreshGrant{SessionID: sid, UserID: userID, Token: token}, nil
}

func (s *RedisRefreshSessions) Rotate(ctx context.Context, token string, ttl time.Duration) (RefreshGrant, error) {
	hash := hashRefreshToken(token)
	sid, err := s.client.Get(ctx, refreshTokenKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return RefreshGrant{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return RefreshGrant{}, err
	}

	key := refreshSessionKey(sid)
	for attempt := 0; attempt < maxRotateAttempts; attempt++ {
		var grant RefreshGrant
		var end bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			grant = RefreshGrant{SessionID: sid, UserID: fields["user"]}
			if grant.UserID == "" || fields["current"] == "" {
				end = true
				return ErrInvalidRefreshToken
			}
			if fields["current"] != hash {
				end = true
				return ErrRefreshTokenReplay
			}
			next, err := newRefreshToken()
			if err != nil {
				return err
			}
			nextHash := hashRefreshToken(next)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, refreshTokenKey(nextHash), sid, ttl)
				pipe.HSet(ctx, key, "current", nextHash)
				pipe.HIncrBy(ctx, key, "rotations", 1)
				pipe.Expire(ctx, key, ttl)
				pipe.SAdd(ctx, refreshSessionTokensKey(sid), nextHash)
				pipe.Expire(ctx, refreshSessionTokensKey(sid), ttl)
				pipe.Expire(ctx, userRefreshSessionsKey(grant.UserID), ttl)
				return nil
			})
			if err == nil {
				grant.Token = next
			}
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case end:
			if endErr := s.end(ctx, sid, grant.UserID); endErr != nil {
				return grant, errors.Join(err, endErr)
			}
			return grant, err
		case err != nil:
			return RefreshGrant{}, err
		}
		return grant, nil
	}
	return RefreshGrant{}, fmt.Errorf("rotate refresh session %s: too much contention", sid)
}

func (s *RedisRefreshSessions) End(ctx context.Context, token string) (RefreshGrant, error) {
	sid, err := s.client.Get(ctx, refreshTokenKey(hashRefreshToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return RefreshGrant{}, nil
	}
	if err != nil {
		return RefreshGrant{}, err
	}
	userID, err := s.client.HGet(ctx, refreshSessionKey(sid), "user").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return RefreshGrant{}, err
	}
	if err := s.end(ctx, sid, userID); err != nil {
		return RefreshGrant{}, err
	}
	return RefreshGrant{SessionID: sid, UserID: userID}, nil
}

func (s *RedisRefreshSessions) EndUser(ctx context.Context, userID string) ([]string, error) {
	sids, err := s.client.SMembers(ctx, userRefreshSessionsKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, sid := range sids {
		if err := s.end(ctx, sid, userID); err != nil {
			return nil, err
		}
	}
	if err := s.client.Del(ctx, userRefreshSessionsKey(userID)).Err(); err != nil {
		return nil, err
	}
	return sids, nil
}

func (s *RedisRefreshSessions) end(ctx context.Context, sid, userID string) error {
	hashes, err := s.client.SMembers(ctx, refreshSessionTokensKey(sid)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, h := range hashes {
		pipe.Del(ctx, refreshTokenKey(h))
	}
	pipe.Del(ctx, refreshSessionTokensKey(sid), refreshSessionKey(sid))
	if userID != "" {
		pipe.SRem(ctx, userRefreshSessionsKey(userID), sid)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func refreshTokenKey(hash string) string {
	return "salesdesk:refresh:" + hash
}

func refreshSessionKey(sid string) string {
	return "salesdesk:rsession:" + sid
}

func refreshSessionTokensKey(sid string) string {
	return "salesdesk:rsession:" + sid + ":tokens"
}

func userRefreshSessionsKey(userID string) string {
	return "salesdesk:user:" + userID + ":rsessions"
}
