package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSignInCodeInvalid is returned for unknown, used or expired codes.
	ErrSignInCodeInvalid = errors.New("sign-in code is invalid or expired")
	// ErrSignInCodeThrottled is returned when a code was sent to the same
	// email too recently.
	ErrSignInCodeThrottled = errors.New("sign-in code requested too often")
)

// SignInCode is what a one-time code stands for until it is exchanged.
type SignInCode struct {
	IdentityID string    `json:"identityId"`
	Email      string    `json:"email"`
	Provider   string    `json:"provider"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// SignInCodeStore keeps single-use sign-in codes.
type SignInCodeStore interface {
	Create(ctx context.Context, c SignInCode) (string, error)
	// Consume returns the code's payload and deletes it.
	Consume(ctx context.Context, code string) (SignInCode, error)
	// Throttle reserves a send slot for email, failing with
	// ErrSignInCodeThrottled while the previous slot is held.
	Throttle(ctx context.Context, email string) error
}

// RedisSignInCodeStore stores codes under their SHA-256 with a TTL.
type RedisSignInCodeStore struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	resendAfter time.Duration
}

// NewRedisSignInCodeStore builds a Redis-backed code store.
func NewRedisSignInCodeStore(client *redis.Client, ttl, resendAfter time.Duration) *RedisSignInCodeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if resendAfter <= 0 {
		resendAfter = time.Minute
	}
	return &RedisSignInCodeStore{
		client:      client,
		keyPrefix:   "salesdesk:signin",
		ttl:         ttl,
		resendAfter: resendAfter,
	}
}

func (s *RedisSignInCodeStore) Create(ctx context.Context, c SignInCode) (string, error) {
	code, err := generateSignInCode()
	if err != nil {
		return "", err
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal sign-in code: %w", err)
	}
	if err := s.client.Set(ctx, s.codeKey(code), raw, s.ttl).Err(); err != nil {
		return "", err
	}
	return code, nil
}

func (s *RedisSignInCodeStore) Consume(ctx context.Context, code string) (SignInCode, error) {
	if code == "" {
		return SignInCode{}, ErrSignInCodeInvalid
	}
	raw, err := s.client.GetDel(ctx, s.codeKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SignInCode{}, ErrSignInCodeInvalid
	}
	if err != nil {
		return SignInCode{}, err
	}
	var c SignInCode
	if err := json.Unmarshal(raw, &c); err != nil {
		return SignInCode{}, fmt.Errorf("unmarshal sign-in code: %w", err)
	}
	return c, nil
}

func (s *RedisSignInCodeStore) Throttle(ctx context.Context, email string) error {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+":resend:"+normalizeEmail(email), "1", s.resendAfter).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignInCodeThrottled
	}
	return nil
}

func (s *RedisSignInCodeStore) codeKey(code string) string {
	return s.keyPrefix + ":code:" + signInCodeHash(code)
}

// MemorySignInCodeStore keeps codes in-process (single instance only).
type MemorySignInCodeStore struct {
	mu          sync.Mutex
	ttl         time.Duration
	resendAfter time.Duration
	codes       map[string]memoryCode
	sends       map[string]time.Time
}

type memoryCode struct {
	code    SignInCode
	expires time.Time
}

// NewMemorySignInCodeStore builds an in-memory code store.
func NewMemorySignInCodeStore(ttl, resendAfter time.Duration) *MemorySignInCodeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemorySignInCodeStore{
		ttl:         ttl,
		resendAfter: resendAfter,
		codes:       make(map[string]memoryCode),
		sends:       make(map[string]time.Time),
	}
}

func (s *MemorySignInCodeStore) Create(_ context.Context, c SignInCode) (string, error) {
	code, err := generateSignInCode()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if c.IssuedAt.IsZero() {
		c.IssuedAt = now
	}
	s.mu.Lock()
	s.codes[signInCodeHash(code)] = memoryCode{code: c, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return code, nil
}

func (s *MemorySignInCodeStore) Consume(_ context.Context, code string) (SignInCode, error) {
	key := signInCodeHash(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[key]
	delete(s.codes, key)
	if !ok || time.Now().After(entry.expires) {
		return SignInCode{}, ErrSignInCodeInvalid
	}
	return entry.code, nil
}

func (s *MemorySignInCodeStore) Throttle(_ context.Context, email string) error {
	if s.resendAfter <= 0 {
		return nil
	}
	email = normalizeEmail(email)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.sends[email]; ok && now.Before(until) {
		return ErrSignInCodeThrottled
	}
	s.sends[email] = now.Add(s.resendAfter)
	return nil
}

func generateSignInCode() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate sign-in code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func signInCodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
