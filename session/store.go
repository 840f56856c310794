package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrFamilyNotFound is returned when the family has no active token,
// typically because it expired or never existed.
var ErrFamilyNotFound = errors.New("token family not found")

// ErrFamilyRevoked is returned when the family carries a revocation
// tombstone.
var ErrFamilyRevoked = errors.New("token family revoked")

// ErrTokenMismatch is returned when the presented token id is not the
// family's active id: a superseded token was replayed. The store has already
// revoked the family by the time callers see this.
var ErrTokenMismatch = errors.New("refresh token superseded")

// ErrRedisUnavailable wraps Redis transport failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRotated  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusMismatch int64 = 3
)

// rotateScript is the conditional update at the core of rotation: the swap
// succeeds only while the stored id still equals the presented one. A
// mismatch means a superseded token came back, so the script kills the family
// in the same atomic step; by the time the loser learns it lost, the lineage
// is already dead.
const rotateScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("SET", KEYS[2], "1", "PX", ARGV[3])
  return 3
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

var rotateLua = redis.NewScript(rotateScript)

const revokeScript = `
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Store is the shared session registry. It is remote state, not a local
// cache: every instance behind the gateway reads and writes the same keys.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store namespaced by prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ac"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":fam:" + familyID
}

func (s *Store) revokedKey(familyID string) string {
	return s.prefix + ":rev:" + familyID
}

func (s *Store) subjectKey(subjectID string) string {
	return s.prefix + ":subj:" + subjectID
}

// PutActive records tokenID as the family's active token and indexes the
// family under its subject. Used at issue time; rotation goes through Rotate.
func (s *Store) PutActive(ctx context.Context, subjectID, familyID, tokenID string, ttl time.Duration) error {
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.familyKey(familyID), tokenID, ttl)
	pipe.SAdd(ctx, s.subjectKey(subjectID), familyID)
	pipe.Expire(ctx, s.subjectKey(subjectID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Active returns the family's active token id, ErrFamilyRevoked for
// tombstoned families, or ErrFamilyNotFound.
func (s *Store) Active(ctx context.Context, familyID string) (string, error) {
	revoked, err := s.IsRevoked(ctx, familyID)
	if err != nil {
		return "", err
	}
	if revoked {
		return "", ErrFamilyRevoked
	}
	id, err := s.redis.Get(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrFamilyNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return id, nil
}

// Rotate atomically replaces presentedID with nextID as the family's active
// token. ErrTokenMismatch reports a replayed superseded token; the family is
// already revoked when it is returned.
func (s *Store) Rotate(ctx context.Context, familyID, presentedID, nextID string, ttl time.Duration) error {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID), s.revokedKey(familyID)},
		presentedID,
		nextID,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	status, ok := result.(int64)
	if !ok {
		return fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrFamilyNotFound
	case rotateStatusRevoked:
		return ErrFamilyRevoked
	case rotateStatusMismatch:
		return ErrTokenMismatch
	default:
		return fmt.Errorf("%w: unknown rotate script status %d", ErrRedisUnavailable, status)
	}
}

// RevokeFamily removes the family's active token and plants a tombstone for
// ttl, the residual lifetime a refresh token of this family could still be
// presented within.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error {
	_, err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID), s.revokedKey(familyID)},
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether the family carries a revocation tombstone.
func (s *Store) IsRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.revokedKey(familyID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

// RevokeSubject revokes every family indexed under the subject. Used on
// TOTP re-enrollment, where all existing sessions must die with the old
// secret.
func (s *Store) RevokeSubject(ctx context.Context, subjectID string, ttl time.Duration) error {
	families, err := s.redis.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	for _, familyID := range families {
		if err := s.RevokeFamily(ctx, familyID, ttl); err != nil {
			return err
		}
	}
	if err := s.redis.Del(ctx, s.subjectKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
