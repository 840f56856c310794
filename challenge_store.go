package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeKeyPrefix     = "acc"
	challengeRecordVersion = 1
)

var (
	errChallengeNotFound = errors.New("mfa challenge not found")
	errChallengeExpired  = errors.New("mfa challenge expired")
	errChallengeExceeded = errors.New("mfa challenge attempts exceeded")
	errChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// mfaChallenge is the record behind a challenge id: who is mid-login and how
// many wrong codes they have burned.
type mfaChallenge struct {
	UserID string
	// ExpiresAt is Unix milliseconds.
	ExpiresAt int64
	Attempts  uint16
}

// challengeStore keeps in-flight MFA challenges in Redis so any instance can
// complete a login another instance started.
type challengeStore struct {
	redis redis.UniversalClient
}

func newChallengeStore(redisClient redis.UniversalClient) *challengeStore {
	return &challengeStore{redis: redisClient}
}

func (s *challengeStore) key(challengeID string) string {
	return challengeKeyPrefix + ":" + challengeID
}

func (s *challengeStore) Save(ctx context.Context, challengeID string, record *mfaChallenge, ttl time.Duration) error {
	encoded, err := encodeChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *challengeStore) Get(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if time.Now().UnixMilli() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errChallengeExpired
	}
	return record, nil
}

// Delete removes the challenge. The challenge is single use, so this runs on
// success as well as on terminal failures.
func (s *challengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure increments the challenge attempt counter under optimistic
// locking and deletes the record once maxAttempts is reached. Returns true
// when the challenge is exhausted.
func (s *challengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxCASRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxCASRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeChallenge(data)
			if err != nil {
				return err
			}

			ttl := time.Until(time.UnixMilli(record.ExpiresAt))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errChallengeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, errChallengeNotFound
			}
			if errors.Is(err, errChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errChallengeNotFound
}

func encodeChallenge(record *mfaChallenge) ([]byte, error) {
	if len(record.UserID) > 65535 {
		return nil, errors.New("challenge user id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion)
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*mfaChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion {
		return nil, errors.New("unknown challenge record version")
	}

	record := &mfaChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
