// Package redisstore keeps risk profiles in Redis hashes and synchronises
// risk configuration between processes over pub/sub.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// DefaultPrefix is the key prefix of profile hashes.
const DefaultPrefix = "audit:risk:"

// Hash fields of a profile.
const (
	fieldScore       = "score"
	fieldLevel       = "level"
	fieldLastUpdate  = "last_update"
	fieldDescription = "description"
)

// ProfileStore is an accumulator.ProfileStore backed by one hash per user.
type ProfileStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewProfileStore returns a store. A ttl of zero keeps profiles forever.
func NewProfileStore(client redis.UniversalClient, ttl time.Duration) *ProfileStore {
	return &ProfileStore{client: client, prefix: DefaultPrefix, ttl: ttl}
}

// Key returns the hash key of appUserID.
func (s *ProfileStore) Key(appUserID string) string {
	return s.prefix + appUserID
}

// LoadProfile reads the hash of appUserID.
func (s *ProfileStore) LoadProfile(ctx context.Context, appUserID string) (model.RiskProfile, error) {
	vals, err := s.client.HGetAll(ctx, s.Key(appUserID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return model.RiskProfile{}, fmt.Errorf("redisstore: profile %s: %w", appUserID, model.ErrNotFound)
	}
	if err != nil {
		return model.RiskProfile{}, fmt.Errorf("redisstore: load profile %s: %w", appUserID, err)
	}
	return decodeProfile(appUserID, vals)
}

// SaveProfile writes p and refreshes its ttl.
func (s *ProfileStore) SaveProfile(ctx context.Context, p model.RiskProfile) error {
	key := s.Key(p.AppUserID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeProfile(p))
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save profile %s: %w", p.AppUserID, err)
	}
	return nil
}

// ListProfiles scans every profile hash under the prefix.
func (s *ProfileStore) ListProfiles(ctx context.Context) ([]model.RiskProfile, error) {
	var out []model.RiskProfile
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, s.prefix)
		p, err := s.LoadProfile(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan profiles: %w", err)
	}
	return out, nil
}

func encodeProfile(p model.RiskProfile) map[string]any {
	return map[string]any{
		fieldScore:       strconv.FormatFloat(p.CurrentScore, 'f', -1, 64),
		fieldLevel:       string(p.RiskLevel),
		fieldLastUpdate:  strconv.FormatInt(p.LastUpdateTime.UnixMilli(), 10),
		fieldDescription: p.Description,
	}
}

func decodeProfile(appUserID string, vals map[string]string) (model.RiskProfile, error) {
	p := model.RiskProfile{AppUserID: appUserID, RiskLevel: model.ParseRiskLevel(vals[fieldLevel]), Description: vals[fieldDescription]}
	if v := vals[fieldScore]; v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return model.RiskProfile{}, fmt.Errorf("redisstore: profile %s score %q: %w", appUserID, v, err)
		}
		p.CurrentScore = score
	}
	if v := vals[fieldLastUpdate]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return model.RiskProfile{}, fmt.Errorf("redisstore: profile %s last_update %q: %w", appUserID, v, err)
		}
		p.LastUpdateTime = time.UnixMilli(ms).UTC()
	}
	return p, nil
}
