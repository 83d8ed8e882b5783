package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/sessionguard/internal/domain"
	"github.com/Skotchmaster/sessionguard/internal/models"
)

const (
	tokenKeyPrefix = "refresh:token:"
	ownerKeyPrefix = "refresh:owner:"
)

// Times are stored as unix nanoseconds in decimal so Lua never has to convert
// them to numbers.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'owner_id', ARGV[2], 'issued_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[5]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[5])
end
return 1
`)

	revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'replaced_by_id', ARGV[2])
end
return 1
`)

	linkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HEXISTS', KEYS[1], 'revoked_at') == 0 or redis.call('HEXISTS', KEYS[1], 'replaced_by_id') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'replaced_by_id', ARGV[1])
return 1
`)

	// Member keys are derived inside the script, so this store needs a
	// single-node or sentinel deployment rather than Redis Cluster.
	revokeAllScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('SREM', KEYS[1], id)
  elseif redis.call('HEXISTS', key, 'revoked_at') == 0 then
    redis.call('HSET', key, 'revoked_at', ARGV[1])
    n = n + 1
  end
end
return n
`)
)

// RedisTokenStore keeps one hash per record and a set of record ids per
// owner. Record keys expire retention after the token itself does.
type RedisTokenStore struct {
	rdb       redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewRedisTokenStore(rdb redis.UniversalClient, retention time.Duration, now func() time.Time) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb, retention: retention, now: utcNow(now)}
}

func tokenKey(id string) string    { return tokenKeyPrefix + id }
func ownerKey(owner string) string { return ownerKeyPrefix + owner }

func nanos(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func (s *RedisTokenStore) Create(ctx context.Context, rec *models.RefreshToken) error {
	ttl := rec.ExpiresAt.Add(s.retention).Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := createScript.Run(ctx, s.rdb,
		[]string{tokenKey(rec.ID), ownerKey(rec.OwnerID)},
		rec.ID, rec.OwnerID, nanos(rec.IssuedAt), nanos(rec.ExpiresAt), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("refresh token %s: %w", rec.ID, domain.ErrConflict)
	}
	return nil
}

func (s *RedisTokenStore) FindByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	fields, err := s.rdb.HGetAll(ctx, tokenKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeRecord(fields)
}

func (s *RedisTokenStore) Revoke(ctx context.Context, id, replacedByID string) (bool, error) {
	n, err := revokeScript.Run(ctx, s.rdb, []string{tokenKey(id)}, nanos(s.now()), replacedByID).Int64()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return n == 1, nil
}

func (s *RedisTokenStore) SetReplacedBy(ctx context.Context, id, replacedByID string) error {
	n, err := linkScript.Run(ctx, s.rdb, []string{tokenKey(id)}, replacedByID).Int64()
	if err != nil {
		return fmt.Errorf("link refresh token: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return domain.ErrNotFound
	default:
		return fmt.Errorf("refresh token %s already linked or still active: %w", id, domain.ErrConflict)
	}
}

func (s *RedisTokenStore) RevokeAllForOwner(ctx context.Context, ownerID string) (int64, error) {
	n, err := revokeAllScript.Run(ctx, s.rdb, []string{ownerKey(ownerID)}, nanos(s.now()), tokenKeyPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("revoke owner tokens: %w", err)
	}
	return n, nil
}

func (s *RedisTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, tokenKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}

	out := make([]models.RefreshToken, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// PurgeExpired deletes records that expired before the cutoff and drops
// dangling ids from owner sets. Record keys also carry their own TTL, so this
// mostly tidies up owner sets.
func (s *RedisTokenStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	iter := s.rdb.Scan(ctx, 0, ownerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		ids, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return purged, fmt.Errorf("purge refresh tokens: %w", err)
		}
		for _, id := range ids {
			raw, err := s.rdb.HGet(ctx, tokenKey(id), "expires_at").Result()
			if errors.Is(err, redis.Nil) {
				if err := s.rdb.SRem(ctx, setKey, id).Err(); err != nil {
					return purged, fmt.Errorf("purge refresh tokens: %w", err)
				}
				continue
			}
			if err != nil {
				return purged, fmt.Errorf("purge refresh tokens: %w", err)
			}
			exp, err := parseNanos(raw)
			if err != nil || !exp.Before(before) {
				continue
			}
			if err := s.rdb.Del(ctx, tokenKey(id)).Err(); err != nil {
				return purged, fmt.Errorf("purge refresh tokens: %w", err)
			}
			purged++
			if err := s.rdb.SRem(ctx, setKey, id).Err(); err != nil {
				return purged, fmt.Errorf("purge refresh tokens: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return purged, nil
}

func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func parseNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func decodeRecord(fields map[string]string) (*models.RefreshToken, error) {
	rec := &models.RefreshToken{ID: fields["id"], OwnerID: fields["owner_id"]}

	var err error
	if rec.IssuedAt, err = parseNanos(fields["issued_at"]); err != nil {
		return nil, fmt.Errorf("decode refresh token %s: issued_at: %w", rec.ID, err)
	}
	if rec.ExpiresAt, err = parseNanos(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("decode refresh token %s: expires_at: %w", rec.ID, err)
	}
	if v, ok := fields["revoked_at"]; ok {
		t, err := parseNanos(v)
		if err != nil {
			return nil, fmt.Errorf("decode refresh token %s: revoked_at: %w", rec.ID, err)
		}
		rec.RevokedAt = &t
	}
	if v, ok := fields["replaced_by_id"]; ok {
		rec.ReplacedByID = &v
	}
	return rec, nil
}
