package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-presence/internal/models"
)

const lastSeenKey = "presence:last_seen"

// RedisStore keeps each record in a hash and indexes heartbeats in a sorted set.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(id string) string { return "presence:" + id }

func (r *RedisStore) Upsert(ctx context.Context, rec models.PresenceRecord) error {
	if err := Validate(rec); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	key := recordKey(rec.ID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":                rec.ID,
		"role":              string(rec.Role),
		"vehicle_type":      string(rec.VehicleType),
		"lat":               strconv.FormatFloat(rec.Location.Lat, 'f', -1, 64),
		"lng":               strconv.FormatFloat(rec.Location.Lng, 'f', -1, 64),
		"destination":       rec.Destination,
		"telegram_username": rec.ContactHandle,
		"last_seen":         rec.LastSeen,
		"created_at":        rec.CreatedAt,
	})
	pipe.ZAdd(ctx, lastSeenKey, redis.Z{Score: float64(rec.LastSeen), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, recordKey(id))
	pipe.ZRem(ctx, lastSeenKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListSince(ctx context.Context, sinceMs int64) ([]models.PresenceRecord, error) {
	ids, err := r.client.ZRangeByScore(ctx, lastSeenKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(sinceMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range last_seen: %w", err)
	}
	if len(ids) == 0 {
		return []models.PresenceRecord{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	out := make([]models.PresenceRecord, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			// index entry without a hash; the reaper will clean it up
			continue
		}
		rec, err := decodeRecord(m)
		if err != nil {
			continue
		}
		if rec.LastSeen > sinceMs {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (r *RedisStore) DeleteStale(ctx context.Context, beforeMs int64) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, lastSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(beforeMs, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func decodeRecord(m map[string]string) (models.PresenceRecord, error) {
	rec := models.PresenceRecord{
		ID:            m["id"],
		Role:          models.Role(m["role"]),
		VehicleType:   models.VehicleType(m["vehicle_type"]),
		Destination:   m["destination"],
		ContactHandle: m["telegram_username"],
	}
	var err error
	if rec.Location.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return rec, fmt.Errorf("lat: %w", err)
	}
	if rec.Location.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return rec, fmt.Errorf("lng: %w", err)
	}
	if rec.LastSeen, err = strconv.ParseInt(m["last_seen"], 10, 64); err != nil {
		return rec, fmt.Errorf("last_seen: %w", err)
	}
	if rec.CreatedAt, err = strconv.ParseInt(m["created_at"], 10, 64); err != nil {
		return rec, fmt.Errorf("created_at: %w", err)
	}
	return rec, nil
}
