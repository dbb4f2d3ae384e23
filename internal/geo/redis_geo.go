package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-presence/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus one metadata hash per record.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, rec models.PresenceRecord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: rec.Location.Lng, Latitude: rec.Location.Lat, Name: rec.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", rec.ID, err)
	}
	return r.client.HSet(ctx, metaKey(rec.ID), metaFields(rec)).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Nearby searches a 50 km radius. COUNT is not pushed to Redis because expired
// members must be dropped before the closest limit are taken.
func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, sinceMs int64, limit int) ([]models.PresenceRecord, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Latitude:   c.Lat,
			Longitude:  c.Lng,
			Radius:     50,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	metas, err := r.metas(ctx, res)
	if err != nil {
		return nil, err
	}
	out := make([]models.PresenceRecord, 0, len(res))
	for i, g := range res {
		if limit > 0 && len(out) == limit {
			break
		}
		rec := models.PresenceRecord{ID: g.Name, Location: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		applyMeta(&rec, metas[i])
		if sinceMs > 0 && rec.LastSeen <= sinceMs {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Prune removes members whose metadata is missing or last seen at or before beforeMs.
func (r *RedisGeo) Prune(ctx context.Context, beforeMs int64) (int, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list geo members: %w", err)
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, metaKey(id), "last_seen")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read geo meta: %w", err)
	}
	n := 0
	for i, id := range ids {
		seen, err := cmds[i].Int64()
		if err == nil && seen > beforeMs {
			continue
		}
		if err := r.Remove(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *RedisGeo) metas(ctx context.Context, res []redis.GeoLocation) ([]map[string]string, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read geo meta: %w", err)
	}
	out := make([]map[string]string, len(res))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func metaKey(id string) string { return "presence:meta:" + id }

func metaFields(rec models.PresenceRecord) map[string]interface{} {
	return map[string]interface{}{
		"role":              string(rec.Role),
		"vehicle_type":      string(rec.VehicleType),
		"destination":       rec.Destination,
		"telegram_username": rec.ContactHandle,
		"created_at":        rec.CreatedAt,
		"last_seen":         rec.LastSeen,
	}
}

func applyMeta(rec *models.PresenceRecord, m map[string]string) {
	rec.Role = models.Role(m["role"])
	rec.VehicleType = models.VehicleType(m["vehicle_type"])
	rec.Destination = m["destination"]
	rec.ContactHandle = m["telegram_username"]
	if v, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		rec.CreatedAt = v
	}
	if v, err := strconv.ParseInt(m["last_seen"], 10, 64); err == nil {
		rec.LastSeen = v
	}
}
