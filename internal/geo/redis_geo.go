package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/models"
)

// RedisGeo keeps driver positions in a Redis GEO set so matching can pull a
// shortlist without scanning the store. Entries carry a freshness timestamp
// in a companion hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Update(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
	}).Err(); err != nil {
		return fmt.Errorf("geoadd: %w", err)
	}
	if err := r.client.HSet(ctx, r.key+":ts", driverID, at.Unix()).Err(); err != nil {
		return fmt.Errorf("hset ts: %w", err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	r.client.HDel(ctx, r.key+":ts", driverID)
	return nil
}

// Nearby returns driver ids within radiusKm of center ordered by distance.
func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]string, error) {
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]string, 0, len(locs))
	for _, l := range locs {
		out = append(out, l.Name)
	}
	return out, nil
}
