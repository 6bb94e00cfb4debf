package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/farm-market/internal/models"
)

// RedisGeo implements Index using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "market:requests:pickup"
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lng, Latitude: c.Lat, Name: id}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	return r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
}
