package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands so multiple server
// processes share one view of driver positions. The consumer process
// writes the same keys from the Kafka firehose.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.DriverLocation) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.DriverID), map[string]interface{}{
		"available": strconv.FormatBool(d.Available),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(driverID string) {
	_ = r.client.ZRem(r.ctx, r.key, driverID).Err()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *RedisIndex) Near(lat, lon, radiusMeters float64) []models.DriverLocation {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["available"]; ok {
				d.Available = v == "true"
			}
		}
		if !d.Available {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
