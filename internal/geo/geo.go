package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates
// in kilometers.
func HaversineKm(a, b models.Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// PathKm sums consecutive-leg haversine distances over an ordered route.
func PathKm(points []models.Coord) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

// ValidCoord reports whether a coordinate is within WGS84 bounds.
func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Index is an in-memory driver location index, used when Redis is not
// configured. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	locs map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{locs: make(map[string]models.DriverLocation)}
}

func (i *Index) Update(driverID string, loc models.Coord, at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.locs[driverID] = models.DriverLocation{DriverID: driverID, Loc: loc, UpdatedAt: at}
}

func (i *Index) Remove(driverID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.locs, driverID)
}

// Nearby returns driver ids within radiusKm of center, nearest first.
func (i *Index) Nearby(center models.Coord, radiusKm float64, limit int) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	type hit struct {
		id   string
		dist float64
	}
	hits := make([]hit, 0, len(i.locs))
	for id, l := range i.locs {
		d := HaversineKm(center, l.Loc)
		if d <= radiusKm {
			hits = append(hits, hit{id: id, dist: d})
		}
	}
	// Insertion sort; candidate sets are small.
	for a := 1; a < len(hits); a++ {
		for b := a; b > 0 && hits[b].dist < hits[b-1].dist; b-- {
			hits[b], hits[b-1] = hits[b-1], hits[b]
		}
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for n, h := range hits {
		out[n] = h.id
	}
	return out
}
