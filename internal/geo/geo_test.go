package geo

import (
	"math"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Paris to London, roughly 344 km.
	paris := models.Coord{Lat: 48.8566, Lon: 2.3522}
	london := models.Coord{Lat: 51.5074, Lon: -0.1278}

	d := HaversineKm(paris, london)
	if math.Abs(d-344) > 5 {
		t.Fatalf("expected ~344km, got %.1f", d)
	}
	if HaversineKm(paris, paris) != 0 {
		t.Fatalf("zero distance expected for identical points")
	}
}

func TestPathKmSumsLegs(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0, Lon: 1}
	c := models.Coord{Lat: 0, Lon: 2}

	direct := HaversineKm(a, c)
	path := PathKm([]models.Coord{a, b, c})
	if math.Abs(path-direct) > 0.01 {
		t.Fatalf("path along equator should equal direct: %.3f vs %.3f", path, direct)
	}
	if PathKm([]models.Coord{a}) != 0 {
		t.Fatalf("single point path must be zero")
	}
}

func TestValidCoord(t *testing.T) {
	if !ValidCoord(models.Coord{Lat: 45, Lon: 90}) {
		t.Fatalf("valid coordinate rejected")
	}
	for _, c := range []models.Coord{{Lat: 91}, {Lat: -91}, {Lon: 181}, {Lon: -181}} {
		if ValidCoord(c) {
			t.Fatalf("out-of-range coordinate accepted: %+v", c)
		}
	}
}

func TestIndexNearbySortsAndLimits(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	center := models.Coord{Lat: 40.0, Lon: 40.0}

	idx.Update("far", models.Coord{Lat: 40.03, Lon: 40.0}, now)
	idx.Update("near", models.Coord{Lat: 40.001, Lon: 40.0}, now)
	idx.Update("mid", models.Coord{Lat: 40.01, Lon: 40.0}, now)
	idx.Update("out", models.Coord{Lat: 41.0, Lon: 40.0}, now)

	got := idx.Nearby(center, 5, 0)
	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if got := idx.Nearby(center, 5, 2); len(got) != 2 || got[0] != "near" {
		t.Fatalf("limit not applied: %v", got)
	}

	idx.Remove("near")
	if got := idx.Nearby(center, 5, 0); len(got) != 2 {
		t.Fatalf("remove did not take effect: %v", got)
	}
}
