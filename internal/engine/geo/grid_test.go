package geo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

func TestPlanCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 25; run++ {
		centerLat := -60 + rng.Float64()*120
		centerLng := -170 + rng.Float64()*340
		spanLat := 0.02 + rng.Float64()*0.08
		spanLng := 0.02 + rng.Float64()*0.08
		radius := 300 + rng.Float64()*1500 // meters
		overlap := 0.3 + rng.Float64()*0.4

		bound := orb.Bound{
			Min: orb.Point{centerLng, centerLat},
			Max: orb.Point{centerLng + spanLng, centerLat + spanLat},
		}

		cells := Plan(bound, radius, overlap, bound.Center())
		if len(cells) == 0 {
			t.Fatalf("run %d: no cells for bound %v radius %.0f", run, bound, radius)
		}

		radiusKm := radius / 1000.0
		for probe := 0; probe < 50; probe++ {
			pLat := centerLat + rng.Float64()*spanLat
			pLng := centerLng + rng.Float64()*spanLng

			best := math.MaxFloat64
			for _, c := range cells {
				if d := DistanceKm(pLat, pLng, c.Lat, c.Lng); d < best {
					best = d
				}
			}
			if best > radiusKm*1.001 {
				t.Fatalf("run %d: point (%.5f,%.5f) is %.3fkm from nearest center, radius %.3fkm (overlap %.2f)",
					run, pLat, pLng, best, radiusKm, overlap)
			}
		}
	}
}

func TestPlanOrdering(t *testing.T) {
	bound := orb.Bound{
		Min: orb.Point{-3.75, 40.38},
		Max: orb.Point{-3.65, 40.46},
	}
	priority := orb.Point{-3.7038, 40.4168}

	cells := Plan(bound, 800, 0.3, priority)
	if len(cells) < 2 {
		t.Fatalf("expected a multi-cell grid, got %d", len(cells))
	}

	prev := -1.0
	for i, c := range cells {
		d := planar.DistanceSquared(orb.Point{c.Lng, c.Lat}, priority)
		if d < prev {
			t.Fatalf("cell %d is closer to the priority point than cell %d (%.8f < %.8f)", i, i-1, d, prev)
		}
		prev = d
	}

	// First cell must be the global minimum.
	first := planar.DistanceSquared(orb.Point{cells[0].Lng, cells[0].Lat}, priority)
	for i, c := range cells[1:] {
		if d := planar.DistanceSquared(orb.Point{c.Lng, c.Lat}, priority); d < first {
			t.Fatalf("cell %d beats the first cell (%.8f < %.8f)", i+1, d, first)
		}
	}
}

func TestPlanCentersInsideBox(t *testing.T) {
	bound := orb.Bound{
		Min: orb.Point{18.0, 59.28},
		Max: orb.Point{18.12, 59.36},
	}
	cells := Plan(bound, 1000, 0.3, bound.Center())
	for _, c := range cells {
		if c.Lat < bound.Min.Lat() || c.Lat > bound.Max.Lat() ||
			c.Lng < bound.Min.Lon() || c.Lng > bound.Max.Lon() {
			t.Fatalf("center (%.5f,%.5f) is outside the box", c.Lat, c.Lng)
		}
	}
}

func TestPlanLongitudeCorrection(t *testing.T) {
	// Same box size near the equator and at 60N: longitude degrees are
	// half as wide at 60N, so the step doubles and fewer columns fit.
	equator := orb.Bound{Min: orb.Point{10.0, 0.0}, Max: orb.Point{10.1, 0.1}}
	north := orb.Bound{Min: orb.Point{10.0, 60.0}, Max: orb.Point{10.1, 60.1}}

	_, lngEq := StepDegrees(equator, 1000, 0.3)
	_, lngNo := StepDegrees(north, 1000, 0.3)

	if ratio := lngNo / lngEq; ratio < 1.9 || ratio > 2.1 {
		t.Fatalf("expected ~2x longitude step at 60N, got ratio %.3f", ratio)
	}

	eqCells := Plan(equator, 1000, 0.3, equator.Center())
	noCells := Plan(north, 1000, 0.3, north.Center())
	if len(noCells) >= len(eqCells) {
		t.Fatalf("expected fewer cells at 60N (%d) than at the equator (%d)", len(noCells), len(eqCells))
	}
}
