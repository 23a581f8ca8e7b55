package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/tavolo/placeharvest/internal/model"
)

const kmPerLatDegree = 111.0

// Plan tiles the bounding box with circular search cells of the given
// radius and returns them ordered by distance to the priority point.
//
// Consecutive centers are radius*(1-overlap) apart so adjacent circles
// overlap and the box has no coverage gaps. The meters-to-degrees
// conversion is a flat-earth approximation: longitude degrees shrink
// toward the poles, so the step is corrected by cos(midLat). The same
// approximation is used for the priority ordering; both must change
// together or the coverage guarantee breaks.
func Plan(bound orb.Bound, radiusMeters, overlap float64, priority orb.Point) []model.Cell {
	latStep, lngStep := StepDegrees(bound, radiusMeters, overlap)

	var cells []model.Cell
	for lat := bound.Min.Lat(); lat <= bound.Max.Lat(); lat += latStep {
		for lng := bound.Min.Lon(); lng <= bound.Max.Lon(); lng += lngStep {
			cells = append(cells, model.Cell{
				Lat:    lat,
				Lng:    lng,
				Status: model.StatusPending,
			})
		}
	}

	// Degree-space Euclidean distance, not geodesic. Monotonic with true
	// distance at city scale, which is all the ordering needs.
	sort.SliceStable(cells, func(i, j int) bool {
		di := planar.DistanceSquared(orb.Point{cells[i].Lng, cells[i].Lat}, priority)
		dj := planar.DistanceSquared(orb.Point{cells[j].Lng, cells[j].Lat}, priority)
		return di < dj
	})

	return cells
}

// StepDegrees returns the lattice spacing Plan uses for the given box,
// radius and overlap.
func StepDegrees(bound orb.Bound, radiusMeters, overlap float64) (latStep, lngStep float64) {
	stepKm := radiusMeters / 1000.0 * (1 - overlap)
	midLat := (bound.Min.Lat() + bound.Max.Lat()) / 2
	latStep = stepKm / kmPerLatDegree
	lngStep = stepKm / (kmPerLatDegree * math.Cos(midLat*math.Pi/180.0))
	return latStep, lngStep
}

// DistanceKm converts the degree offset between two points to kilometers
// using the same flat-earth approximation as Plan.
func DistanceKm(aLat, aLng, bLat, bLng float64) float64 {
	midLat := (aLat + bLat) / 2
	dLatKm := (aLat - bLat) * kmPerLatDegree
	dLngKm := (aLng - bLng) * kmPerLatDegree * math.Cos(midLat*math.Pi/180.0)
	return math.Sqrt(dLatKm*dLatKm + dLngKm*dLngKm)
}
