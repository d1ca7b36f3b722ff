package geo

import (
	"sort"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

// ClusterRadiusKm is the radius under which two markers count as the same site.
const ClusterRadiusKm = 0.25

// Options tunes Deduplicate.
type Options struct {
	// Reference is the point distances are measured from. Nil yields zero distances.
	Reference *Point
	// RadiusKm overrides ClusterRadiusKm when positive.
	RadiusKm float64
	// Limit caps the number of returned points when positive.
	Limit int
}

// Deduplicate collapses detections that fall within the cluster radius of an
// earlier accepted detection and ranks the survivors by distance from the
// reference point.
//
// The policy is greedy and order dependent: records are visited in input order
// and the first record seen in a neighbourhood is kept. It is not a clustering
// algorithm; there is no centroid and merging is not transitive.
func Deduplicate(records []*model.Detection, opts Options) []model.ClusterPoint {
	radius := opts.RadiusKm
	if radius <= 0 {
		radius = ClusterRadiusKm
	}
	if opts.Reference != nil && !opts.Reference.Valid() {
		opts.Reference = nil
	}

	accepted := make([]Point, 0, len(records))
	out := make([]model.ClusterPoint, 0, len(records))
	for _, rec := range records {
		p, err := PointOf(rec)
		if err != nil {
			continue
		}
		if withinRadius(accepted, p, radius) {
			continue
		}
		accepted = append(accepted, p)

		var dist float64
		if opts.Reference != nil {
			dist = DistanceKm(*opts.Reference, p)
		}
		out = append(out, model.ClusterPoint{
			DetectionID: rec.ID,
			Latitude:    p.Lat,
			Longitude:   p.Lon,
			File:        rec.File,
			Detected:    rec.Detections.Positive(),
			DistanceKm:  dist,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// withinRadius reports whether p lies strictly closer than radius to any accepted point.
func withinRadius(accepted []Point, p Point, radius float64) bool {
	for _, a := range accepted {
		if DistanceKm(a, p) < radius {
			return true
		}
	}
	return false
}
