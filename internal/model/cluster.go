package model

// ClusterPoint is one deduplicated detection marker ranked by distance.
type ClusterPoint struct {
	DetectionID string  `json:"detectionId,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	File        string  `json:"file,omitempty"`
	Detected    bool    `json:"detected"`
	DistanceKm  float64 `json:"distanceKm"`
}
