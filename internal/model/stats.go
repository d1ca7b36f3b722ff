package model

import "time"

// DetectionStats aggregates detection timestamps for the statistics view.
type DetectionStats struct {
	Total        int        `json:"total"`
	Today        int        `json:"today"`
	ThisWeek     int        `json:"thisWeek"`
	LastDetected *time.Time `json:"lastDetected,omitempty"`
	Monthly      [12]int    `json:"monthly"`
	Undated      int        `json:"undated"`
}
