// Package priority scores a catalog entry's re-submission urgency.
package priority

import (
	"time"

	"github.com/mescon/rdsentinel/internal/config"
)

const (
	High   = 3
	Normal = 2
	Low    = 1
)

// Input is the subset of a Torrent needed to score its priority.
type Input struct {
	Status string
	Bytes  int64
	Added  time.Time
}

// Calculate scores a catalog entry 1 (low) to 3 (high), grounded on
// TorrentPriorityCalculator.calculate_priority: high priority trips on
// a high-priority status, a large size, or a very recent add date; low
// priority requires both a small size and an old add date; everything
// else is normal.
func Calculate(in Input, cfg *config.Config) int {
	ageHours := time.Since(in.Added).Hours()
	sizeGB := float64(in.Bytes) / (1024 * 1024 * 1024)
	sizeMB := float64(in.Bytes) / (1024 * 1024)

	if statusIn(in.Status, cfg.PriorityHighStatuses) ||
		sizeGB >= cfg.PriorityHighMinSizeGB ||
		ageHours <= cfg.PriorityHighMaxAgeHrs {
		return High
	}

	if sizeMB <= cfg.PriorityLowMaxSizeMB &&
		ageHours >= cfg.PriorityLowMinAgeDays*24 {
		return Low
	}

	return Normal
}

func statusIn(status string, statuses []string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
