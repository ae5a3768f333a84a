package monitor

import (
	"math"
	"time"
)

// ClassifySignal reports whether an RX power reading is critical. Lower
// readings are worse; a missing reading is never critical.
func ClassifySignal(value *float64, threshold float64) bool {
	return value != nil && *value < threshold
}

// ClassifyOffline reports whether a device has been silent for longer than the
// given number of hours. A device that never informed is not offline.
func ClassifyOffline(lastContact, now time.Time, hours float64) bool {
	if lastContact.IsZero() {
		return false
	}
	return now.Sub(lastContact).Hours() > hours
}

// OfflineHours converts an elapsed duration to hours rounded to one decimal
func OfflineHours(elapsed time.Duration) float64 {
	return math.Round(elapsed.Hours()*10) / 10
}
