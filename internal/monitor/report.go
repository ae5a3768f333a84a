package monitor

import (
	"fmt"
	"strings"

	"telemetry-monitor/internal/models"
)

// DefaultTimeFormat renders last-inform timestamps in reports
const DefaultTimeFormat = "2006-01-02 15:04:05"

// FormatReport renders the findings of a scan as one human-readable message.
// Entries keep scan order and are numbered from 1.
func FormatReport(result *models.ScanResult, timeFormat string) string {
	if timeFormat == "" {
		timeFormat = DefaultTimeFormat
	}

	var b strings.Builder
	switch result.Kind {
	case models.ScanKindOffline:
		b.WriteString("⚠️ *WARNING: DEVICES OFFLINE* ⚠️\n\n")
		fmt.Fprintf(&b, "%d device(s) offline for more than %s hours:\n\n", len(result.Findings), formatNumber(result.Threshold))
	default:
		b.WriteString("⚠️ *WARNING: HIGH ATTENUATION* ⚠️\n\n")
		fmt.Fprintf(&b, "%d device(s) have RX power below %s dBm:\n\n", len(result.Findings), formatNumber(result.Threshold))
	}

	for i, f := range result.Findings {
		fmt.Fprintf(&b, "%d. ID: %s\n", i+1, f.ShortID)
		fmt.Fprintf(&b, "   S/N: %s\n", f.SerialNumber)
		fmt.Fprintf(&b, "   PPPoE: %s\n", f.Identity)
		if f.Signal != nil {
			fmt.Fprintf(&b, "   RX Power: %s dBm\n", formatNumber(*f.Signal))
		}
		if f.OfflineHours != nil {
			fmt.Fprintf(&b, "   Offline for: %s hours\n", formatNumber(*f.OfflineHours))
		}
		lastInform := "-"
		if f.LastInform != nil {
			lastInform = f.LastInform.Local().Format(timeFormat)
		}
		fmt.Fprintf(&b, "   Last Inform: %s\n\n", lastInform)
	}

	if result.Kind == models.ScanKindOffline {
		b.WriteString("Please take the necessary action.")
	} else {
		b.WriteString("Please check immediately to avoid disconnection.")
	}
	return b.String()
}

// PriorityFor returns the notification priority of a scan kind
func PriorityFor(kind models.ScanKind) models.Priority {
	if kind == models.ScanKindOffline {
		return models.PriorityMedium
	}
	return models.PriorityHigh
}

func summary(result *models.ScanResult) string {
	n := len(result.Findings)
	if result.Kind == models.ScanKindOffline {
		return fmt.Sprintf("%d device(s) offline for more than %s hours", n, formatNumber(result.Threshold))
	}
	return fmt.Sprintf("%d device(s) have RX power below %s dBm", n, formatNumber(result.Threshold))
}

// formatNumber drops trailing zeros: -27 stays "-27", -27.50 becomes "-27.5"
func formatNumber(v float64) string {
	return fmt.Sprintf("%g", v)
}
