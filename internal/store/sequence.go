package store

import (
	"fmt"
	"strings"
	"time"
)

// FormatQueueNumber renders the display number for an allocated sequence
// value. Counters are scoped per (tenant, clinician, day); the clinician
// prefix keeps the rendered number unique across the whole tenant.
func FormatQueueNumber(clinicianID string, day time.Time, seq int64) string {
	prefix := strings.ReplaceAll(clinicianID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("Q%s-%s-%03d", day.Format("20060102"), strings.ToUpper(prefix), seq)
}
