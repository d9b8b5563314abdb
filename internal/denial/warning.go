package denial

import (
	"fmt"
	"math"
	"time"
)

// WarningWindowDays is how far ahead of expiry a warning starts.
const WarningWindowDays = 30

// ExpirationWarning returns "expires in N days" when the license expires
// within 1..WarningWindowDays days (partial days round up), and "" otherwise.
// Expired licenses get no warning; they are denied instead.
func ExpirationWarning(expiresAt, now time.Time) string {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return ""
	}
	days := int(math.Ceil(remaining.Hours() / 24))
	switch {
	case days > WarningWindowDays:
		return ""
	case days == 1:
		return "expires in 1 day"
	default:
		return fmt.Sprintf("expires in %d days", days)
	}
}
