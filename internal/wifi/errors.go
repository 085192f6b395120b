package wifi

import "errors"

// Domain-specific errors for WiFi operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAssociationFailed is returned when the retry ceiling is exhausted
	// before the interface obtained an IP address.
	ErrAssociationFailed = errors.New("wifi: association failed after maximum retries")

	// ErrSupplicantUnavailable is returned when the supplicant control
	// interface cannot be reached.
	ErrSupplicantUnavailable = errors.New("wifi: supplicant unavailable")
)
