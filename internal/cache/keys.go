package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const queueStatusKey = "queue:status"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

// QueueStatusKey holds the short-lived snapshot served to UI pollers.
func QueueStatusKey() string {
	return queueStatusKey
}
