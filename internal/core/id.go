package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewExecutionID returns an id for one firing of taskID: the task id, the
// start time and a random suffix so firings within the same second differ.
func NewExecutionID(taskID string, startedAt time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return taskID + "-" + startedAt.UTC().Format("20060102T150405Z") + "-" + suffix
}
