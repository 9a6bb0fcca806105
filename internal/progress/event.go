package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the milestone an operator Event records.
type Stage string

// Operator stages emitted over the Hub.
const (
	StageJobStart   Stage = "JOB_START"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
	StageItemDone   Stage = "ITEM_DONE"
	StageItemFailed Stage = "ITEM_FAILED"
	StageLog        Stage = "LOG"
)

// Event is an operator-facing progress record. Unlike LogEntry it carries the
// job id so a single Hub can serve every job in the process.
type Event struct {
	JobID   [16]byte
	TS      time.Time
	Stage   Stage
	Level   Level
	URL     string
	Scraped int
	Total   int
	Dur     time.Duration
	Note    string
}

// Validate rejects events the sinks cannot attribute.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageItemDone, StageItemFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageLog:
		if !e.Level.Valid() {
			return fmt.Errorf("log event has invalid level %q", e.Level)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID returns the job id as a uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// JobKey converts a textual job id into the Event form. Ids that are not
// UUIDs map to the zero key and are rejected by Validate.
func JobKey(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return [16]byte(parsed)
}
