// Package schedule turns a campaign definition into time-stamped batches.
// All computations are pure; callers persist and enqueue the result.
package schedule

import (
	"fmt"
	"time"

	"campd/internal/store"
)

// ValidationError rejects a campaign spec before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid campaign spec: %s %s", e.Field, e.Reason)
}

// Window is the local time-of-day range during which sends may occur.
type Window struct {
	StartHour int // inclusive
	EndHour   int // exclusive
	Location  *time.Location
}

// DefaultWindow is the [6:00, 22:00) local-time send window.
func DefaultWindow(loc *time.Location) Window {
	return Window{StartHour: 6, EndHour: 22, Location: loc}
}

// BatchID derives the deterministic queue job id for a batch.
func BatchID(messageID string, index int) string {
	return fmt.Sprintf("%s_batch_%d", messageID, index)
}

// UnitDuration converts a cadence unit to its duration. Unknown units
// are rejected by Validate before this is reached.
func UnitDuration(unit string) time.Duration {
	switch unit {
	case "minutes":
		return time.Minute
	case "hours":
		return time.Hour
	case "days":
		return 24 * time.Hour
	default:
		return 0
	}
}

// Validate checks a campaign definition synchronously.
func Validate(msg *store.ScheduledMessage) error {
	if len(msg.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	for i, item := range msg.Items {
		if item.ChatID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].chatId", i), Reason: "must not be empty"}
		}
		if item.Body == "" && item.MediaURL == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: "needs body or media"}
		}
	}
	if msg.BatchQuantity < 0 {
		return &ValidationError{Field: "batchQuantity", Reason: "must not be negative"}
	}
	if msg.RepeatUnit != "" && UnitDuration(msg.RepeatUnit) == 0 {
		return &ValidationError{Field: "repeatUnit", Reason: "must be minutes, hours or days"}
	}
	return nil
}

// BuildBatches splits the campaign's items into batches of BatchQuantity and
// assigns each batch its nominal time, adjusted into the allowed-hours window.
// A zero BatchQuantity puts all items in one batch. A non-positive
// RepeatInterval collapses all batches onto the same nominal time.
func BuildBatches(msg *store.ScheduledMessage, w Window) ([]*store.Batch, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}

	size := msg.BatchQuantity
	if size <= 0 || size > len(msg.Items) {
		size = len(msg.Items)
	}

	interval := time.Duration(msg.RepeatInterval) * UnitDuration(msg.RepeatUnit)
	if interval < 0 {
		interval = 0
	}

	base := time.UnixMilli(msg.ScheduledTime)
	var batches []*store.Batch
	for start, i := 0, 0; start < len(msg.Items); start, i = start+size, i+1 {
		end := start + size
		if end > len(msg.Items) {
			end = len(msg.Items)
		}

		nominal := base.Add(time.Duration(i) * interval)
		adjusted := Adjust(nominal, w)

		batches = append(batches, &store.Batch{
			CompanyID:     msg.CompanyID,
			MessageID:     msg.MessageID,
			BatchID:       BatchID(msg.MessageID, i),
			Index:         i,
			Status:        store.BatchPending,
			ScheduledTime: adjusted.UnixMilli(),
			Items:         msg.Items[start:end],
		})
	}
	return batches, nil
}

// Adjust pushes a time outside the allowed window forward to the next window
// start: same day if before the start hour, next day if at or past the end
// hour. The result never precedes the input.
func Adjust(t time.Time, w Window) time.Time {
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	h := local.Hour()
	switch {
	case h < w.StartHour:
		return time.Date(local.Year(), local.Month(), local.Day(),
			w.StartHour, 0, 0, 0, loc)
	case h >= w.EndHour:
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(),
			w.StartHour, 0, 0, 0, loc)
	default:
		return t
	}
}

// SpaceApart enforces a minimum gap between successive times, preserving
// order. Used on the recovery path so a burst of requeued batches does not
// hammer the channel.
func SpaceApart(times []time.Time, minGap time.Duration) []time.Time {
	if len(times) == 0 {
		return times
	}
	out := make([]time.Time, len(times))
	out[0] = times[0]
	for i := 1; i < len(times); i++ {
		earliest := out[i-1].Add(minGap)
		if times[i].Before(earliest) {
			out[i] = earliest
		} else {
			out[i] = times[i]
		}
	}
	return out
}
