package elastic

import "time"

// epochTime converts epoch seconds (the timestamp unit used across spec.md
// §4-§6) to a time.Time.
func epochTime(epochSeconds int64) time.Time {
	return time.Unix(epochSeconds, 0).UTC()
}
