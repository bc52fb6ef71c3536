package relay

import "time"

// BackoffForTest exposes the restart schedule to package tests.
func BackoffForTest(attempt int) time.Duration { return backoffFor(attempt) }
