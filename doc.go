// Package beacon provides a local-first telemetry submission pipeline for
// Go.
//
// Beacon is a library, not a service. Events are written to a local store
// first and shipped to a remote HTTP collector in the background, so
// nothing is lost across restarts or while offline. Submission is batched,
// rate limited with a token bucket, and retried with exponential backoff;
// a failed submission never surfaces as an error in the host application.
//
// Key features:
//   - Persistent FIFO queue with per-entry retry state (SQLite, Redis, Memory)
//   - Exponential backoff with jitter and a bounded retry budget
//   - Token bucket rate limiting
//   - JSON Schema validation of collector responses
//   - Consent hook to pause and resume remote submission
//   - At-least-once delivery with the event ID as idempotency key
//
// Quick start:
//
//	s, err := sqlite.Open("telemetry.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	b, err := beacon.New(
//	    beacon.WithStore(s),
//	    beacon.WithEndpoint("https://collector.example.com/v1/events"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b.Start(ctx)
//	defer b.Stop(ctx)
//
//	b.Record(ctx, &event.Event{
//	    SessionID: "sess_123",
//	    Type:      "screen.view",
//	    Data:      map[string]any{"screen": "settings"},
//	})
package beacon
