// Package relay provides a bounded-concurrency TCP upload relay.
//
// Each TCP connection carries one file: the client writes the payload and
// half-closes its side. The relay uploads the payload to an object-storage
// bucket and answers with a single line before closing the connection:
//
//	OK <bytesWritten>
//	ERR <errorKind>
//
// Concurrency is bounded by a fixed pool of handler slots and a bounded FIFO
// queue. Connections arriving while both are full are refused immediately
// with "ERR SchedulerFull" rather than left waiting.
//
// Key features:
//   - Admission control with a capped pool and bounded queue
//   - Size-capped frame reading with idle timeouts
//   - Retries of transient storage failures with exponential backoff
//   - Graceful shutdown with a grace period, then forced close
//   - S3, MinIO and in-memory storage backends
//
// Example usage:
//
//	store, err := storage.NewS3(ctx, storage.WithRegion("eu-central-1"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	gw, err := gateway.New(store, "uploads", gateway.WithRetries(2))
//	if err != nil {
//	    return err
//	}
//
//	srv, err := relay.New(gw,
//	    relay.WithAddr(":8080"),
//	    relay.WithPoolSize(16),
//	)
//	if err != nil {
//	    return err
//	}
//	return srv.ListenAndServe(ctx)
package relay
