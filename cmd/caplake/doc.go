// The caplake command runs and operates the capture service.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and the capture
//     endpoints. Submissions are validated, normalized into capture.Job
//     records, persisted to the store, and queued by priority. Status reads
//     never 404 on unknown jobs; "unknown" is a valid lifecycle answer.
//   - Store: the job queue, ongoing registry, results, and daily counters
//     live in Redis (sorted sets plus Lua for the atomic claim), with an
//     in-memory implementation for development and tests. The store is the
//     only shared state, so several service processes can work one backend.
//   - Backend lifecycle: internal/backend supervises the redis-server
//     process itself when configured as managed, attaching instead when the
//     backend is already up. Stops are refused while captures are ongoing
//     unless forced.
//   - Dispatcher: a fixed slot pool claims jobs atomically from the store
//     and drives the chromedp engine through navigation, HTML extraction,
//     and screenshots. Results are written before the slot is released so a
//     crash can never lose a claimed job.
//   - Reaper: a background sweep fails captures that outlived their
//     deadline and releases their slots, covering worker crashes in other
//     processes as well as this one.
//   - Proxy: an optional wireproxy tunnel is supervised with health checks
//     and restarts; while enabled, every capture is routed through it.
//   - Events: capture lifecycle transitions flow through a batching hub to
//     a log sink and an in-memory ring the API serves for quick inspection.
//
// Operational notes:
//   - Shutdown order on SIGTERM: stop claiming, close the HTTP listener,
//     drain in-flight captures within the drain window (escalating to a
//     forced abort), then stop the managed backend unless captures from
//     other processes hold it busy.
//   - Configuration comes from defaults, a --config file, and CAPLAKE_*
//     environment variables via Viper. Logging is zap; metrics are
//     Prometheus via /metrics.
//
// Subcommands: serve (the service), backend start|stop|status (lifecycle),
// status (one-shot pipeline view), maintenance clear-ongoing (slot repair).
package main
