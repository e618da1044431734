// Package diagnostics persists flight-recorder dumps and collects host state
// for post-mortem analysis of hung or failed collectives.
//
// The package implements four components:
//
//   - Registry: the process-wide, register-once diagnostic sink. The first
//     writer registered wins; if none is registered before the first dump, a
//     FileWriter named after the rank is registered automatically and the
//     chance to register is gone.
//
//   - FileWriter and SQLiteWriter: sinks that persist a serialized dump
//     atomically to a file, or as a row in a SQLite database.
//
//   - DumpTrigger: watches a rank-scoped trigger file and requests a dump
//     whenever it is created or written, so an operator can ask a live
//     process for its trace.
//
//   - CollectHost: a best-effort snapshot of memory, CPU load and GPUs.
//
// Configuration is managed through DiagnosticsConfig in the config package.
package diagnostics
