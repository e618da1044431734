package config

// Sink kinds.
const (
	SinkFile   = "file"
	SinkSQLite = "sqlite"
)

// DefaultConfigYAML is written by `ncclwatch config init`.
const DefaultConfigYAML = `# ncclwatch configuration
#
# Values not specified here use defaults. Environment variables
# NCCLWATCH_<SECTION>_<KEY> override this file, and the TORCH_NCCL_*
# variables are honored when the NCCLWATCH_ form is unset.

log:
  level: info
  format: auto

recorder:
  # Number of collectives kept in the flight recorder; 0 disables it.
  buffer_size: 2000
  capture_stack: false
  enable_timing: false

comm:
  # Bound on waits for non-blocking communicators (Go duration or seconds).
  nonblocking_timeout: 30m
  poll_interval: 2ms
  nonblocking: false

diagnostics:
  dump_prefix: /tmp/nccl_trace_rank_
  # Touch <trigger_file><rank>.pipe to request a dump from a live process.
  trigger_file: ""
  sink: file
  sqlite_path: .ncclwatch/dumps.db
  include_stack: true

watchdog:
  interval: 100ms
  timeout: 10m
  dump_on_timeout: true

server:
  addr: 127.0.0.1:9780
`
