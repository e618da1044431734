package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/core"
)

// DefaultDumpPrefix is the file name prefix of the default sink.
const DefaultDumpPrefix = "/tmp/nccl_trace_rank_"

// EnvDumpPrefix overrides DefaultDumpPrefix.
const EnvDumpPrefix = "TORCH_NCCL_DEBUG_INFO_TEMP_FILE"

// Writer persists one serialized diagnostic dump.
type Writer interface {
	Write(ctx context.Context, dump []byte) error
	// Target names where dumps go, for logs and error messages.
	Target() string
}

// Registry holds the single diagnostic sink of a process.
type Registry struct {
	prefix string
	logger *slog.Logger

	mu         sync.Mutex
	registered atomic.Bool
	writer     Writer
}

// NewRegistry creates a registry whose default sink writes to prefix+rank.
// An empty prefix is resolved from the environment when the default sink
// is needed.
func NewRegistry(prefix string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{prefix: prefix, logger: logger}
}

// Register installs w as the sink. Registration is permanent: it fails
// once any sink, including the automatic default, has been installed.
func (r *Registry) Register(w Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered.CompareAndSwap(false, true) {
		return &core.Error{
			Category: core.ErrCatInvalidUsage,
			Code:     core.CodeWriterRegistered,
			Message:  "debug info writer already registered: " + r.writer.Target(),
		}
	}
	r.writer = w
	r.logger.Info("registered diagnostic sink", "target", w.Target())
	return nil
}

// Get returns the registered sink, registering the default file sink for
// rank if none was registered yet.
func (r *Registry) Get(rank int) Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered.CompareAndSwap(false, true) {
		prefix := r.prefix
		if prefix == "" {
			prefix = DumpPrefixFromEnv()
		}
		r.writer = NewFileWriter(prefix, rank, r.logger)
		r.logger.Info("no diagnostic sink registered, using default", "target", r.writer.Target())
	}
	return r.writer
}

// Registered reports whether a sink is installed.
func (r *Registry) Registered() bool {
	return r.registered.Load()
}

// DumpPrefixFromEnv returns the default sink prefix from the environment.
func DumpPrefixFromEnv() string {
	v := viper.New()
	v.SetDefault(EnvDumpPrefix, DefaultDumpPrefix)
	_ = v.BindEnv(EnvDumpPrefix, EnvDumpPrefix)
	return v.GetString(EnvDumpPrefix)
}

var defaultRegistry = NewRegistry("", nil)

// RegisterWriter installs w as the process-wide sink.
func RegisterWriter(w Writer) error {
	return defaultRegistry.Register(w)
}

// GetWriter returns the process-wide sink for rank.
func GetWriter(rank int) Writer {
	return defaultRegistry.Get(rank)
}
