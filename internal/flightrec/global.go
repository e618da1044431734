package flightrec

import (
	"sync"

	"github.com/spf13/viper"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvBufferSize   = "TORCH_NCCL_TRACE_BUFFER_SIZE"
	EnvCaptureStack = "TORCH_NCCL_TRACE_CPP_STACK"
	EnvEnableTiming = "TORCH_NCCL_ENABLE_TIMING"
)

var (
	globalMu  sync.Mutex
	globalBuf *Buffer
)

// OptionsFromEnv reads recorder options from the environment. Capacity
// defaults to zero, which disables recording.
func OptionsFromEnv() Options {
	v := viper.New()
	v.SetDefault(EnvBufferSize, 0)
	v.SetDefault(EnvCaptureStack, false)
	v.SetDefault(EnvEnableTiming, false)
	for _, key := range []string{EnvBufferSize, EnvCaptureStack, EnvEnableTiming} {
		_ = v.BindEnv(key, key)
	}
	return Options{
		MaxEntries:   v.GetInt(EnvBufferSize),
		CaptureStack: v.GetBool(EnvCaptureStack),
		EnableTiming: v.GetBool(EnvEnableTiming),
	}
}

// Global returns the process-wide recorder, creating it from the
// environment on first use. It lives until the process exits and is never
// closed: exit-time teardown ordering is not guaranteed, and dumps must
// stay available while other components shut down.
func Global() *Buffer {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBuf == nil {
		globalBuf = New(OptionsFromEnv())
	}
	return globalBuf
}

// InitGlobal creates the process-wide recorder with opts. It returns false
// and keeps the existing recorder if one was already created.
func InitGlobal(opts Options) bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalBuf != nil {
		return false
	}
	globalBuf = New(opts)
	return true
}
