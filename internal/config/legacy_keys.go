package config

import (
	"sort"

	"github.com/spf13/viper"
)

// legacyEnv maps configuration keys to the TORCH_NCCL_* variables that
// configured the same behavior before ncclwatch had its own namespace.
var legacyEnv = map[string]string{
	"recorder.buffer_size":     "TORCH_NCCL_TRACE_BUFFER_SIZE",
	"recorder.capture_stack":   "TORCH_NCCL_TRACE_CPP_STACK",
	"recorder.enable_timing":   "TORCH_NCCL_ENABLE_TIMING",
	"comm.nonblocking_timeout": "TORCH_NCCL_NONBLOCKING_TIMEOUT",
	"comm.nonblocking":         "TORCH_NCCL_USE_COMM_NONBLOCKING",
	"diagnostics.dump_prefix":  "TORCH_NCCL_DEBUG_INFO_TEMP_FILE",
	"diagnostics.trigger_file": "TORCH_NCCL_DEBUG_INFO_PIPE_FILE",
	"watchdog.dump_on_timeout": "TORCH_NCCL_DUMP_ON_TIMEOUT",
}

// bindLegacyEnv registers the legacy variables. viper consults them after
// the prefixed automatic variables, so NCCLWATCH_* wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	for _, key := range LegacyKeys() {
		if err := v.BindEnv(key, legacyEnv[key]); err != nil {
			return err
		}
	}
	return nil
}

// LegacyKeys returns the configuration keys that have a legacy variable,
// sorted.
func LegacyKeys() []string {
	keys := make([]string, 0, len(legacyEnv))
	for k := range legacyEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LegacyEnvFor returns the legacy variable for key.
func LegacyEnvFor(key string) (string, bool) {
	name, ok := legacyEnv[key]
	return name, ok
}
