package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPU is one accelerator visible on the host. Fields other than Name are
// only filled when nvidia-smi is available.
type GPU struct {
	Index      int     `json:"index" yaml:"index"`
	Name       string  `json:"name" yaml:"name"`
	UUID       string  `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	MemTotalMB float64 `json:"mem_total_mb,omitempty" yaml:"mem_total_mb,omitempty"`
	MemUsedMB  float64 `json:"mem_used_mb,omitempty" yaml:"mem_used_mb,omitempty"`
	Driver     string  `json:"driver,omitempty" yaml:"driver,omitempty"`
	Source     string  `json:"source" yaml:"source"`
}

// HostSnapshot describes the machine a rank runs on. It is attached to
// doctor output and logged when a hang is detected.
type HostSnapshot struct {
	Hostname   string    `json:"hostname" yaml:"hostname"`
	CPUModel   string    `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	CPUThreads int       `json:"cpu_threads" yaml:"cpu_threads"`
	MemTotalMB float64   `json:"mem_total_mb" yaml:"mem_total_mb"`
	MemUsedMB  float64   `json:"mem_used_mb" yaml:"mem_used_mb"`
	LoadAvg1   float64   `json:"load_avg_1" yaml:"load_avg_1"`
	DumpDir    string    `json:"dump_dir,omitempty" yaml:"dump_dir,omitempty"`
	DumpFreeMB float64   `json:"dump_dir_free_mb,omitempty" yaml:"dump_dir_free_mb,omitempty"`
	GPUs       []GPU     `json:"gpus,omitempty" yaml:"gpus,omitempty"`
	TakenAt    time.Time `json:"taken_at" yaml:"taken_at"`
}

// CollectHost gathers a best-effort snapshot. Probes that fail leave their
// fields zero. dumpPrefix, when set, reports free space next to the dumps.
func CollectHost(ctx context.Context, dumpPrefix string) HostSnapshot {
	snap := HostSnapshot{TakenAt: time.Now()}
	snap.Hostname, _ = os.Hostname()

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUThreads = threads
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
		snap.MemUsedMB = float64(vm.Used) / 1024 / 1024
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg1 = avg.Load1
	}
	if dumpPrefix != "" {
		snap.DumpDir = filepath.Dir(dumpPrefix)
		if usage, err := disk.UsageWithContext(ctx, snap.DumpDir); err == nil {
			snap.DumpFreeMB = float64(usage.Free) / 1024 / 1024
		}
	}

	snap.GPUs = queryNvidiaSMI(ctx)
	if len(snap.GPUs) == 0 {
		snap.GPUs = queryGhwGPU()
	}
	return snap
}

func queryNvidiaSMI(ctx context.Context) []GPU {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,uuid,memory.total,memory.used,driver_version",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI reads nvidia-smi CSV rows. Malformed rows are skipped.
func parseNvidiaSMI(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		total, _ := strconv.ParseFloat(fields[3], 64)
		used, _ := strconv.ParseFloat(fields[4], 64)
		gpus = append(gpus, GPU{
			Index:      idx,
			Name:       fields[1],
			UUID:       fields[2],
			MemTotalMB: total,
			MemUsedMB:  used,
			Driver:     fields[5],
			Source:     "nvidia-smi",
		})
	}
	return gpus
}

func queryGhwGPU() []GPU {
	info, err := ghw.GPU()
	if err != nil || info == nil {
		return nil
	}
	gpus := make([]GPU, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if d := card.DeviceInfo; d != nil {
			switch {
			case d.Vendor != nil && d.Product != nil:
				name = d.Vendor.Name + " " + d.Product.Name
			case d.Product != nil:
				name = d.Product.Name
			case d.Vendor != nil:
				name = d.Vendor.Name
			}
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		gpus = append(gpus, GPU{Index: card.Index, Name: name, Source: "pci"})
	}
	return gpus
}
