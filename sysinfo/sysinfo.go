// Package sysinfo describes the host the trainer runs on.
package sysinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info is a snapshot of the host. Fields that could not be read are zero.
type Info struct {
	Hostname      string
	Platform      string
	CPUModel      string
	PhysicalCores int
	LogicalCores  int
	Features      []string
	MemoryTotalGB float64
	MemoryFreeGB  float64
	DiskFreeGB    float64 // on the filesystem holding the data directory
}

// vector extensions the conv kernels benefit from
var reportedFeatures = []struct {
	id   cpuid.FeatureID
	name string
}{
	{cpuid.SSE4, "SSE4.1"},
	{cpuid.AVX, "AVX"},
	{cpuid.AVX2, "AVX2"},
	{cpuid.FMA3, "FMA3"},
	{cpuid.AVX512F, "AVX512F"},
	{cpuid.ASIMD, "ASIMD"},
}

// Collect gathers host information. dir selects the filesystem for
// DiskFreeGB; an empty dir skips it.
func Collect(dir string) Info {
	info := Info{
		CPUModel:      cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
	}
	for _, f := range reportedFeatures {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	if info.LogicalCores == 0 {
		info.LogicalCores = runtime.NumCPU()
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		if h.Platform != "" {
			info.Platform = fmt.Sprintf("%s %s (%s)", h.Platform, h.PlatformVersion, runtime.GOARCH)
		}
	}
	if v, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalGB = float64(v.Total) / (1024 * 1024 * 1024)
		info.MemoryFreeGB = float64(v.Available) / (1024 * 1024 * 1024)
	}
	if dir != "" {
		if d, err := disk.Usage(dir); err == nil {
			info.DiskFreeGB = float64(d.Free) / (1024 * 1024 * 1024)
		}
	}
	return info
}

// DefaultWorkers is the number of batch producers to run: half the physical
// cores, leaving the rest to the training step, between 1 and 8.
func (i Info) DefaultWorkers() int {
	cores := i.PhysicalCores
	if cores == 0 {
		cores = i.LogicalCores
	}
	w := cores / 2
	if w < 1 {
		w = 1
	}
	if w > 8 {
		w = 8
	}
	return w
}

func (i Info) String() string {
	var sb strings.Builder
	model := i.CPUModel
	if model == "" {
		model = "unknown CPU"
	}
	fmt.Fprintf(&sb, "%s: %s, %d cores / %d threads", i.Platform, model, i.PhysicalCores, i.LogicalCores)
	if len(i.Features) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(i.Features, " "))
	}
	if i.MemoryTotalGB > 0 {
		fmt.Fprintf(&sb, ", %.1f/%.1f GB memory free", i.MemoryFreeGB, i.MemoryTotalGB)
	}
	if i.DiskFreeGB > 0 {
		fmt.Fprintf(&sb, ", %.1f GB disk free", i.DiskFreeGB)
	}
	return sb.String()
}
