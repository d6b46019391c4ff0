// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics collects point-in-time system metrics merged into the
// device's state reports.
package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/DataDog/iot-agent/pkg/util/log"
)

const topProcesses = 5

// Snapshot is one system metrics sample.
type Snapshot struct {
	CollectedAt time.Time     `json:"collected_at"`
	CPUPercent  float64       `json:"cpu_percent"`
	Memory      MemoryStats   `json:"memory"`
	Storage     StorageStats  `json:"storage"`
	Processes   []ProcessInfo `json:"processes,omitempty"`
}

// MemoryStats mirrors the fields the cloud dashboard renders.
type MemoryStats struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// StorageStats describes the root filesystem.
type StorageStats struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessInfo is one entry of the top-processes list.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
}

// Collector samples system metrics. The state-exchange client depends on
// this interface; tests substitute a canned implementation.
type Collector interface {
	Collect(ctx context.Context) (Snapshot, error)
}

// SystemCollector samples the local host via gopsutil.
type SystemCollector struct{}

// NewSystemCollector returns a host metrics collector.
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{}
}

// Collect gathers a snapshot. Individual probe failures degrade the sample
// instead of failing it; a device with a broken /proc mount should still
// report what it can.
func (c *SystemCollector) Collect(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{CollectedAt: time.Now().UTC()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		log.Debugf("cpu sample failed: %v", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory = MemoryStats{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	} else {
		log.Debugf("memory sample failed: %v", err)
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.Storage = StorageStats{
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		}
	} else {
		log.Debugf("storage sample failed: %v", err)
	}

	snap.Processes = c.topProcesses(ctx)
	return snap, nil
}

func (c *SystemCollector) topProcesses(ctx context.Context) []ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Debugf("process list failed: %v", err)
		return nil
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		infos = append(infos, ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: memPct,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CPUPercent > infos[j].CPUPercent })
	if len(infos) > topProcesses {
		infos = infos[:topProcesses]
	}
	return infos
}
