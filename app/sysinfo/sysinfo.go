// Package sysinfo collects host metrics reported by the status api
package sysinfo

import (
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	log "github.com/go-pkgz/lgr"
)

// Info is a snapshot of host metrics. Fields failed to collect are left zero.
type Info struct {
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	LoadAvg1          float64 `json:"load_avg_1"`
	DiskFreePercent   float64 `json:"disk_free_percent"`
	DiskPath          string  `json:"disk_path"`
}

// Collect gathers memory, load average and free disk space of the path ("/" if empty)
func Collect(path string) Info {
	if path == "" {
		path = "/"
	}
	res := Info{DiskPath: path}

	if v, err := mem.VirtualMemory(); err == nil {
		res.MemoryUsedPercent = v.UsedPercent
	} else {
		log.Printf("[DEBUG] failed to get memory: %v", err)
	}

	if l, err := load.Avg(); err == nil {
		res.LoadAvg1 = l.Load1
	} else {
		log.Printf("[DEBUG] failed to get load average: %v", err)
	}

	if u, err := disk.Usage(path); err == nil {
		res.DiskFreePercent = 100 - u.UsedPercent
	} else {
		log.Printf("[DEBUG] failed to get disk usage for %s: %v", path, err)
	}
	return res
}
