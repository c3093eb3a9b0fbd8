package sysinfo

import (
	"testing"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	info := Collect(t.TempDir())
	assert.NotEmpty(t, info.DiskPath)
	assert.GreaterOrEqual(t, info.DiskFreePercent, 0.0)
	assert.LessOrEqual(t, info.DiskFreePercent, 100.0)

	if _, err := mem.VirtualMemory(); err == nil {
		assert.Greater(t, info.MemoryUsedPercent, 0.0)
	}
}

func TestCollect_DefaultPath(t *testing.T) {
	info := Collect("")
	assert.Equal(t, "/", info.DiskPath)
}

func TestCollect_MissingPath(t *testing.T) {
	info := Collect("/no/such/path/for/sure")
	assert.Zero(t, info.DiskFreePercent)
}
