package model

import (
	"fmt"
	"strconv"
)

// NetworkMode is the per-session/container network isolation mode.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// ResourceLimits is the resource_limits blob embedded in a session row and
// echoed into container labels. CPUCores is fractional (e.g. 1.5 cores).
type ResourceLimits struct {
	MemoryBytes  int64   `json:"memory_bytes"`
	CPUCores     float64 `json:"cpu_cores"`
	MaxProcesses int     `json:"max_processes"`
}

// Positive reports whether every field is a positive, usable value.
func (r ResourceLimits) Positive() bool {
	return r.MemoryBytes > 0 && r.CPUCores > 0 && r.MaxProcesses > 0
}

// Within reports whether r does not exceed max in any field.
func (r ResourceLimits) Within(max ResourceLimits) bool {
	return r.MemoryBytes <= max.MemoryBytes && r.CPUCores <= max.CPUCores && r.MaxProcesses <= max.MaxProcesses
}

// Equal reports whether two limit sets request the identical resources.
func (r ResourceLimits) Equal(other ResourceLimits) bool {
	return r.MemoryBytes == other.MemoryBytes && r.CPUCores == other.CPUCores && r.MaxProcesses == other.MaxProcesses
}

// NanoCPUs converts CPUCores to the engine's nano-CPU unit (cores * 1e9).
func (r ResourceLimits) NanoCPUs() int64 {
	return int64(r.CPUCores * 1e9)
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }
func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// ValidationError names the field that failed a limits check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
