// Package model defines the entity types shared by the pool, session,
// reconcile and store packages: container and session records, their status
// lattices, and the resource-limit blob embedded in a session row.
package model

import "time"

// ContainerStatus is the container status lattice from the data model:
// Warming (create/start in flight) -> Idle (running, unassigned) ->
// Busy (reserved for a session) -> Destroying (terminal, awaiting removal).
type ContainerStatus string

const (
	ContainerWarming    ContainerStatus = "warming"
	ContainerIdle       ContainerStatus = "idle"
	ContainerBusy       ContainerStatus = "busy"
	ContainerDestroying ContainerStatus = "destroying"
)

func (s ContainerStatus) String() string { return string(s) }

// Container is the engine-container record keyed by the engine's own
// container id (or a synthetic placeholder id while Warming).
type Container struct {
	ContainerID  string
	Name         string
	Image        string
	DockerStatus string // the engine's raw status string, e.g. "running"
	Status       ContainerStatus
	Labels       map[string]string
	CreatedAt    time.Time
	StartedAt    *time.Time
}

// LabelPrefix-qualified label keys, built by Labels below.
const (
	labelManaged = "managed"
	labelMemory  = "memory"
	labelCPU     = "cpu"
	labelPids    = "pids"
	labelNetwork = "network"
	labelCreated = "created"
)

// Labels builds the managed-label set a container is created with, per the
// data model's minimum label requirements.
func Labels(prefix string, limits ResourceLimits, network NetworkMode, createdAt time.Time) map[string]string {
	return map[string]string{
		prefix + "." + labelManaged: "true",
		prefix + "." + labelMemory:  itoa64(limits.MemoryBytes),
		prefix + "." + labelCPU:     ftoa(limits.CPUCores),
		prefix + "." + labelPids:    itoa64(int64(limits.MaxProcesses)),
		prefix + "." + labelNetwork: string(network),
		prefix + "." + labelCreated: createdAt.UTC().Format(time.RFC3339),
	}
}
