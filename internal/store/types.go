package store

import "time"

// ContainerStatus is one of the states in the container lifecycle state
// machine (spec.md §4.11).
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusExited     ContainerStatus = "exited"
	StatusRemoving   ContainerStatus = "removing"
	StatusDead       ContainerStatus = "dead"
)

// RestartPolicyName enumerates the restart policies honored by
// GetContainersToRestart (spec.md §4.1, §8).
type RestartPolicyName string

const (
	RestartAlways        RestartPolicyName = "always"
	RestartUnlessStopped RestartPolicyName = "unless-stopped"
	RestartOnFailure     RestartPolicyName = "on-failure"
	RestartNo            RestartPolicyName = "no"
)

// RestartPolicy is the restart-policy fragment of a container's persisted
// host config, decoded out of host_config_json for reconciliation.
type RestartPolicy struct {
	Name              RestartPolicyName `json:"Name"`
	MaximumRetryCount int               `json:"MaximumRetryCount,omitempty"`
}

// HostConfig is the subset of a container's persisted host configuration
// the core reads back out; the full host config is stored verbatim as
// host_config_json and is otherwise opaque to the core (it is produced and
// consumed by the API layer).
type HostConfig struct {
	RestartPolicy RestartPolicy `json:"RestartPolicy"`
}

// Container is a row of the containers table.
type Container struct {
	ID             string
	Name           string
	Image          string
	ImageID        string
	CreatedAt      time.Time
	Status         ContainerStatus
	Running        bool
	Paused         bool
	Restarting     bool
	PID            int
	ExitCode       int
	StartedAt      *time.Time
	FinishedAt     *time.Time
	StoppedByUser  bool
	ConfigJSON     string
	HostConfigJSON string
}

// Network is a row of the networks table.
type Network struct {
	ID          string
	Name        string
	Driver      string
	Scope       string
	CreatedAt   time.Time
	Subnet      string
	Gateway     string
	IPRange     string
	OptionsJSON string
	LabelsJSON  string
	IsDefault   bool
}

// NetworkAttachment is a row of the network_attachments table. VsockPort
// is Bridge-driver bookkeeping (0 for other drivers): the relay port a
// restart's reconciliation reserves before handing out new ones (spec.md
// §4.7).
type NetworkAttachment struct {
	ID          int64
	ContainerID string
	NetworkID   string
	IP          string
	MAC         string
	AliasesJSON string
	AttachedAt  time.Time
	VsockPort   int
}

// Volume is a row of the volumes table.
type Volume struct {
	Name        string
	Driver      string
	Format      string
	Mountpoint  string
	CreatedAt   time.Time
	LabelsJSON  string
	OptionsJSON string
}

// VolumeMount is a row of the volume_mounts table.
type VolumeMount struct {
	ID            int64
	ContainerID   string
	VolumeName    string
	ContainerPath string
	IsAnonymous   bool
	MountedAt     time.Time
}

// ImageLayer is one entry of an Image's ordered layer list, persisted as
// JSON inside the images row. Layer order is the overlay stacking order
// (spec.md §3).
type ImageLayer struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Image is a row of the images table, keyed by content digest
// ("sha256:<hex>"). Human references live in a separate table since one
// digest may be indexed by many.
type Image struct {
	Digest         string
	ManifestDigest string
	SizeBytes      int64
	PlatformOS     string
	PlatformArch   string
	Layers         []ImageLayer
	PulledAt       time.Time
}

// LayerCacheEntry is a row of the layer_cache_entries table: one
// content-addressed EXT4 block image produced from an OCI layer tar
// (spec.md §3's "layer cache entry", §4.4).
type LayerCacheEntry struct {
	Digest    string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
	HitCount  int64
	LastHitAt *time.Time
}
