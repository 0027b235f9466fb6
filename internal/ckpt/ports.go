package ckpt

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"time"
)

// ServiceSupervisor controls named services on the host (systemd in
// production). Implementations must not block past ctx.
type ServiceSupervisor interface {
	// Available reports whether the supervisor can be used at all.
	Available(ctx context.Context) error
	IsActive(ctx context.Context, name string) (bool, error)
	IsEnabled(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	// ReadUnit returns the unit definition path and content.
	// Returns an error wrapping ErrNotFound when the unit has no definition.
	ReadUnit(ctx context.Context, name string) (path string, content []byte, err error)
	// WriteUnit writes a unit definition back to path.
	WriteUnit(ctx context.Context, path string, content []byte) error
	// Reload makes the supervisor re-read unit definitions.
	Reload(ctx context.Context) error
}

// ContainerSummary is one row of the container inventory.
type ContainerSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Image   string   `json:"image"`
	State   string   `json:"state"`
	Status  string   `json:"status"`
	Volumes []string `json:"volumes,omitempty"`
}

// VolumeSummary is one row of the volume inventory.
type VolumeSummary struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// NetworkSummary is one row of the container network inventory.
type NetworkSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Scope  string `json:"scope"`
}

// ContainerRuntime is the subset of the container engine used for capture
// and restore.
type ContainerRuntime interface {
	// Ping returns nil when the runtime is active.
	Ping(ctx context.Context) error
	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)
	ListVolumes(ctx context.Context) ([]VolumeSummary, error)
	ListNetworks(ctx context.Context) ([]NetworkSummary, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	// ExportVolume writes a tar stream of the volume content to w.
	ExportVolume(ctx context.Context, name string, w io.Writer) error
	// ImportVolume extracts a tar stream produced by ExportVolume into the
	// volume, creating the volume when missing.
	ImportVolume(ctx context.Context, name string, r io.Reader) error
}

// InterfaceInfo describes one network interface.
type InterfaceInfo struct {
	Name         string   `json:"name"`
	HardwareAddr string   `json:"hardware_addr,omitempty"`
	MTU          int      `json:"mtu"`
	State        string   `json:"state"`
	Addresses    []string `json:"addresses,omitempty"`
}

// RouteInfo describes one routing table entry.
type RouteInfo struct {
	Destination string `json:"destination"`
	Gateway     string `json:"gateway,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Scope       string `json:"scope"`
}

// NetworkInspector reads informational network state.
type NetworkInspector interface {
	Interfaces(ctx context.Context) ([]InterfaceInfo, error)
	Routes(ctx context.Context) ([]RouteInfo, error)
	// ListeningSockets returns a human readable listening-socket table.
	ListeningSockets(ctx context.Context) ([]byte, error)
}

// Firewall saves and restores the host firewall ruleset.
type Firewall interface {
	Save(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, rules []byte) error
}

// LivenessChecker performs an HTTP GET and reports reachability.
type LivenessChecker interface {
	Reachable(ctx context.Context, url string) bool
}

// LinkStats counts how an incremental copy was satisfied.
type LinkStats struct {
	Copied int `json:"copied"`
	Linked int `json:"linked"`
}

// FilesystemManager performs the file operations needed by capture, restore
// and verification.
type FilesystemManager interface {
	// Stat returns info without following a final symlink.
	Stat(path string) (fs.FileInfo, error)
	// CopyTree copies a file or directory to dst, preserving mode and
	// modification times. Returns the number of regular files copied.
	CopyTree(src, dst string) (int, error)
	// LinkTree copies src to dst but hard-links files that are unchanged
	// in base (same relative path, size, mode and mtime). base may be empty.
	LinkTree(src, dst, base string) (LinkStats, error)
	// MoveAside renames path to path+suffix, adding a counter when that name
	// is taken. Returns the new name.
	MoveAside(path, suffix string) (string, error)
	HashFile(path string) (string, error)
	// HashTree returns relative path -> sha256 for every regular file under
	// root for which skip returns false.
	HashTree(root string, skip func(rel string) bool) (map[string]string, error)
	WriteFileAtomic(path string, data []byte, perm fs.FileMode) error
	RemoveAll(path string) error
}

// Archiver packs and unpacks checkpoint directories.
type Archiver interface {
	// Pack writes an archive of dir to w and returns the number of files.
	Pack(dir string, w io.Writer) (int, error)
	// Unpack extracts an archive into dir and returns the number of files.
	Unpack(r io.Reader, dir string) (int, error)
	// Count reads an archive and returns the number of files it holds.
	Count(r io.Reader) (int, error)
}

// Encryptor encrypts checkpoint archives. Encryption uses only the public
// key; decryption needs the passphrase-protected private key.
type Encryptor interface {
	Setup(passphrase string) error
	Encrypt(r io.Reader, w io.Writer) error
	Unlock(passphrase string) (DecryptionContext, error)
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key for one session.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// PassphraseFunc supplies the passphrase for an encrypted archive.
type PassphraseFunc func() (string, error)

// ArchiveMirror stores copies of checkpoint archives off the host.
type ArchiveMirror interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string, w io.Writer) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ValidateSetup(ctx context.Context) error
}

// ScratchArea hands out temporary directories for extracting archives.
type ScratchArea interface {
	// Acquire creates an empty directory able to hold need bytes. release
	// removes it and is safe to call more than once.
	Acquire(purpose string, need int64) (dir string, release func(), err error)
}

// DeploymentStore persists deployment records. It is owned by the
// DeploymentTracker.
type DeploymentStore interface {
	// CreateDeployment inserts a new record. Returns ErrAlreadyExists when
	// the id is taken.
	CreateDeployment(ctx context.Context, rec *DeploymentRecord) error
	// FindDeployment returns nil when the id is unknown.
	FindDeployment(ctx context.Context, id string) (*DeploymentRecord, error)
	// FinishDeployment moves an in_progress record to its terminal state.
	// Returns ErrAlreadyTerminal when it is not in progress and ErrNotFound
	// when the id is unknown.
	FinishDeployment(ctx context.Context, id string, success bool, reason string, at time.Time) error
	RecordRollback(ctx context.Context, id, checkpointID, outcome string) error
	SetCurrent(ctx context.Context, id string) error
	// CurrentDeployment returns nil when no deployment is current.
	CurrentDeployment(ctx context.Context) (*DeploymentRecord, error)
	ClearCurrent(ctx context.Context, id string) error
	// LastSuccessful returns nil when no deployment ever succeeded.
	LastSuccessful(ctx context.Context) (*DeploymentRecord, error)
	// Deployments yields records newest first.
	Deployments(ctx context.Context) iter.Seq2[*DeploymentRecord, error]
	// DeleteFinishedBefore removes terminal records that finished before t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)
}

// HealthStore persists the single current health record. It is owned by
// the Monitor.
type HealthStore interface {
	Load() (HealthStatus, error)
	Save(status HealthStatus) error
}

// Locker serializes one class of mutation across processes.
type Locker interface {
	// Lock blocks until the lock is held or ctx is done.
	Lock(ctx context.Context) (release func() error, err error)
}
