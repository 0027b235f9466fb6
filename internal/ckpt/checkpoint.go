package ckpt

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Category is one resource class captured into a checkpoint subtree.
type Category string

const (
	CategoryServices Category = "systemd"
	CategoryConfig   Category = "config"
	CategoryData     Category = "data"
	CategoryDocker   Category = "docker"
	CategoryNetwork  Category = "network"
)

// CaptureOrder is the fixed order in which capturers run.
var CaptureOrder = []Category{CategoryServices, CategoryConfig, CategoryData, CategoryDocker, CategoryNetwork}

// RestoreOrder is the fixed replay order. Services come last so they start
// against restored configuration and data.
var RestoreOrder = []Category{CategoryNetwork, CategoryDocker, CategoryData, CategoryConfig, CategoryServices}

// Checkpoint layout.
const (
	ManifestFile       = "manifest.json"
	ChecksumsFile      = "checksums.json"
	TransactionLogFile = "transaction.log"
	ArchiveExt         = ".tar.gz"
	EncryptedExt       = ".age"
	lockFile           = ".lock"
	restoreLogDir      = ".restore"
)

// idTimeLayout is the timestamp suffix of a checkpoint id.
const idTimeLayout = "20060102-150405"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName checks a checkpoint name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("checkpoint name is empty")
	}
	if !namePattern.MatchString(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid checkpoint name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// NewCheckpointID builds "<name>-<YYYYMMDD-HHMMSS>" in UTC.
func NewCheckpointID(name string, at time.Time) string {
	return name + "-" + at.UTC().Format(idTimeLayout)
}

// ParseCheckpointID splits an id into its name and creation time.
func ParseCheckpointID(id string) (name string, created time.Time, err error) {
	if len(id) < len(idTimeLayout)+2 || id[len(id)-len(idTimeLayout)-1] != '-' {
		return "", time.Time{}, fmt.Errorf("malformed checkpoint id %q", id)
	}
	suffix := id[len(id)-len(idTimeLayout):]
	created, err = time.ParseInLocation(idTimeLayout, suffix, time.UTC)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed checkpoint id %q: %w", id, err)
	}
	return id[:len(id)-len(idTimeLayout)-1], created, nil
}

// ItemStatus is the capture outcome of one tracked item.
type ItemStatus string

const (
	ItemCaptured ItemStatus = "captured"
	ItemNotFound ItemStatus = "not_found"
	ItemFailed   ItemStatus = "failed"
	ItemSkipped  ItemStatus = "skipped"
)

// ItemRecord is the manifest entry for one tracked item.
type ItemRecord struct {
	Category Category   `json:"category"`
	Target   string     `json:"target"`
	Status   ItemStatus `json:"status"`
	// Path is relative to the checkpoint root when something was written.
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SystemFacts describes the host at capture time.
type SystemFacts struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Kernel    string `json:"kernel,omitempty"`
	GoVersion string `json:"go_version"`
	Tool      string `json:"tool_version"`
}

// Manifest describes one checkpoint. It is written before any capturer
// runs and rewritten once capture is complete.
type Manifest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Hostname  string            `json:"hostname"`
	Facts     SystemFacts       `json:"facts"`
	Captures  map[Category]bool `json:"captures"`
	Health    *HealthReport     `json:"pre_capture_health,omitempty"`
	Complete  bool              `json:"complete"`
	Items     []ItemRecord      `json:"items"`
	// DataBase is the checkpoint whose data subtree served as hard-link source.
	DataBase  string    `json:"data_base,omitempty"`
	DataStats LinkStats `json:"data_stats"`
}

// ItemsFor returns the manifest items of one category in capture order.
func (m *Manifest) ItemsFor(c Category) []ItemRecord {
	var out []ItemRecord
	for _, it := range m.Items {
		if it.Category == c {
			out = append(out, it)
		}
	}
	return out
}

// Form is how a checkpoint is stored.
type Form string

const (
	FormDirectory Form = "directory"
	FormArchive   Form = "archive"
)

// CheckpointInfo is one entry of the checkpoint listing.
type CheckpointInfo struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Form      Form      `json:"form" yaml:"form"`
	Encrypted bool      `json:"encrypted" yaml:"encrypted"`
	Size      int64     `json:"size" yaml:"size"`
	Path      string    `json:"path" yaml:"path"`
}
