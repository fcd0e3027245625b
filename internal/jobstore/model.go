// Package jobstore defines the Job data model, the persistence abstraction,
// and the Service that owns all Job mutations.  The default implementation
// is SQLite (see the sqlite subpackage); the interface keeps the door open
// for other single-node engines.
package jobstore

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/resline/dify-plugin-repackaging/internal/fault"
)

// ---- job status ----

// Status is the persisted lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is queued and no worker has claimed it.
	StatusPending Status = "pending"

	// StatusDownloading means the worker is fetching the source package.
	StatusDownloading Status = "downloading"

	// StatusProcessing covers extract, resolve, rewrite and repack.
	StatusProcessing Status = "processing"

	// Terminal states.  Absorbing: no transition leaves them.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransition implements the job state machine:
//
//	pending → downloading → processing → completed
//
// Any non-terminal state may move to failed or cancelled, and downloading /
// processing may be re-entered on retry.  Terminal states are absorbing.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusDownloading, StatusProcessing, StatusFailed, StatusCancelled:
		return true
	case StatusCompleted:
		return from == StatusProcessing
	case StatusPending:
		return from == StatusPending
	}
	return false
}

// ---- origins ----

// OriginKind tags the origin variant.
type OriginKind string

const (
	OriginURL         OriginKind = "url"
	OriginMarketplace OriginKind = "marketplace"
	OriginUpload      OriginKind = "upload"
)

// MarketplaceRef is the coordinate of a plugin on the Dify marketplace.
type MarketplaceRef struct {
	Author  string `json:"author"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Origin is the tagged variant describing where the input package comes
// from.  Exactly one of URL, Marketplace, UploadPath is set, per Kind.
type Origin struct {
	Kind        OriginKind      `json:"kind"`
	URL         string          `json:"url,omitempty"`
	Marketplace *MarketplaceRef `json:"marketplace,omitempty"`
	UploadPath  string          `json:"upload_path,omitempty"`

	// UploadName preserves the client's original filename so the output
	// stem can be derived from it.  Upload kind only.
	UploadName string `json:"upload_name,omitempty"`
}

var coordRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Validate checks the variant-specific constraints.
func (o Origin) Validate() error {
	switch o.Kind {
	case OriginURL:
		u, err := url.Parse(o.URL)
		if err != nil {
			return fault.Wrap(fault.InvalidArgument, err, "invalid url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fault.New(fault.InvalidArgument, "url scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fault.New(fault.InvalidArgument, "url has no host")
		}
	case OriginMarketplace:
		m := o.Marketplace
		if m == nil {
			return fault.New(fault.InvalidArgument, "marketplace coordinate missing")
		}
		for _, f := range []struct{ name, v string }{
			{"author", m.Author}, {"name", m.Name}, {"version", m.Version},
		} {
			if !coordRe.MatchString(f.v) {
				return fault.New(fault.InvalidArgument, "marketplace %s %q is invalid", f.name, f.v)
			}
		}
	case OriginUpload:
		if o.UploadPath == "" {
			return fault.New(fault.InvalidArgument, "upload has no staged file")
		}
		if !strings.HasSuffix(o.UploadPath, ".difypkg") {
			return fault.New(fault.InvalidArgument, "uploaded file must end with .difypkg")
		}
	default:
		return fault.New(fault.InvalidArgument, "unknown origin kind %q", o.Kind)
	}
	return nil
}

// SuffixRe constrains the output filename suffix at admission.
var SuffixRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// DefaultSuffix is appended to the output stem when the client omits one.
const DefaultSuffix = "offline"

// ---- plugin metadata and output ----

// PluginMeta is what the Extract stage learns from the package manifest.
type PluginMeta struct {
	Name        string `json:"name"`
	Author      string `json:"author"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// OutputDescriptor points at the retained output artifact.
type OutputDescriptor struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ---- job ----

// Job is the lifecycle record of a single repackaging request.
// Mutated only through Service.Update; never deleted — expired jobs become
// tombstones carrying only id and status.
type Job struct {
	ID       string `json:"task_id"`
	Origin   Origin `json:"origin"`
	Platform string `json:"platform,omitempty"`
	Suffix   string `json:"suffix"`

	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Meta   *PluginMeta       `json:"plugin,omitempty"`
	Output *OutputDescriptor `json:"output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Tombstone marks an expired record: all fields but ID and Status have
	// been cleared by the pruner.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Patch is an additive update: nil fields are preserved.
type Patch struct {
	Status    *Status
	Progress  *int
	Stage     *string
	Message   *string
	Error     *string
	ErrorCode *string
	Meta      *PluginMeta
	Output    *OutputDescriptor
}

// ---- events ----

// EventKind classifies a job event.
type EventKind string

const (
	// KindStatus is a progress tick.
	KindStatus EventKind = "status"

	// KindLog is a free-form line, usually subprocess output.
	KindLog EventKind = "log"

	// KindHeartbeat is generated per-subscription by the gateway; it is
	// never persisted or published on a topic.
	KindHeartbeat EventKind = "heartbeat"

	// KindTerminal is the final event on a topic.  Exactly one per job.
	KindTerminal EventKind = "terminal"
)

// Event is a single entry in a job's progress stream.  Seq is assigned by
// the store at append time and is gap-free per job, starting at 1.
type Event struct {
	JobID string    `json:"-"`
	Seq   int64     `json:"seq"`
	TS    time.Time `json:"ts"`
	Kind  EventKind `json:"kind"`

	Status    Status `json:"status,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Meta   *PluginMeta       `json:"plugin,omitempty"`
	Output *OutputDescriptor `json:"output,omitempty"`

	// Gap marks a synthetic event inserted where the bus dropped older
	// undelivered events for a slow subscription.
	Gap bool `json:"gap,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s#%d %s", e.JobID, e.Seq, e.Kind)
}
