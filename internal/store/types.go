package store

import "time"

// Torrent status enum — the closed set named in §3, plus the
// synthetic symlink_broken state set only by the Correlator.
const (
	StatusMagnetError   = "magnet_error"
	StatusError         = "error"
	StatusVirus         = "virus"
	StatusDead          = "dead"
	StatusDownloading   = "downloading"
	StatusDownloaded    = "downloaded"
	StatusQueued        = "queued"
	StatusUploading     = "uploading"
	StatusCompressing   = "compressing"
	StatusSymlinkBroken = "symlink_broken"
)

// FailedSet is the set of statuses that make a torrent eligible for
// re-submission.
var FailedSet = map[string]bool{
	StatusMagnetError:   true,
	StatusError:         true,
	StatusVirus:         true,
	StatusDead:          true,
	StatusSymlinkBroken: true,
}

// MaxAttempts bounds how many times a torrent may be re-submitted
// before get_failed_torrents stops returning it.
const MaxAttempts = 10

// RetryHoldWindow is the default window during which a recently
// attempted torrent is excluded from get_failed_torrents.
const RetryHoldWindow = 3 * time.Hour

// Torrent is the catalog entity described in §3.
type Torrent struct {
	ID                  string
	Hash                string
	Filename            string
	Status              string
	Size                int64
	AddedDate           time.Time
	FirstSeen           time.Time
	LastSeen            time.Time
	AttemptsCount       int
	LastAttempt         *time.Time
	LastSuccess         *time.Time
	Priority            int
	NeedsSymlinkCleanup bool
	Metadata            map[string]interface{}
}

// Attempt is an append-only record of one re-submission attempt.
type Attempt struct {
	ID             int64
	TorrentID      string
	AttemptDate    time.Time
	Success        bool
	ErrorMessage   string
	ResponseTimeMs int64
	APIResponse    string
}

// ScanKind enumerates the three scan cadences the Scheduler drives.
type ScanKind string

const (
	ScanQuick    ScanKind = "quick"
	ScanFull     ScanKind = "full"
	ScanSymlinks ScanKind = "symlinks"
)

// ScanStatus enumerates ScanProgress.Status.
const (
	ScanStatusIdle      = "idle"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
)

// ScanProgress is the resumable cursor for one scan kind.
type ScanProgress struct {
	ScanType         ScanKind
	CurrentOffset    int
	TotalExpected    int
	LastScanStart    *time.Time
	LastScanComplete *time.Time
	Status           string
}

// PermanentFailure records a terminal (infringing_file) classification.
type PermanentFailure struct {
	ID           int64
	TorrentID    string
	Filename     string
	ErrorType    string
	ErrorMessage string
	FailureDate  time.Time
	Processed    bool
}

// RetryQueueEntry is a deferred re-submission, due when ScheduledRetry
// has passed and RetryCount has not reached MaxRetryCount.
type RetryQueueEntry struct {
	ID               int64
	TorrentID        string
	Filename         string
	ErrorType        string
	ErrorMessage     string
	OriginalFailure  time.Time
	ScheduledRetry   time.Time
	RetryCount       int
	LastRetryAttempt *time.Time
}

// MaxRetryCount bounds RetryQueueEntry.RetryCount.
const MaxRetryCount = 3

// SymlinkWalkState is the resumable cursor for the media-root symlink
// walk — distinct from ScanProgress (which tracks the torrent-catalog
// quick/full scan offset): this tracks *which top-level directory* the
// walker last checkpointed into, so a crash or restart mid-walk
// resumes from that directory instead of starting over at the first
// one, mirroring EnhancedSymlinkManager's SymlinkProcessingState.
type SymlinkWalkState struct {
	CurrentDirectory  string
	CurrentIndex      int
	TotalDirectories  int
	TotalSymlinksFound int
	TotalProcessed    int
	LastScanDate      *time.Time
	ScanInProgress    bool
}

// SymlinkHistoryEntry is one persisted record of an inspected symlink,
// kept for the /symlinks/broken endpoint's history view.
type SymlinkHistoryEntry struct {
	ID           int64
	SourcePath   string
	TargetPath   string
	TorrentName  string
	Status       string
	Size         int64
	ErrorMessage string
	ProcessedAt  time.Time
}
