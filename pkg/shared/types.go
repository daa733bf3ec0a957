package shared

import "time"

const (
	TaskTypeSyncConnection    = "sync_connection"
	TaskTypeSyncBulk          = "sync_bulk"
	TaskTypeSyncBulkScheduled = "sync_bulk_scheduled"
)

type Protocol string

const (
	ProtocolSSH   Protocol = "ssh"
	ProtocolSFTP  Protocol = "sftp"
	ProtocolFTP   Protocol = "ftp"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolRsync Protocol = "rsync"
	ProtocolS3    Protocol = "s3"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolSSH, ProtocolSFTP, ProtocolFTP, ProtocolHTTP, ProtocolHTTPS, ProtocolRsync, ProtocolS3:
		return true
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionActive   ConnectionStatus = "active"
	ConnectionError    ConnectionStatus = "error"
)

// Connection describes one reachable remote host. Secrets are never stored
// on this struct; they live in the credentials table as ciphertext.
type Connection struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Protocol       Protocol         `json:"protocol"`
	Host           string           `json:"host"`
	Port           int              `json:"port"`
	Username       string           `json:"username,omitempty"`
	BasePath       string           `json:"base_path"`
	Status         ConnectionStatus `json:"status"`
	LastTested     *time.Time       `json:"last_tested,omitempty"`
	LastTestResult string           `json:"last_test_result,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Credential holds decrypted secrets for the duration of one operation.
type Credential struct {
	Password   string
	PrivateKey string
}

// ConnectionConfig is the raw registration payload for a connection,
// including plaintext secrets that get encrypted before persistence.
type ConnectionConfig struct {
	Name       string   `json:"name" validate:"required"`
	Protocol   Protocol `json:"protocol" validate:"required"`
	Host       string   `json:"host" validate:"required"`
	Port       int      `json:"port" validate:"min=0,max=65535"`
	Username   string   `json:"username"`
	BasePath   string   `json:"base_path"`
	Password   string   `json:"password,omitempty"`
	PrivateKey string   `json:"private_key,omitempty"`
}

type ResourceKind string

const (
	ResourceFile ResourceKind = "file"
	ResourceDir  ResourceKind = "dir"
)

// RemoteResource is file or directory metadata produced by a listing. It is
// a snapshot, not authoritative; the remote system is the source of truth.
type RemoteResource struct {
	Path     string       `json:"path"`
	Name     string       `json:"name"`
	Size     int64        `json:"size"`
	Modified time.Time    `json:"modified"`
	Kind     ResourceKind `json:"kind"`
}

type JobType string

const (
	JobTypeBulk       JobType = "bulk"
	JobTypeConnection JobType = "single-connection"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type SyncJob struct {
	ID             string     `json:"id"`
	JobType        JobType    `json:"job_type"`
	ConnectionID   string     `json:"connection_id,omitempty"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	TotalFiles     int        `json:"total_files"`
	ProcessedFiles int        `json:"processed_files"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type HistoryStatus string

const (
	HistoryRunning   HistoryStatus = "running"
	HistorySuccess   HistoryStatus = "success"
	HistoryFailed    HistoryStatus = "failed"
	HistoryCancelled HistoryStatus = "cancelled"
)

// SyncHistory is one append-only row per sync execution on one connection.
// Never mutated after CompletedAt is set.
type SyncHistory struct {
	ID             string        `json:"id"`
	JobID          string        `json:"job_id"`
	ConnectionID   string        `json:"connection_id"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Status         HistoryStatus `json:"status"`
	FilesProcessed int           `json:"files_processed"`
	FilesIndexed   int           `json:"files_indexed"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

type FileStatus string

const (
	FileSynced FileStatus = "synced"
	FileFailed FileStatus = "failed"
)

// FileSyncState is the last-known sync outcome for one file on one
// connection, upserted after each batch.
type FileSyncState struct {
	ConnectionID string     `json:"connection_id"`
	FilePath     string     `json:"file_path"`
	Status       FileStatus `json:"status"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	LastSynced   time.Time  `json:"last_synced"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type SyncConnectionPayload struct {
	JobID        string `json:"job_id"`
	ConnectionID string `json:"connection_id"`
}

type SyncBulkPayload struct {
	JobID string `json:"job_id"`
}

// ConnectionOutcome is the tagged result of syncing one connection inside a
// bulk job.
type ConnectionOutcome struct {
	ConnectionID   string `json:"connection_id"`
	Skipped        bool   `json:"skipped,omitempty"`
	FilesProcessed int    `json:"files_processed"`
	FilesIndexed   int    `json:"files_indexed"`
	Error          string `json:"error,omitempty"`
}
