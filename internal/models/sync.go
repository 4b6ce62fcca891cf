package models

import "time"

// SyncState is the bookkeeping that makes a folder's sync incremental and resumable.
// LastSeenUID only moves forward within one UIDValidity.
type SyncState struct {
	AccountID    string    `json:"account_id"`
	Folder       string    `json:"folder"`
	UIDValidity  uint32    `json:"uid_validity"`
	LastSeenUID  uint32    `json:"last_seen_uid"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// SyncResult is the outcome of one (account, folder) sync attempt. Not persisted.
type SyncResult struct {
	AccountID   string `json:"account_id"`
	Folder      string `json:"folder"`
	NewEmails   int    `json:"new_emails"`
	TotalEmails int    `json:"total_emails"`
	Skipped     int    `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// OK reports whether the sync finished without an error.
func (r SyncResult) OK() bool {
	return r.Error == ""
}

// SyncStatus is the phase a SyncProgress event reports.
type SyncStatus string

const (
	SyncConnecting SyncStatus = "connecting"
	SyncSyncing    SyncStatus = "syncing"
	SyncCompleted  SyncStatus = "completed"
	SyncError      SyncStatus = "error"
)

// SyncProgress is emitted during a sync for live-progress consumers.
type SyncProgress struct {
	AccountID   string     `json:"account_id"`
	Folder      string     `json:"folder"`
	Status      SyncStatus `json:"status"`
	Message     string     `json:"message"`
	NewEmails   *int       `json:"new_emails,omitempty"`
	TotalEmails *int       `json:"total_emails,omitempty"`
}

// SyncRequest selects the folders a manual sync covers. No folders means INBOX.
type SyncRequest struct {
	Folders []string `json:"folders"`
}

// SyncResponse carries the per-folder results of a manual sync.
type SyncResponse struct {
	Results   []SyncResult `json:"results"`
	NewEmails int          `json:"new_emails"`
	Failed    int          `json:"failed"`
}

// NewSyncResponse totals the results.
func NewSyncResponse(results []SyncResult) SyncResponse {
	response := SyncResponse{Results: results}
	if response.Results == nil {
		response.Results = []SyncResult{}
	}
	for _, r := range results {
		response.NewEmails += r.NewEmails
		if !r.OK() {
			response.Failed++
		}
	}
	return response
}

// SyncStateResponse reports how far a folder has been synced.
type SyncStateResponse struct {
	AccountID    string     `json:"account_id"`
	Folder       string     `json:"folder"`
	Synced       bool       `json:"synced"`
	UIDValidity  uint32     `json:"uid_validity,omitempty"`
	LastSeenUID  uint32     `json:"last_seen_uid,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	TotalEmails  int        `json:"total_emails"`
}
