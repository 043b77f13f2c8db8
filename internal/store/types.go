package store

// Page is a monitored URL with its scheduling and lease state.
type Page struct {
	ID             int64  `json:"id"`
	URL            string `json:"url"`
	Hash           string `json:"hash"`
	Domain         string `json:"domain"`
	Status         string `json:"status"`
	LastCleanHash  string `json:"last_clean_hash"`
	LastCheckAt    *int64 `json:"last_check_at,omitempty"`
	NextScheduleAt int64  `json:"next_schedule_at"`
	HeartbeatAt    *int64 `json:"heartbeat_at,omitempty"`
	HeartbeatOwner string `json:"heartbeat_owner,omitempty"`
	CheckInterval  int64  `json:"check_interval"` // ms
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Snapshot is one persisted capture of a page, written only when the
// clean hash differs from the previous capture.
type Snapshot struct {
	ID                int64  `json:"id"`
	PageID            int64  `json:"page_id"`
	SnapshotTimestamp int64  `json:"snapshot_timestamp"`
	OSSPath           string `json:"oss_path"`
	ContentHash       string `json:"content_hash"`
	CleanHash         string `json:"clean_hash"`
	CreatedAt         int64  `json:"created_at"`
}

// Monitor is one check attempt record, written on every graceful
// attempt whether or not the page changed.
type Monitor struct {
	ID               int64  `json:"id"`
	PageID           int64  `json:"page_id"`
	MonitorTimestamp int64  `json:"monitor_timestamp"`
	ContentHash      string `json:"content_hash"`
	CleanHash        string `json:"clean_hash"`
	ChangeDetected   bool   `json:"change_detected"`
	HTTPStatus       *int   `json:"http_status,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// Info holds structured data extracted from one snapshot by one
// extractor version.
type Info struct {
	ID               int64  `json:"id"`
	SnapshotID       int64  `json:"snapshot_id"`
	ExtractorVersion string `json:"extractor_version"`
	Data             string `json:"data"` // JSON
	CreatedAt        int64  `json:"created_at"`
}

// Stats holds aggregate counters for the admin API.
type Stats struct {
	PagesByStatus map[string]int `json:"pages_by_status"`
	Snapshots     int            `json:"snapshots"`
	Monitors      int            `json:"monitors"`
	Infos         int            `json:"infos"`
}
