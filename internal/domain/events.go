package domain

import "time"

// EventType identifies a kind of domain event. Values mirror the live
// push-channel frame types plus a few persistence-only events used to
// drive metrics.
type EventType string

const (
	ScanStart            EventType = "scan_start"
	ScanProgressEvent    EventType = "scan_progress"
	ScanComplete         EventType = "scan_complete"
	ScanError            EventType = "scan_error"
	ReinjectStart        EventType = "reinject_start"
	ReinjectComplete     EventType = "reinject_complete"
	ReinjectError        EventType = "reinject_error"
	SymlinkScanStart     EventType = "symlink_scan_start"
	SymlinkScanComplete  EventType = "symlink_scan_complete"
	SymlinkMatchStart    EventType = "symlink_match_start"
	SymlinkMatchComplete EventType = "symlink_match_complete"

	InfringingDetected EventType = "infringing_detected"
	RetryScheduled     EventType = "retry_scheduled"
	RetryExhausted     EventType = "retry_exhausted"
	CleanupCompleted   EventType = "cleanup_completed"
	AuthFailure        EventType = "auth_failure"
)

// Event is a single persisted, typed occurrence. EventData carries
// type-specific fields; accessor methods below handle the
// JSON-unmarshal float64-vs-int64 quirk for numeric fields read back
// from the store.
type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
	UserID        string                 `json:"user_id,omitempty"`
}

func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}

// ReinjectEventData carries the payload for reinject_start/complete/error
// live-channel frames.
type ReinjectEventData struct {
	TorrentID    string `json:"torrent_id"`
	Filename     string `json:"filename,omitempty"`
	Success      bool   `json:"success,omitempty"`
	ResponseTime int64  `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (e *Event) ParseReinjectEventData() ReinjectEventData {
	return ReinjectEventData{
		TorrentID:    e.GetStringOr("torrent_id", ""),
		Filename:     e.GetStringOr("filename", ""),
		Success:      e.GetBoolOr("success", false),
		ResponseTime: e.GetInt64Or("response_time", 0),
		Error:        e.GetStringOr("error", ""),
	}
}
