package audit

import (
	"encoding/json"
	"time"
)

// TimelineFilters narrows the audit window for compliance queries.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one audit record as read back for reporting.
type TimelineRow struct {
	ID       int64
	At       time.Time
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Before   json.RawMessage
	After    json.RawMessage
}

// PagingInfo carries pagination metadata alongside a result page.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles one page of timeline rows with paging metadata.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}
