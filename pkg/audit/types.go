package audit

import (
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Actions recorded by the console
const (
	ActionFlagCreate = "feature_flag.create"
	ActionFlagUpdate = "feature_flag.update"
	ActionFlagToggle = "feature_flag.toggle"
	ActionFlagDelete = "feature_flag.delete"

	ActionUserChangeRole = "user.change_role"
	ActionUserSuspend    = "user.suspend"
	ActionUserReinstate  = "user.reinstate"
)

// Target types
const (
	TargetFeatureFlag = "feature_flag"
	TargetUser        = "user"
)

// Entry is one immutable audit log record. AdminEmail and AdminRole are a
// snapshot taken when the action happened.
type Entry struct {
	ID               string                 `json:"id"`
	AdminID          string                 `json:"admin_id"`
	AdminEmail       string                 `json:"admin_email"`
	AdminRole        rbac.Role              `json:"admin_role"`
	Action           string                 `json:"action"`
	TargetType       string                 `json:"target_type,omitempty"`
	TargetID         string                 `json:"target_id,omitempty"`
	TargetIdentifier string                 `json:"target_identifier,omitempty"`
	Metadata         map[string]interface{} `json:"metadata"`
	IPAddress        string                 `json:"ip_address,omitempty"`
	UserAgent        string                 `json:"user_agent,omitempty"`
	RequestID        string                 `json:"request_id,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ActionOptions describes the target of an action
type ActionOptions struct {
	TargetType       string
	TargetID         string
	TargetIdentifier string
	Metadata         map[string]interface{}
}

// RequestInfo is the network provenance of the current request
type RequestInfo struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id"`
}

// Pagination bounds
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Query filters and paginates audit log searches
type Query struct {
	Action     string
	AdminID    string
	TargetType string
	TargetID   string
	From       *time.Time
	To         *time.Time

	Page     int
	PageSize int
}

// Normalize clamps pagination to its bounds
func (q *Query) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
}

// Offset returns the row offset of the requested page
func (q *Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Page is one page of search results
type Page struct {
	Entries    []*Entry `json:"entries"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

func newPage(entries []*Entry, total int64, q Query) *Page {
	pages := int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{Entries: entries, Total: total, Page: q.Page, PageSize: q.PageSize, TotalPages: pages}
}

// distinctColumns maps filter names to the columns DistinctValues may read
var distinctColumns = map[string]string{
	"action":      "action",
	"admin_id":    "admin_id",
	"target_type": "target_type",
}
