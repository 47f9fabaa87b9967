package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known tag suffixes used by Google-Reader-compatible services.
const (
	RootTagSuffix    = "state/com.google/root"
	ReadTagSuffix    = "state/com.google/read"
	StarredTagSuffix = "state/com.google/starred"
)

// ContainerKind discriminates the two concrete container variants.
type ContainerKind string

const (
	KindFolder       ContainerKind = "folder"
	KindSubscription ContainerKind = "subscription"
)

// KindForStreamID infers the container kind from the stream identifier.
// Feed streams are subscriptions, everything else (user labels, states) is a folder.
func KindForStreamID(streamID string) ContainerKind {
	if strings.HasPrefix(streamID, "feed/") {
		return KindSubscription
	}
	return KindFolder
}

// Container holds the attributes shared by folders and subscriptions.
// StreamID is the only stable join key across sync runs; all upserts key on it.
type Container struct {
	StreamID       string    `json:"stream_id"`
	UnreadCount    int64     `json:"unread_count"`
	NewestItemDate time.Time `json:"newest_item_date"`
	SortID         int32     `json:"sort_id"`
}

// Folder is a hierarchy node that doubles as a tag (read, starred, user labels).
// ChildStreamIDs carries the server-side subscription ordering.
type Folder struct {
	Container
	ChildStreamIDs []string `json:"child_stream_ids,omitempty"`
}

// HasTagSuffix reports whether the folder represents the given well-known tag.
func (f *Folder) HasTagSuffix(suffix string) bool {
	return strings.HasSuffix(f.StreamID, suffix)
}

// Tag returns the canonical tag form of the folder's stream ID, with the
// user ID segment replaced by "-" (e.g. "user/-/state/com.google/read").
func (f *Folder) Tag() string {
	parts := strings.SplitN(f.StreamID, "/", 3)
	if len(parts) == 3 && parts[0] == "user" {
		return "user/-/" + parts[2]
	}
	return f.StreamID
}

// Subscription is a leaf feed.
type Subscription struct {
	Container
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	HTMLURL     string   `json:"html_url"`
	IconURL     string   `json:"icon_url"`
	CategoryIDs []string `json:"category_ids,omitempty"`
}

// Link is one alternate location of an item.
type Link struct {
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Item is a single feed entry. LoadDate marks the load session that merged it
// last and is not an update date. CategoryIDs is the category list from the
// most recent import, kept so the next import can diff memberships instead of
// rebuilding them.
type Item struct {
	ID             string     `json:"id"`
	Date           time.Time  `json:"date"`
	UpdatedDate    *time.Time `json:"updated_date,omitempty"`
	LoadDate       time.Time  `json:"load_date"`
	Title          string     `json:"title"`
	Author         string     `json:"author"`
	Summary        string     `json:"summary"`
	Language       string     `json:"language,omitempty"`
	Canonical      []Link     `json:"canonical,omitempty"`
	SubscriptionID string     `json:"subscription_id"`
	CategoryIDs    []string   `json:"category_ids,omitempty"`
}

// ShortID returns the short item identifier used by the edit-tag endpoint,
// the tail of IDs like "tag:google.com,2005:reader/item/00000000f8dacc8a".
func (i *Item) ShortID() string {
	if idx := strings.LastIndex(i.ID, "/"); idx != -1 {
		return i.ID[idx+1:]
	}
	return i.ID
}

// SectionName groups items for list display relative to now.
func (i *Item) SectionName(now time.Time) string {
	y1, m1, d1 := now.Date()
	y2, m2, d2 := i.Date.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Today"
	}
	return i.Date.Format("2006-01-02")
}

// CategoryAssignment joins an item to a folder it is a member of. Rows exist
// only while the membership holds; the item import diff creates and deletes
// them, nothing mutates them in place.
type CategoryAssignment struct {
	ItemID   string `json:"item_id"`
	FolderID string `json:"folder_id"`
}

// ErrViewStateInvalid is returned by the store when a view state carries
// neither a load date nor a load error.
var ErrViewStateInvalid = errors.New("container view state has neither load date nor load error")

// ContainerViewState is the persisted pagination cursor for one
// (container, unread-only predicate) pair. An empty Continuation means either
// "at start" or "finished with no more pages", disambiguated by LoadCompleted.
type ContainerViewState struct {
	ContainerID   string     `json:"container_id"`
	UnreadOnly    bool       `json:"unread_only"`
	Continuation  string     `json:"continuation,omitempty"`
	LoadDate      *time.Time `json:"load_date,omitempty"`
	LoadCompleted bool       `json:"load_completed"`
	LoadError     string     `json:"load_error,omitempty"`
}

// Validate enforces that at least one of LoadDate and LoadError is set.
func (s *ContainerViewState) Validate() error {
	if s.LoadDate == nil && s.LoadError == "" {
		return ErrViewStateInvalid
	}
	return nil
}

// PendingTagItem is one locally queued, not yet server-confirmed tag edit:
// item to be included in (Excluded false) or excluded from (Excluded true)
// the folder's tag.
type PendingTagItem struct {
	FolderID string `json:"folder_id"`
	ItemID   string `json:"item_id"`
	Excluded bool   `json:"excluded"`
}

// ItemsQuery narrows an item listing. Filter holds an OData-style filter
// expression, Search is free-text terms with OR logic.
type ItemsQuery struct {
	Filter     string   `json:"filter"`
	OrderBy    string   `json:"orderby"`
	Search     []string `json:"search"`
	Language   string   `json:"language"`
	UnreadOnly bool     `json:"unread_only"`
	Top        int      `json:"top"`
	Skip       int      `json:"skip"`
}

// TimeFromUsec parses a microsecond timestamp string as used by the
// unread-count and stream-contents payloads.
func TimeFromUsec(s string) (time.Time, error) {
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid usec timestamp %q: %w", s, err)
	}
	return time.UnixMicro(usec), nil
}

// TimestampUsec formats a time the way the mark-all-as-read endpoint expects.
func TimestampUsec(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}
