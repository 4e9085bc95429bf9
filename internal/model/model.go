package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadRequest marks malformed or out-of-range request input.
var ErrBadRequest = errors.New("bad request")

// FeedRequest is one incoming call: a target id and a window in hours
// starting now.
type FeedRequest struct {
	Target string
	Hours  int
}

// Validate checks the request against the configured window ceiling.
// The ceiling itself is allowed.
func (r FeedRequest) Validate(maxHours int) error {
	if r.Target == "" {
		return fmt.Errorf("%w: missing calendar", ErrBadRequest)
	}
	if r.Hours < 1 || r.Hours > maxHours {
		return fmt.Errorf("%w: hours must be between 1 and %d", ErrBadRequest, maxHours)
	}
	return nil
}

// Endpoint locates one calendar on a CalDAV server.
type Endpoint struct {
	CalDAVURL   string
	CalendarURL string
}

// Credentials authenticate against the CalDAV server.
type Credentials struct {
	Username string
	Password string
}

// FeedMeta is the channel metadata handed to the formatter.
type FeedMeta struct {
	Title       string
	Link        string
	Description string
	Timezone    string
}

// SourceSpec is a fully merged calendar entry (defaults + overrides).
type SourceSpec struct {
	ID          string
	Endpoint    Endpoint
	Credentials Credentials
	Feed        FeedMeta
	CacheTTL    time.Duration
}

// GroupSpec is a named, ordered list of calendar ids rendered as one feed.
type GroupSpec struct {
	ID       string
	Members  []string
	Feed     FeedMeta
	CacheTTL time.Duration
}

// ResolvedTarget is what a request id resolves to. For a direct calendar
// request Group is nil, Sources has exactly one element and Feed/CacheTTL
// come from it. For a group, Feed/CacheTTL come from the group (or catalog
// defaults) and Sources lists the members in declared order.
type ResolvedTarget struct {
	ID       string
	Group    *GroupSpec
	Feed     FeedMeta
	CacheTTL time.Duration
	Sources  []SourceSpec
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	// SourceID is the calendar id the occurrence came from, when known.
	SourceID string

	UID string

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the requested display timezone.
	Start time.Time
	End   time.Time
}
