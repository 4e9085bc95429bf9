package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Defaults: config.Entry{
			CalDAVURL:       "https://dav.example.com/remote.php/dav",
			Title:           "Calendar Events",
			Link:            "https://example.com",
			Description:     "Calendar Feed",
			Timezone:        "Europe/Berlin",
			CacheTTLSeconds: 300,
		},
		Calendars: []config.Entry{
			{
				ID:              "a",
				CalDAVUsername:  "ua",
				CalDAVPassword:  "pa",
				CalendarURL:     "https://dav.example.com/cal/a/",
				Title:           "A events",
				CacheTTLSeconds: 60,
			},
			{
				ID:             "b",
				CalDAVURL:      "https://other.example.com/dav",
				CalDAVUsername: "ub",
				CalDAVPassword: "pb",
				CalendarURL:    "https://other.example.com/cal/b/",
			},
			{
				ID:             "nopass",
				CalDAVUsername: "u",
				CalendarURL:    "https://dav.example.com/cal/x/",
			},
		},
		Groups: []config.Group{
			{Entry: config.Entry{ID: "ab", Title: "A and B"}, Members: []string{"a", "b"}},
			{Entry: config.Entry{ID: "ba"}, Members: []string{"b", "a"}},
			{Entry: config.Entry{ID: "ghost"}, Members: []string{"a", "missing"}},
			{Entry: config.Entry{ID: "broken"}, Members: []string{"a", "nopass"}},
			{Entry: config.Entry{ID: "slow", CacheTTLSeconds: 900}, Members: []string{"b"}},
		},
	}
	return cfg
}

func TestResolveCalendarMergesDefaults(t *testing.T) {
	c := New(testConfig())

	rt, err := c.Resolve("a")
	require.NoError(t, err)
	assert.Nil(t, rt.Group)
	require.Len(t, rt.Sources, 1)

	src := rt.Sources[0]
	assert.Equal(t, "a", src.ID)
	assert.Equal(t, "https://dav.example.com/remote.php/dav", src.Endpoint.CalDAVURL)
	assert.Equal(t, "ua", src.Credentials.Username)
	assert.Equal(t, "A events", rt.Feed.Title)
	assert.Equal(t, "Calendar Feed", rt.Feed.Description)
	assert.Equal(t, 60*time.Second, rt.CacheTTL)
}

func TestResolveGroupKeepsMemberOrderAndOwnMetadata(t *testing.T) {
	c := New(testConfig())

	rt, err := c.Resolve("ab")
	require.NoError(t, err)
	require.NotNil(t, rt.Group)
	assert.Equal(t, "ab", rt.Group.ID)
	assert.Equal(t, []string{"a", "b"}, rt.Group.Members)
	assert.Equal(t, rt.Feed, rt.Group.Feed)
	assert.Equal(t, rt.CacheTTL, rt.Group.CacheTTL)
	require.Len(t, rt.Sources, 2)
	assert.Equal(t, "a", rt.Sources[0].ID)
	assert.Equal(t, "b", rt.Sources[1].ID)
	assert.Equal(t, "https://other.example.com/dav", rt.Sources[1].Endpoint.CalDAVURL)

	// Group title is its own; everything else comes from defaults, not from member "a".
	assert.Equal(t, "A and B", rt.Feed.Title)
	assert.Equal(t, "Calendar Feed", rt.Feed.Description)
	assert.Equal(t, 300*time.Second, rt.CacheTTL)

	rt, err = c.Resolve("ba")
	require.NoError(t, err)
	assert.Equal(t, "b", rt.Sources[0].ID)
	assert.Equal(t, "a", rt.Sources[1].ID)
	assert.Equal(t, "Calendar Events", rt.Feed.Title)

	rt, err = c.Resolve("slow")
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, rt.CacheTTL)
}

func TestResolveErrors(t *testing.T) {
	c := New(testConfig())

	_, err := c.Resolve("nothing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Resolve("ghost")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "missing", cerr.Member)
	assert.Contains(t, err.Error(), `"missing"`)
	assert.Contains(t, err.Error(), `"ghost"`)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = c.Resolve("nopass")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "caldav_password", cerr.Field)

	_, err = c.Resolve("broken")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "nopass", cerr.Member)
	assert.Equal(t, "caldav_password", cerr.Field)
}

func TestResolveMissingFeedField(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults.Timezone = ""
	c := New(cfg)

	_, err := c.Resolve("a")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "timezone", cerr.Field)
}

func TestCatalogIsIsolatedFromConfig(t *testing.T) {
	cfg := testConfig()
	c := New(cfg)
	cfg.Groups[0].Members[0] = "b"
	cfg.Calendars[0].Title = "changed"

	rt, err := c.Resolve("ab")
	require.NoError(t, err)
	assert.Equal(t, "a", rt.Sources[0].ID)
	assert.Equal(t, "A events", rt.Sources[0].Feed.Title)
}

func TestMerge(t *testing.T) {
	base := config.Entry{ID: "defaults", Title: "T", Link: "L", CacheTTLSeconds: 10}
	out := Merge(base, config.Entry{ID: "x", Link: "  ", Description: "D"})

	assert.Equal(t, "x", out.ID)
	assert.Equal(t, "T", out.Title)
	assert.Equal(t, "L", out.Link)
	assert.Equal(t, "D", out.Description)
	assert.Equal(t, 10, out.CacheTTLSeconds)
}

func TestTargets(t *testing.T) {
	c := New(testConfig())
	assert.Equal(t, []string{"a", "b", "nopass", "ab", "ba", "ghost", "broken", "slow"}, c.Targets())
}
