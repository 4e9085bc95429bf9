// Package catalog resolves request ids to calendar sources.
//
// A Catalog is built once from the loaded configuration and never mutated,
// so it can be shared by concurrent requests without locking.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calfeed/internal/config"
	"calfeed/internal/model"
)

// ErrNotFound is returned when an id names neither a calendar nor a group.
var ErrNotFound = errors.New("calendar or group not found")

// ConfigError reports a target whose definition is incomplete or broken.
// It is never eligible for stale fallback.
type ConfigError struct {
	Target string
	Member string // set when the problem is in a group member
	Field  string // missing field, empty for unknown members
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("calendar %q from group %q not found", e.Member, e.Target)
	case e.Member != "":
		return fmt.Sprintf("missing required parameter %q for calendar %q in group %q", e.Field, e.Member, e.Target)
	default:
		return fmt.Sprintf("missing required parameter %q for %q", e.Field, e.Target)
	}
}

// Catalog holds calendar and group definitions keyed by id.
type Catalog struct {
	defaults  config.Entry
	calendars map[string]config.Entry
	groups    map[string]config.Group
	order     []string
}

// New builds a Catalog. The config is copied; later changes to cfg are not
// observed.
func New(cfg *config.Config) *Catalog {
	c := &Catalog{
		defaults:  cfg.Defaults,
		calendars: make(map[string]config.Entry, len(cfg.Calendars)),
		groups:    make(map[string]config.Group, len(cfg.Groups)),
	}
	for _, cal := range cfg.Calendars {
		c.calendars[cal.ID] = cal
		c.order = append(c.order, cal.ID)
	}
	for _, g := range cfg.Groups {
		g.Members = append([]string(nil), g.Members...)
		c.groups[g.ID] = g
		c.order = append(c.order, g.ID)
	}
	return c
}

// Targets lists every calendar id followed by every group id, in config order.
func (c *Catalog) Targets() []string {
	return append([]string(nil), c.order...)
}

// Merge overlays override onto base field by field. Non-empty override
// values win; the id always comes from override.
func Merge(base, override config.Entry) config.Entry {
	out := base
	out.ID = override.ID
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&out.CalDAVURL, override.CalDAVURL)
	pick(&out.CalDAVUsername, override.CalDAVUsername)
	pick(&out.CalDAVPassword, override.CalDAVPassword)
	pick(&out.CalendarURL, override.CalendarURL)
	pick(&out.Title, override.Title)
	pick(&out.Link, override.Link)
	pick(&out.Description, override.Description)
	pick(&out.Timezone, override.Timezone)
	if override.CacheTTLSeconds > 0 {
		out.CacheTTLSeconds = override.CacheTTLSeconds
	}
	return out
}

// Resolve maps a request id to its sources and feed metadata.
//
// Calendars are looked up first, then groups. Group members are resolved in
// declared order; an unknown member fails the whole request. A group's feed
// metadata comes from the catalog defaults overridden only by what the group
// itself declares, never from its members.
func (c *Catalog) Resolve(id string) (model.ResolvedTarget, error) {
	if cal, ok := c.calendars[id]; ok {
		src := toSource(Merge(c.defaults, cal))
		if err := validateSource(id, "", src); err != nil {
			return model.ResolvedTarget{}, err
		}
		rt := model.ResolvedTarget{
			ID:       id,
			Feed:     src.Feed,
			CacheTTL: src.CacheTTL,
			Sources:  []model.SourceSpec{src},
		}
		if err := validateFeed(id, rt); err != nil {
			return model.ResolvedTarget{}, err
		}
		return rt, nil
	}

	g, ok := c.groups[id]
	if !ok {
		return model.ResolvedTarget{}, ErrNotFound
	}

	sources := make([]model.SourceSpec, 0, len(g.Members))
	for _, memberID := range g.Members {
		cal, ok := c.calendars[memberID]
		if !ok {
			return model.ResolvedTarget{}, &ConfigError{Target: id, Member: memberID}
		}
		src := toSource(Merge(c.defaults, cal))
		if err := validateSource(id, memberID, src); err != nil {
			return model.ResolvedTarget{}, err
		}
		sources = append(sources, src)
	}

	meta := Merge(c.defaults, config.Entry{
		ID:              g.ID,
		Title:           g.Title,
		Link:            g.Link,
		Description:     g.Description,
		Timezone:        g.Timezone,
		CacheTTLSeconds: g.CacheTTLSeconds,
	})
	gs := &model.GroupSpec{
		ID:       g.ID,
		Members:  append([]string(nil), g.Members...),
		Feed:     feedMeta(meta),
		CacheTTL: ttl(meta),
	}
	rt := model.ResolvedTarget{
		ID:       id,
		Group:    gs,
		Feed:     gs.Feed,
		CacheTTL: gs.CacheTTL,
		Sources:  sources,
	}
	if err := validateFeed(id, rt); err != nil {
		return model.ResolvedTarget{}, err
	}
	return rt, nil
}

func toSource(e config.Entry) model.SourceSpec {
	return model.SourceSpec{
		ID: e.ID,
		Endpoint: model.Endpoint{
			CalDAVURL:   e.CalDAVURL,
			CalendarURL: e.CalendarURL,
		},
		Credentials: model.Credentials{
			Username: e.CalDAVUsername,
			Password: e.CalDAVPassword,
		},
		Feed:     feedMeta(e),
		CacheTTL: ttl(e),
	}
}

func feedMeta(e config.Entry) model.FeedMeta {
	return model.FeedMeta{
		Title:       e.Title,
		Link:        e.Link,
		Description: e.Description,
		Timezone:    e.Timezone,
	}
}

func ttl(e config.Entry) time.Duration {
	return time.Duration(e.CacheTTLSeconds) * time.Second
}

func validateSource(target, member string, s model.SourceSpec) error {
	required := []struct {
		name  string
		value string
	}{
		{"caldav_url", s.Endpoint.CalDAVURL},
		{"caldav_username", s.Credentials.Username},
		{"caldav_password", s.Credentials.Password},
		{"calendar_url", s.Endpoint.CalendarURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigError{Target: target, Member: member, Field: r.name}
		}
	}
	return nil
}

func validateFeed(target string, rt model.ResolvedTarget) error {
	required := []struct {
		name  string
		value string
	}{
		{"title", rt.Feed.Title},
		{"link", rt.Feed.Link},
		{"description", rt.Feed.Description},
		{"timezone", rt.Feed.Timezone},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigError{Target: target, Field: r.name}
		}
	}
	if rt.CacheTTL <= 0 {
		return &ConfigError{Target: target, Field: "cache_ttl_seconds"}
	}
	return nil
}
