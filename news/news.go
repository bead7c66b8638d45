// Package news answers whether new entries are allowed around scheduled
// economic events.
package news

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/logger"
)

// Block reasons.
const (
	ReasonWindow   = "NEWS_WINDOW"
	ReasonSafeMode = "SAFE_MODE"
)

// Gate is the single query the engine makes before placing an order.
type Gate interface {
	EntryAllowed(now time.Time) (bool, string)
}

// AllowAll never blocks.
type AllowAll struct{}

func (AllowAll) EntryAllowed(time.Time) (bool, string) { return true, "" }

// Source returns the event times (UTC) of one UTC calendar day.
type Source interface {
	EventsFor(ctx context.Context, day time.Time) ([]time.Time, error)
}

// Event is one calendar entry.
type Event struct {
	Time string `yaml:"time"`
	Name string `yaml:"name"`
}

// Calendar is the on-disk event list.
type Calendar struct {
	Events []Event `yaml:"events"`
}

// StaticSource serves a fixed, sorted list of events.
type StaticSource struct {
	events []time.Time
}

func NewStaticSource(events ...time.Time) *StaticSource {
	out := make([]time.Time, 0, len(events))
	for _, e := range events {
		out = append(out, e.UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return &StaticSource{events: out}
}

// LoadCalendar reads a YAML calendar file. Times are RFC3339.
func LoadCalendar(path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	var cal Calendar
	if err := yaml.Unmarshal(raw, &cal); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	events := make([]time.Time, 0, len(cal.Events))
	for i, e := range cal.Events {
		t, err := time.Parse(time.RFC3339, e.Time)
		if err != nil {
			return nil, fmt.Errorf("calendar event %d (%s): %w", i, e.Name, err)
		}
		events = append(events, t)
	}
	return NewStaticSource(events...), nil
}

// EventsFor returns the events of day, widened by one day on each side so
// windows that straddle midnight UTC still block.
func (s *StaticSource) EventsFor(_ context.Context, day time.Time) ([]time.Time, error) {
	from := utcDay(day).Add(-24 * time.Hour)
	to := from.Add(72 * time.Hour)
	var out []time.Time
	for _, e := range s.events {
		if !e.Before(from) && e.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DailyGate refreshes its event list once per UTC day. A failing source puts
// it in safe mode, blocking entries for the rest of that UTC day.
type DailyGate struct {
	src    Source
	before time.Duration
	after  time.Duration
	log    logger.Logger

	loadedDay  time.Time
	events     []time.Time
	safe       bool
	safeReason string
}

func NewDailyGate(src Source, before, after time.Duration, log logger.Logger) *DailyGate {
	if log == nil {
		log = logger.NewNop()
	}
	return &DailyGate{src: src, before: before, after: after, log: log}
}

// New builds the gate for cfg. A disabled section never blocks; an enabled
// section whose calendar cannot be read starts in safe mode.
func New(cfg config.NewsConfig, log logger.Logger) Gate {
	if !cfg.Enabled {
		return AllowAll{}
	}
	before := time.Duration(cfg.BeforeMinutes) * time.Minute
	after := time.Duration(cfg.AfterMinutes) * time.Minute
	var src Source
	if cfg.CalendarFile == "" {
		src = failingSource{errors.New("calendar file not configured")}
	} else if s, err := LoadCalendar(cfg.CalendarFile); err != nil {
		src = failingSource{err}
	} else {
		src = s
	}
	return NewDailyGate(src, before, after, log)
}

func (g *DailyGate) EntryAllowed(now time.Time) (bool, string) {
	g.refresh(now)
	if g.safe {
		return false, ReasonSafeMode + ":" + g.safeReason
	}
	for _, e := range g.events {
		if !now.Before(e.Add(-g.before)) && !now.After(e.Add(g.after)) {
			return false, ReasonWindow
		}
	}
	return true, ""
}

func (g *DailyGate) refresh(now time.Time) {
	day := utcDay(now)
	if day.Equal(g.loadedDay) {
		return
	}
	g.loadedDay = day

	// the lookup must not hang the bar loop
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := g.src.EventsFor(ctx, day)
	if err != nil {
		g.safe = true
		g.safeReason = err.Error()
		g.events = nil
		g.log.Warn("news_safe_mode",
			logger.String("day", day.Format(time.DateOnly)),
			logger.Err(err),
		)
		return
	}
	g.safe = false
	g.safeReason = ""
	g.events = events
	g.log.Info("news_source_loaded",
		logger.String("day", day.Format(time.DateOnly)),
		logger.Int("events", len(events)),
	)
}

type failingSource struct{ err error }

func (f failingSource) EventsFor(context.Context, time.Time) ([]time.Time, error) {
	return nil, f.err
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
