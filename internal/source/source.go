// Package source implements the calendar side of calwatch: fetching ICS
// feeds for the configured accounts, expanding recurrences, and merging
// everything into one normalized event list for the decision cycle.
//
// A feed that fails to fetch or parse is skipped for that cycle; the
// remaining feeds still produce events. Only when every feed fails does
// Upcoming return an error.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"calwatch/internal/types"
)

// maxEventSpan bounds how far back the recurrence expansion window
// reaches, so events that started recently but are still ongoing get
// their overdue checkpoints evaluated.
const maxEventSpan = 24 * time.Hour

// Feed is one ICS subscription: a human-readable label (shown in
// notification messages) and the feed URL.
type Feed struct {
	Label string
	URL   string
}

// MultiFeedSource implements types.EventSource over a set of ICS feeds
// fetched concurrently.
type MultiFeedSource struct {
	feeds   []Feed
	fetcher *fetcher
	logger  types.Logger
}

var _ types.EventSource = (*MultiFeedSource)(nil)

// NewMultiFeedSource creates a source over the given feeds. fetchTimeout
// bounds each individual feed download.
func NewMultiFeedSource(feeds []Feed, fetchTimeout time.Duration, logger types.Logger) *MultiFeedSource {
	return &MultiFeedSource{
		feeds:   feeds,
		fetcher: newFetcher(fetchTimeout),
		logger:  logger,
	}
}

// Upcoming returns the merged, deduplicated events whose start time falls
// within [now - maxEventSpan, now + horizon]. The near-past portion keeps
// already-started events visible so missed checkpoints can be caught up.
func (s *MultiFeedSource) Upcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]types.Event, error) {
	rangeStart := now.Add(-maxEventSpan)
	rangeEnd := now.Add(horizon)

	var (
		mu     sync.Mutex
		merged []types.Event
		ok     int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, feed := range s.feeds {
		feed := feed
		g.Go(func() error {
			events, err := s.fetchFeed(gctx, feed, rangeStart, rangeEnd)
			if err != nil {
				s.logger.Warn("feed skipped for this cycle", "label", feed.Label, "error", err.Error())
				return nil
			}
			mu.Lock()
			merged = append(merged, events...)
			ok++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if ok == 0 && len(s.feeds) > 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "all calendar feeds failed", nil)
	}

	return normalize(merged, s.logger), nil
}

func (s *MultiFeedSource) fetchFeed(ctx context.Context, feed Feed, rangeStart, rangeEnd time.Time) ([]types.Event, error) {
	body, err := s.fetcher.fetch(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	parsed, err := parseCalendar(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar, "failed to parse feed", err)
	}
	return expandEvents(feed.Label, parsed, rangeStart, rangeEnd), nil
}

// normalize validates, deduplicates, and orders the merged event list.
// Duplicate keys keep the first occurrence; invalid events are dropped
// with a warning.
func normalize(events []types.Event, logger types.Logger) []types.Event {
	seen := make(map[types.EventKey]struct{}, len(events))
	out := make([]types.Event, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			logger.Warn("dropping invalid event", "error", err.Error())
			continue
		}
		key := ev.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
