// Package notifications reports finished crawl batches to external channels
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxListedFailures caps the failures carried in a summary
const maxListedFailures = 10

// Failure is one failed URL in a batch
type Failure struct {
	URL     string `json:"url"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Summary describes a finished crawl batch
type Summary struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	CacheHits int           `json:"cache_hits"`
	Duration  time.Duration `json:"duration"`
	Failures  []Failure     `json:"failures,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Summarise builds a summary of results. Only the first few failures are listed.
func Summarise(title string, results []*crawler.CrawlResult, elapsed time.Duration) *Summary {
	s := &Summary{
		ID:        uuid.New().String(),
		Title:     title,
		Total:     len(results),
		Duration:  elapsed,
		CreatedAt: time.Now().UTC(),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.CacheStatus == crawler.CacheStatusHit {
			s.CacheHits++
		}
		if res.Success {
			s.Succeeded++
			continue
		}
		s.Failed++
		if len(s.Failures) < maxListedFailures {
			s.Failures = append(s.Failures, Failure{URL: res.URL, Kind: string(res.ErrorKind), Message: res.ErrorMessage})
		}
	}
	return s
}

// Message is the one-line text form of the summary
func (s *Summary) Message() string {
	return fmt.Sprintf("%d of %d pages crawled in %s (%d failed, %d from cache)",
		s.Succeeded, s.Total, formatDuration(s.Duration), s.Failed, s.CacheHits)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "N/A"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// DeliveryChannel sends a summary somewhere
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, s *Summary) error
}

// Service fans summaries out to its channels
type Service struct {
	channels []DeliveryChannel
}

// NewService creates a notification service
func NewService(channels ...DeliveryChannel) *Service {
	return &Service{channels: channels}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// Notify delivers the summary to every channel. A failing channel does not stop
// the others; all failures are returned together.
func (s *Service) Notify(ctx context.Context, summary *Summary) error {
	var errs []error
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, summary); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("notification_id", summary.ID).
				Msg("Failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		log.Info().
			Str("channel", ch.Name()).
			Str("notification_id", summary.ID).
			Msg("Notification delivered")
	}
	return errors.Join(errs...)
}
