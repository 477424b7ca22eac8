package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Writer persists entries. Implemented by Repository; stubbed in tests.
type Writer interface {
	Insert(ctx context.Context, entry Entry) (Entry, error)
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// RetryEnqueuer queues an entry for a later write attempt after a failed
// insert. Implemented by the jobs package on top of asynq.
type RetryEnqueuer interface {
	EnqueueAuditRetry(ctx context.Context, entry Entry) error
}

// Service coordinates audit writes and queries. Record is best-effort from
// the caller's point of view: a failed insert is queued for retry and counted,
// never propagated, so the authorization decision path cannot block on the
// trail.
type Service struct {
	writer  Writer
	retries RetryEnqueuer
	logger  *slog.Logger
	dropped prometheus.Counter
	now     func() time.Time
}

// NewService constructs an audit service. retries and dropped may be nil.
func NewService(writer Writer, retries RetryEnqueuer, logger *slog.Logger, dropped prometheus.Counter) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{writer: writer, retries: retries, logger: logger, dropped: dropped, now: time.Now}
}

// Record appends an entry, assigning its ID and timestamp. On write failure
// the entry goes to the retry queue and the failure is surfaced through the
// observability counter; the mutation that triggered it is still committed.
func (s *Service) Record(ctx context.Context, entry Entry) Entry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = s.now().UTC()
	}
	written, err := s.writer.Insert(ctx, entry)
	if err == nil {
		return written
	}
	s.logger.Error("audit write failed, queueing for retry",
		slog.String("action", entry.Action),
		slog.String("target", entry.TargetKind+"/"+entry.TargetID),
		slog.Any("error", err))
	if s.dropped != nil {
		s.dropped.Inc()
	}
	if s.retries != nil {
		if qerr := s.retries.EnqueueAuditRetry(ctx, entry); qerr != nil {
			s.logger.Error("audit retry enqueue failed", slog.Any("error", qerr))
		}
	}
	return entry
}

// Retry re-attempts a previously failed write. Called from the job worker;
// the returned error drives asynq's backoff.
func (s *Service) Retry(ctx context.Context, entry Entry) error {
	if _, err := s.writer.Insert(ctx, entry); err != nil {
		return fmt.Errorf("audit: retry insert: %w", err)
	}
	return nil
}

// Query returns entries matching the filter in sequence order.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.writer.Query(ctx, filter)
}
