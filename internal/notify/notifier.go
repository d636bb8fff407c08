package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"powerwatch"
	"powerwatch/internal/check"
	"powerwatch/internal/metrics"
	"powerwatch/internal/queue"
	"powerwatch/internal/store"
)

// Store is the slice of the persistence layer the notifier needs.
type Store interface {
	ClaimJob(ctx context.Context, now time.Time) (*store.Job, error)
	FinishJob(ctx context.Context, id int64, status, errMsg string, now time.Time) error
	HeartbeatJob(ctx context.Context, id int64, current, total int, now time.Time) error
	LightSubscribers(ctx context.Context, key powerwatch.SectionKey) ([]powerwatch.Subscriber, error)
	ActiveSubscribers(ctx context.Context) ([]powerwatch.Subscriber, error)
	DeactivateSubscriber(ctx context.Context, chatID int64) error
	LightNotificationsEnabled(ctx context.Context) (bool, error)
	BuildingByID(ctx context.Context, id int) (powerwatch.Building, bool, error)
}

// Config tunes delivery.
type Config struct {
	RatePerSec       float64
	Concurrency      int
	MaxRetries       int
	AdminIDs         []int64
	ElectricianPhone string
	// Location resolves subscriber quiet hours to a wall clock.
	Location     *time.Location
	PollInterval time.Duration
	// SendTimeout bounds a single messenger call. Default 10s.
	SendTimeout time.Duration
}

// dedupeWindow suppresses repeated {chat, event} deliveries, covering a job
// that is reclaimed and re-run right after a partial fan-out.
const dedupeWindow = 10 * time.Second

// Notifier claims notification jobs and fans them out through the messenger.
// Several replicas may run; the claim is atomic, so each job runs once at a
// time.
type Notifier struct {
	store     Store
	clock     powerwatch.Clock
	messenger Messenger
	cfg       Config
	admins    map[int64]bool
	limiter   *rate.Limiter
	id        string

	mu     sync.Mutex
	recent map[dedupeKey]time.Time
}

type dedupeKey struct {
	chatID  int64
	eventID int64
}

func New(s Store, clock powerwatch.Clock, messenger Messenger, cfg Config) *Notifier {
	check.Assert(messenger != nil, "notify.New: messenger must not be nil")
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Notifier{
		store:     s,
		clock:     clock,
		messenger: messenger,
		cfg:       cfg,
		admins:    admins,
		// Burst 1: a full bucket would let a fan-out start with RatePerSec
		// instant sends and exceed the per-second cap within one window.
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		id:        uuid.NewString(),
		recent:    make(map[dedupeKey]time.Time),
	}
}

// Run claims and processes jobs until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	log := slog.With("component", "notifier", "worker_id", n.id)
	for {
		processed, err := n.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("job processing failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.PollInterval):
		}
	}
}

// ProcessOne claims at most one job and runs it to a terminal status.
// Returns false when the queue was empty.
func (n *Notifier) ProcessOne(ctx context.Context) (bool, error) {
	job, err := n.store.ClaimJob(ctx, n.clock.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jobErr := n.process(ctx, job)
	status, msg := store.JobDone, ""
	if jobErr != nil {
		status, msg = store.JobFailed, jobErr.Error()
	}
	if err := n.store.FinishJob(ctx, job.ID, status, msg, n.clock.Now()); err != nil {
		return true, fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.Kind, status).Inc()
	return true, jobErr
}

func (n *Notifier) process(ctx context.Context, job *store.Job) error {
	switch job.Kind {
	case queue.KindLightNotify:
		return n.processLightNotify(ctx, job)
	case queue.KindBroadcast:
		return n.processBroadcast(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (n *Notifier) processLightNotify(ctx context.Context, job *store.Job) error {
	p, err := queue.DecodeLightNotify(job.Payload)
	if err != nil {
		return err
	}
	key := powerwatch.SectionKey{BuildingID: p.BuildingID, SectionID: p.SectionID}

	building, ok, err := n.store.BuildingByID(ctx, p.BuildingID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown building %d", p.BuildingID)
	}
	enabled, err := n.store.LightNotificationsEnabled(ctx)
	if err != nil {
		return err
	}
	subs, err := n.store.LightSubscribers(ctx, key)
	if err != nil {
		return err
	}

	var sinceChange time.Duration
	if !p.PrevChange.IsZero() {
		sinceChange = p.Timestamp.Sub(p.PrevChange)
	}
	var text string
	if p.EventType == string(powerwatch.EventUp) {
		text = upText(building, p.SectionID, sinceChange)
	} else {
		text = downText(building, p.SectionID, sinceChange, n.cfg.ElectricianPhone)
	}

	hour := n.clock.Now().In(n.cfg.Location).Hour()
	var recipients []int64
	for _, sub := range subs {
		admin := n.admins[sub.ChatID]
		if !enabled && !admin {
			continue
		}
		if sub.InQuietHours(hour) && !admin {
			continue
		}
		if n.suppressed(sub.ChatID, p.EventID) {
			continue
		}
		recipients = append(recipients, sub.ChatID)
	}
	return n.fanOut(ctx, job.ID, recipients, text)
}

func (n *Notifier) processBroadcast(ctx context.Context, job *store.Job) error {
	p, err := queue.DecodeBroadcast(job.Payload)
	if err != nil {
		return err
	}
	subs, err := n.store.ActiveSubscribers(ctx)
	if err != nil {
		return err
	}
	recipients := make([]int64, 0, len(subs))
	for _, sub := range subs {
		recipients = append(recipients, sub.ChatID)
	}
	return n.fanOut(ctx, job.ID, recipients, p.Prefix+p.Text)
}

// suppressed records the {chat, event} pair and reports whether it was
// already sent within the dedupe window.
func (n *Notifier) suppressed(chatID, eventID int64) bool {
	now := n.clock.Now()
	key := dedupeKey{chatID: chatID, eventID: eventID}

	n.mu.Lock()
	defer n.mu.Unlock()
	for k, t := range n.recent {
		if now.Sub(t) >= dedupeWindow {
			delete(n.recent, k)
		}
	}
	if t, ok := n.recent[key]; ok && now.Sub(t) < dedupeWindow {
		return true
	}
	n.recent[key] = now
	return false
}

// fanOut delivers text to every recipient through the worker pool, obeying
// the global rate limit and writing progress to the job at least every 50
// messages or 2 seconds. Per-recipient failures do not stop the fan-out.
func (n *Notifier) fanOut(ctx context.Context, jobID int64, recipients []int64, text string) error {
	total := len(recipients)
	if total == 0 {
		return n.store.HeartbeatJob(ctx, jobID, 0, 0, n.clock.Now())
	}

	var (
		mu        sync.Mutex
		done      int
		lastFlush = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Concurrency)
	for _, chatID := range recipients {
		g.Go(func() error {
			if err := n.limiter.Wait(gctx); err != nil {
				return err
			}
			n.deliver(gctx, chatID, text)

			mu.Lock()
			done++
			current := done
			flush := current == total || current%50 == 0 || time.Since(lastFlush) >= 2*time.Second
			if flush {
				lastFlush = time.Now()
			}
			mu.Unlock()
			if flush {
				if err := n.store.HeartbeatJob(gctx, jobID, current, total, n.clock.Now()); err != nil {
					slog.Warn("progress write failed", "job_id", jobID, "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// deliver sends to one chat with retries on transient failures. A permanent
// failure deactivates the subscriber in its own transaction.
func (n *Notifier) deliver(ctx context.Context, chatID int64, text string) {
	var err error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100*time.Millisecond + rand.N(200*time.Millisecond)):
			}
		}
		err = n.send(ctx, chatID, text)
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues("sent").Inc()
			return
		}
		if IsPermanent(err) {
			metrics.NotificationsTotal.WithLabelValues("deactivated").Inc()
			slog.Warn("subscriber unreachable, deactivating", "chat_id", chatID, "error", err)
			if derr := n.store.DeactivateSubscriber(ctx, chatID); derr != nil {
				slog.Error("deactivate subscriber failed", "chat_id", chatID, "error", derr)
			}
			return
		}
		metrics.NotificationsTotal.WithLabelValues("retried").Inc()
	}
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	slog.Warn("delivery failed after retries", "chat_id", chatID, "error", err)
}

// send bounds one messenger call so a hung transport cannot stall the
// fan-out pool past the send budget.
func (n *Notifier) send(ctx context.Context, chatID int64, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()
	return n.messenger.SendText(sendCtx, chatID, text)
}
