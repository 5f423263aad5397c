// Package poll runs the reconciliation loop that drives tracked posts through their lifecycle.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wtw-bot/notify"
	"wtw-bot/pkg/wtw"
	"wtw-bot/rules"
)

// ErrPassRunning is returned by RunPass when another pass holds the monitor.
var ErrPassRunning = errors.New("pass already running")

// Forum is the subset of the forum API the loop uses.
type Forum interface {
	NewSubmissions(ctx context.Context, limit int) ([]*wtw.Submission, error)
	NewComments(ctx context.Context, limit int) ([]*wtw.Comment, error)
	Submission(ctx context.Context, id string) (*wtw.Submission, error)
	Comment(ctx context.Context, id string) (*wtw.Comment, error)
	SubmissionComments(ctx context.Context, id string) ([]*wtw.Comment, error)
	ApplyFlair(ctx context.Context, submissionID, text, templateID string) error
	SetUserFlair(ctx context.Context, username, text, templateID string) error
	Moderators(ctx context.Context) ([]string, error)
	UnreadMessages(ctx context.Context, limit int) ([]*wtw.Message, error)
	MarkRead(ctx context.Context, names ...string) error
}

// Store is the subset of the status store the loop uses.
type Store interface {
	Get(ctx context.Context, postID string) (wtw.Status, bool, error)
	Put(ctx context.Context, postID string, st wtw.Status) error
	ListOlderThan(ctx context.Context, st wtw.Status, threshold time.Duration) ([]string, error)
	AddPoints(ctx context.Context, name string, delta int) (int, error)
	CountByStatus(ctx context.Context) (map[wtw.Status]int, error)
}

// Notifier fans out solved notifications and accepts subscriptions.
type Notifier interface {
	Notify(ctx context.Context, postID, forumName, title, permalink string) (notify.Result, error)
	Subscribe(ctx context.Context, req notify.Request) (bool, error)
}

// Config holds the monitor's collaborators and tuning.
type Config struct {
	Forum    Forum
	Store    Store
	Notifier Notifier
	Policy   *rules.Policy
	Metrics  Metrics
	Seen     *SeenCache
	Logger   *slog.Logger

	Subreddit  string
	Moderators []string // always treated as moderators, merged with the forum's list

	UnsolvedToAbandoned time.Duration
	ContestedToUnknown  time.Duration

	SubmissionLimit int
	CommentLimit    int
	MessageLimit    int
	Workers         int

	Interval          time.Duration
	TransitionTimeout time.Duration
	ModeratorRefresh  time.Duration // 0 loads the list once per process
	PointsPerSolve    int
}

// Monitor runs reconciliation passes. Passes never overlap.
type Monitor struct {
	forum    Forum
	store    Store
	notifier Notifier
	policy   *rules.Policy
	metrics  Metrics
	seen     *SeenCache
	logger   *slog.Logger

	subreddit  string
	staticMods []string

	unsolvedTTL  time.Duration
	contestedTTL time.Duration

	submissionLimit int
	commentLimit    int
	messageLimit    int
	workers         int

	interval          time.Duration
	transitionTimeout time.Duration
	modRefresh        time.Duration
	pointsPerSolve    int

	running sync.Mutex

	mods         map[string]bool
	modsLoadedAt time.Time
}

// New creates a monitor.
func New(cfg *Config) *Monitor {
	m := &Monitor{
		forum:             cfg.Forum,
		store:             cfg.Store,
		notifier:          cfg.Notifier,
		policy:            cfg.Policy,
		metrics:           cfg.Metrics,
		seen:              cfg.Seen,
		logger:            cfg.Logger,
		subreddit:         cfg.Subreddit,
		staticMods:        cfg.Moderators,
		unsolvedTTL:       cfg.UnsolvedToAbandoned,
		contestedTTL:      cfg.ContestedToUnknown,
		submissionLimit:   cfg.SubmissionLimit,
		commentLimit:      cfg.CommentLimit,
		messageLimit:      cfg.MessageLimit,
		workers:           max(cfg.Workers, 1),
		interval:          cfg.Interval,
		transitionTimeout: cfg.TransitionTimeout,
		modRefresh:        cfg.ModeratorRefresh,
		pointsPerSolve:    cfg.PointsPerSolve,
	}
	if m.metrics == nil {
		m.metrics = NoopMetrics{}
	}
	if m.transitionTimeout <= 0 {
		m.transitionTimeout = time.Minute
	}
	if m.pointsPerSolve <= 0 {
		m.pointsPerSolve = 1
	}
	return m
}

type phase struct {
	name string
	run  func(ctx context.Context, logger *slog.Logger) error
}

// RunPass runs one reconciliation pass: sweep unsolved, ingest submissions, sweep contested,
// ingest comments, then process the inbox. A failing phase is logged and the pass moves on.
// It returns ErrPassRunning if a pass is already in progress, and ctx.Err() if cancelled
// between phases.
func (m *Monitor) RunPass(ctx context.Context) error {
	if !m.running.TryLock() {
		return ErrPassRunning
	}
	defer m.running.Unlock()

	logger := m.logger.With("pass_id", uuid.NewString())
	start := time.Now()
	logger.Info("Pass starting")

	m.refreshModerators(ctx, logger)

	phases := []phase{
		{"sweep_unsolved", func(ctx context.Context, l *slog.Logger) error {
			return m.sweep(ctx, l, wtw.Unsolved, m.unsolvedTTL)
		}},
		{"ingest_submissions", m.ingestSubmissions},
		{"sweep_contested", func(ctx context.Context, l *slog.Logger) error {
			return m.sweep(ctx, l, wtw.Contested, m.contestedTTL)
		}},
		{"ingest_comments", m.ingestComments},
		{"inbox", m.processInbox},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping pass", "before_phase", p.name, "error", err)
			return err
		}
		m.runPhase(ctx, logger, p)
	}

	m.recordCounts(ctx, logger)
	m.metrics.ObservePass(time.Since(start))
	logger.Info("Pass completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *Monitor) runPhase(ctx context.Context, logger *slog.Logger, p phase) {
	logger = logger.With("phase", p.name)
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncPhaseErrors(p.name)
			logger.Error("Phase panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := p.run(ctx, logger); err != nil {
		m.metrics.IncPhaseErrors(p.name)
		logger.Error("Phase failed", "error", err)
	}
}

// Run runs passes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.RunPass(ctx); err != nil && !errors.Is(err, ErrPassRunning) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("Pass ended early", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping", "error", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) refreshModerators(ctx context.Context, logger *slog.Logger) {
	// Until the first successful load every pass retries, whatever the refresh interval.
	loaded := !m.modsLoadedAt.IsZero()
	if loaded && (m.modRefresh <= 0 || time.Since(m.modsLoadedAt) < m.modRefresh) {
		return
	}
	names, err := m.forum.Moderators(ctx)
	if err != nil {
		if m.mods == nil {
			m.mods = lowerSet(m.staticMods)
		}
		logger.Warn("Failed to load moderators, keeping previous list", "count", len(m.mods), "error", err)
		return
	}
	mods := lowerSet(m.staticMods)
	for _, n := range names {
		mods[strings.ToLower(n)] = true
	}
	m.mods = mods
	m.modsLoadedAt = time.Now()
	logger.Info("Moderators loaded", "count", len(mods))
}

func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

func (m *Monitor) isModerator(name string) bool {
	return m.mods[strings.ToLower(name)]
}

func (m *Monitor) recordCounts(ctx context.Context, logger *slog.Logger) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		logger.Warn("Failed to count posts", "error", err)
		return
	}
	for _, st := range wtw.Statuses() {
		m.metrics.SetPosts(st.String(), counts[st])
	}
}

// sweep re-evaluates every post that has stayed in st for at least ttl.
func (m *Monitor) sweep(ctx context.Context, logger *slog.Logger, st wtw.Status, ttl time.Duration) error {
	ids, err := m.store.ListOlderThan(ctx, st, ttl)
	if err != nil {
		return fmt.Errorf("list %s posts: %w", st, err)
	}
	if len(ids) == 0 {
		return nil
	}
	logger.Info("Sweeping aged posts", "status", st, "count", len(ids))

	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := m.expire(ctx, logger, id); err != nil {
				m.metrics.IncItemErrors("sweep_" + st.String())
				logger.Warn("Sweep skipped post", "post_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) expire(ctx context.Context, logger *slog.Logger, id string) error {
	stored, found, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if !found {
		return nil
	}

	sub, err := m.forum.Submission(ctx, id)
	if err != nil {
		if wtw.IsNotFound(err) {
			logger.Debug("Post no longer exists", "post_id", id)
			return nil
		}
		return fmt.Errorf("fetch submission: %w", err)
	}

	var evidence bool
	if (stored == wtw.Unsolved || stored == wtw.Contested) &&
		!rules.HasOverrideMarker(sub.FlairText, m.policy.OverrideMarkers) &&
		!sub.HasFlair(m.policy.Flair(wtw.Solved)) {
		comments, err := m.forum.SubmissionComments(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch comments: %w", err)
		}
		evidence = rules.SolvedInComments(sub, comments)
	}

	return m.apply(ctx, logger, sub, stored, m.policy.Expire(stored, sub, evidence), nil)
}

func (m *Monitor) ingestSubmissions(ctx context.Context, logger *slog.Logger) error {
	subs, err := m.forum.NewSubmissions(ctx, m.submissionLimit)
	if err != nil {
		return fmt.Errorf("fetch new submissions: %w", err)
	}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ingest(ctx, logger, sub); err != nil {
			m.metrics.IncItemErrors("ingest_submissions")
			logger.Warn("Skipping submission", "post_id", sub.ID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) ingest(ctx context.Context, logger *slog.Logger, sub *wtw.Submission) error {
	stored, found, err := m.store.Get(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	d, err := m.policy.Ingest(stored, found, sub, m.isModerator(sub.Author))
	if err != nil {
		return err
	}
	return m.apply(ctx, logger, sub, stored, d, nil)
}

func (m *Monitor) ingestComments(ctx context.Context, logger *slog.Logger) error {
	comments, err := m.forum.NewComments(ctx, m.commentLimit)
	if err != nil {
		return fmt.Errorf("fetch new comments: %w", err)
	}
	for _, c := range comments {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := "c:" + c.ID
		if m.seen.Seen(key) {
			continue
		}
		if err := m.onComment(ctx, logger, c); err != nil {
			m.metrics.IncItemErrors("ingest_comments")
			logger.Warn("Skipping comment", "comment_id", c.ID, "error", err)
			continue
		}
		m.seen.Mark(key)
	}
	return nil
}

func (m *Monitor) onComment(ctx context.Context, logger *slog.Logger, c *wtw.Comment) error {
	if c.Submission == nil {
		return &wtw.ValidationError{Field: "submission", Value: c.ID}
	}
	stored, found, err := m.store.Get(ctx, c.Submission.ID)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	d, err := m.policy.OnComment(stored, found, c)
	if err != nil {
		return err
	}
	return m.apply(ctx, logger, c.Submission, stored, d, c)
}

// apply performs a decision: status write, flair call, notification and reward. Once the write
// is attempted the rest runs to completion even if ctx is cancelled, bounded by the transition
// timeout. Only a failed status write is returned; later steps are logged.
func (m *Monitor) apply(ctx context.Context, logger *slog.Logger, sub *wtw.Submission, prev wtw.Status, d rules.Decision, trigger *wtw.Comment) error {
	if !d.Transition() {
		return nil
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.transitionTimeout)
	defer cancel()

	if err := m.store.Put(tctx, sub.ID, d.Status); err != nil {
		return fmt.Errorf("write status %s: %w", d.Status, err)
	}
	m.metrics.IncTransitions(d.Status.String(), string(d.Rule))
	logger.Info("Post transitioned", "post_id", sub.ID, "status", d.Status.String(), "rule", string(d.Rule))

	if d.Flair != nil {
		if err := m.forum.ApplyFlair(tctx, sub.ID, d.Flair.Text, d.Flair.TemplateID); err != nil {
			m.metrics.IncFlairFailures()
			logger.Warn("Failed to apply flair", "post_id", sub.ID, "flair", d.Flair.Text, "error", err)
		}
	}

	if d.Notify {
		res, err := m.notifier.Notify(tctx, sub.ID, m.subreddit, sub.Title, sub.Permalink)
		m.metrics.AddNotifications(res.Sent, res.Failed)
		if err != nil {
			logger.Warn("Failed to notify subscribers", "post_id", sub.ID, "error", err)
		}
	}

	// A post already stored as solved has been rewarded before.
	if d.RewardParent != "" && trigger != nil && prev != wtw.Solved {
		m.reward(tctx, logger, trigger, d.RewardParent)
	}
	return nil
}

func (m *Monitor) reward(ctx context.Context, logger *slog.Logger, solving *wtw.Comment, parentID string) {
	parent, err := m.forum.Comment(ctx, parentID)
	if err != nil {
		logger.Warn("Failed to fetch answer to reward", "comment_id", parentID, "error", err)
		return
	}
	if !m.policy.Rewardable(solving, parent) {
		return
	}

	total, err := m.store.AddPoints(ctx, parent.Author, m.pointsPerSolve)
	if err != nil {
		logger.Warn("Failed to award points", "user", parent.Author, "error", err)
		return
	}
	m.metrics.IncRewards()

	flair, tier := m.policy.TierFlair(total)
	logger.Info("Points awarded", "user", parent.Author, "points", total, "tier", tier, "post_id", solving.Submission.ID)
	if flair.Text == "" && flair.TemplateID == "" {
		return
	}
	if err := m.forum.SetUserFlair(ctx, parent.Author, flair.Text, flair.TemplateID); err != nil {
		logger.Warn("Failed to set user flair", "user", parent.Author, "error", err)
	}
}

func (m *Monitor) processInbox(ctx context.Context, logger *slog.Logger) error {
	msgs, err := m.forum.UnreadMessages(ctx, m.messageLimit)
	if err != nil {
		return fmt.Errorf("fetch unread messages: %w", err)
	}

	var handled []string
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			break
		}
		if !msg.Reply && strings.EqualFold(strings.TrimSpace(msg.Subject), "subscribe") && msg.Author != "" {
			if _, err := m.notifier.Subscribe(ctx, notify.Request{PostID: msg.Body, Requester: msg.Author}); err != nil {
				m.metrics.IncItemErrors("inbox")
				logger.Warn("Subscribe request failed, will retry", "message_id", msg.ID, "user", msg.Author, "error", err)
				continue
			}
		}
		handled = append(handled, msg.Fullname())
	}

	if len(handled) == 0 {
		return nil
	}
	if err := m.forum.MarkRead(context.WithoutCancel(ctx), handled...); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}
