package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wtw-bot/notify"
	"wtw-bot/pkg/wtw"
	"wtw-bot/rules"
	"wtw-bot/storage"
)

type sentMessage struct {
	to, subject, body string
}

type fakeForum struct {
	mu sync.Mutex

	subs        map[string]*wtw.Submission
	comments    map[string]*wtw.Comment
	threads     map[string][]*wtw.Comment
	newSubs     []*wtw.Submission
	newComments []*wtw.Comment
	mods        []string
	modsErr     error
	inbox       []*wtw.Message

	flairCalls map[string][]wtw.Flair
	userFlairs map[string]wtw.Flair
	sent       []sentMessage
	read       []string

	newSubsErr    error
	panicComments bool
	failFlair     bool
}

func newFakeForum() *fakeForum {
	return &fakeForum{
		subs:       map[string]*wtw.Submission{},
		comments:   map[string]*wtw.Comment{},
		threads:    map[string][]*wtw.Comment{},
		flairCalls: map[string][]wtw.Flair{},
		userFlairs: map[string]wtw.Flair{},
	}
}

func (f *fakeForum) addSubmission(sub *wtw.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.Subreddit = "whatstheword"
	f.subs[sub.ID] = sub
	f.newSubs = append(f.newSubs, sub)
}

func (f *fakeForum) addComment(c *wtw.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c
	f.threads[c.Submission.ID] = append(f.threads[c.Submission.ID], c)
	f.newComments = append([]*wtw.Comment{c}, f.newComments...)
}

func (f *fakeForum) NewSubmissions(_ context.Context, limit int) ([]*wtw.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newSubsErr != nil {
		return nil, f.newSubsErr
	}
	return f.newSubs[:min(limit, len(f.newSubs))], nil
}

func (f *fakeForum) NewComments(_ context.Context, limit int) ([]*wtw.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicComments {
		panic("comment listing exploded")
	}
	return f.newComments[:min(limit, len(f.newComments))], nil
}

func (f *fakeForum) Submission(_ context.Context, id string) (*wtw.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", id, wtw.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeForum) Comment(_ context.Context, id string) (*wtw.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", id, wtw.ErrNotFound)
	}
	return c, nil
}

func (f *fakeForum) SubmissionComments(_ context.Context, id string) ([]*wtw.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id], nil
}

func (f *fakeForum) ApplyFlair(_ context.Context, submissionID, text, templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFlair {
		return &wtw.TransientError{Op: "POST selectflair", Err: errors.New("HTTP 500")}
	}
	f.flairCalls[submissionID] = append(f.flairCalls[submissionID], wtw.Flair{Text: text, TemplateID: templateID})
	if sub, ok := f.subs[submissionID]; ok {
		sub.FlairText, sub.FlairTemplateID = text, templateID
	}
	return nil
}

func (f *fakeForum) SetUserFlair(_ context.Context, username, text, templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userFlairs[username] = wtw.Flair{Text: text, TemplateID: templateID}
	return nil
}

func (f *fakeForum) MessageUser(_ context.Context, username, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: username, subject: subject, body: body})
	return nil
}

func (f *fakeForum) Moderators(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modsErr != nil {
		return nil, f.modsErr
	}
	return f.mods, nil
}

func (f *fakeForum) UnreadMessages(_ context.Context, limit int) ([]*wtw.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbox[:min(limit, len(f.inbox))], nil
}

func (f *fakeForum) MarkRead(_ context.Context, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, names...)
	done := map[string]bool{}
	for _, n := range names {
		done[n] = true
	}
	var left []*wtw.Message
	for _, m := range f.inbox {
		if !done[m.Fullname()] {
			left = append(left, m)
		}
	}
	f.inbox = left
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	unsolvedFlair  = wtw.Flair{Text: "Unsolved", TemplateID: "t-unsolved"}
	contestedFlair = wtw.Flair{Text: "Contested", TemplateID: "t-contested"}
	solvedFlair    = wtw.Flair{Text: "Solved!", TemplateID: "t-solved"}
	abandonedFlair = wtw.Flair{Text: "Abandoned", TemplateID: "t-abandoned"}
	unknownFlair   = wtw.Flair{Text: "Unknown", TemplateID: "t-unknown"}
)

type harness struct {
	m     *Monitor
	forum *fakeForum
	store *storage.SQL
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := storage.OpenSQL(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	st.SetClock(clock.Now)

	forum := newFakeForum()
	forum.mods = []string{"modbob"}

	policy := &rules.Policy{
		Flairs: map[wtw.Status]wtw.Flair{
			wtw.Unsolved:  unsolvedFlair,
			wtw.Contested: contestedFlair,
			wtw.Solved:    solvedFlair,
			wtw.Abandoned: abandonedFlair,
			wtw.Unknown:   unknownFlair,
		},
		IgnoredAuthors:  map[string]bool{"automoderator": true, "wtwbot": true},
		OverrideMarkers: rules.DefaultOverrideMarkers,
		TierBounds:      []int{5, 10},
		Tiers: []wtw.Flair{
			{Text: "Novice ({points})", TemplateID: "tier-0"},
			{Text: "Helper ({points})", TemplateID: "tier-1"},
			{Text: "Expert ({points})", TemplateID: "tier-2"},
		},
	}
	n := notify.New(forum, forum, st, "whatstheword", solvedFlair, notify.Templates{}, logger)

	m := New(&Config{
		Forum:               forum,
		Store:               st,
		Notifier:            n,
		Policy:              policy,
		Seen:                NewSeenCache(1<<20, 3600),
		Logger:              logger,
		Subreddit:           "whatstheword",
		UnsolvedToAbandoned: 24 * time.Hour,
		ContestedToUnknown:  48 * time.Hour,
		SubmissionLimit:     10,
		CommentLimit:        50,
		MessageLimit:        25,
		Workers:             2,
		Interval:            time.Minute,
	})
	return &harness{m: m, forum: forum, store: st, clock: clock}
}

func (h *harness) status(t *testing.T, id string) wtw.Status {
	t.Helper()
	st, found, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found, "post %s not tracked", id)
	return st
}

func TestIngestNewSubmission(t *testing.T) {
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "abc123", Author: "alice", Title: "Word for a sad dog?"})

	require.NoError(t, h.m.RunPass(context.Background()))

	assert.Equal(t, wtw.Unsolved, h.status(t, "abc123"))
	assert.Equal(t, []wtw.Flair{unsolvedFlair}, h.forum.flairCalls["abc123"])

	// A second pass sees the same submission and changes nothing.
	require.NoError(t, h.m.RunPass(context.Background()))
	assert.Len(t, h.forum.flairCalls["abc123"], 1)
}

func TestModeratorSubmissionIsOverridden(t *testing.T) {
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "mod001", Author: "ModBob", Title: "Weekly thread"})

	for range 2 {
		require.NoError(t, h.m.RunPass(context.Background()))
		assert.Equal(t, wtw.Overridden, h.status(t, "mod001"))
	}
	assert.Empty(t, h.forum.flairCalls["mod001"])
}

func TestMissingAuthorIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "del001", Author: ""})
	h.forum.addSubmission(&wtw.Submission{ID: "abc123", Author: "alice"})

	require.NoError(t, h.m.RunPass(context.Background()))

	_, found, err := h.store.Get(context.Background(), "del001")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, wtw.Unsolved, h.status(t, "abc123"), "one bad item does not stop the batch")
}

func TestOPSolvesRewardsAndNotifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := &wtw.Submission{ID: "abc123", Author: "alice", Title: "Word for a sad dog?", Permalink: "https://www.reddit.com/r/whatstheword/comments/abc123/"}
	h.forum.addSubmission(sub)
	require.NoError(t, h.m.RunPass(ctx))

	require.NoError(t, h.store.SetPoints(ctx, "bob", 4))
	require.NoError(t, h.store.AddSubscriber(ctx, "abc123", "carol"))

	answer := &wtw.Comment{ID: "c1", Author: "bob", Body: "melancholy", ParentID: sub.Fullname(), Submission: sub}
	thanks := &wtw.Comment{ID: "c2", Author: "alice", Body: "yes, solved!", ParentID: answer.Fullname(), Submission: sub}
	h.forum.addComment(answer)
	h.forum.addComment(thanks)

	require.NoError(t, h.m.RunPass(ctx))

	assert.Equal(t, wtw.Solved, h.status(t, "abc123"))
	assert.Equal(t, []wtw.Flair{unsolvedFlair, solvedFlair}, h.forum.flairCalls["abc123"],
		"bob's reply never moves the post")

	points, err := h.store.GetPoints(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 5, points)
	assert.Equal(t, wtw.Flair{Text: "Helper (5)", TemplateID: "tier-1"}, h.forum.userFlairs["bob"])

	require.Len(t, h.forum.sent, 1)
	assert.Equal(t, "carol", h.forum.sent[0].to)
	assert.Contains(t, h.forum.sent[0].body, sub.Permalink)
	names, err := h.store.ListSubscribers(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, names)

	// The same comments are still in the stream on the next pass.
	require.NoError(t, h.m.RunPass(ctx))
	points, err = h.store.GetPoints(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 5, points, "a solve is rewarded once")
}

func TestOPNotSolvedYetIsContested(t *testing.T) {
	h := newHarness(t)
	sub := &wtw.Submission{ID: "abc123", Author: "alice"}
	h.forum.addSubmission(sub)
	h.forum.addComment(&wtw.Comment{ID: "c1", Author: "alice", Body: "not solved yet", ParentID: sub.Fullname(), Submission: sub})

	require.NoError(t, h.m.RunPass(context.Background()))

	assert.Equal(t, wtw.Contested, h.status(t, "abc123"))
	assert.Equal(t, []wtw.Flair{unsolvedFlair, contestedFlair}, h.forum.flairCalls["abc123"])
}

func TestOverrideMarkerStopsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := &wtw.Submission{ID: "abc123", Author: "alice"}
	h.forum.addSubmission(sub)
	require.NoError(t, h.m.RunPass(ctx))

	sub.FlairText = "Answered :overridden:"
	h.forum.addComment(&wtw.Comment{ID: "c1", Author: "alice", Body: "solved", ParentID: sub.Fullname(), Submission: sub})
	require.NoError(t, h.m.RunPass(ctx))
	assert.Equal(t, wtw.Overridden, h.status(t, "abc123"))

	// Later events and sweeps never move it.
	sub.FlairText = ""
	h.forum.addComment(&wtw.Comment{ID: "c2", Author: "bob", Body: "hmm", ParentID: sub.Fullname(), Submission: sub})
	h.clock.Advance(72 * time.Hour)
	require.NoError(t, h.m.RunPass(ctx))
	assert.Equal(t, wtw.Overridden, h.status(t, "abc123"))
	assert.Equal(t, []wtw.Flair{unsolvedFlair}, h.forum.flairCalls["abc123"])
}

func TestSweepUnsolved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	quiet := &wtw.Submission{ID: "quiet1", Author: "alice"}
	solved := &wtw.Submission{ID: "solvd1", Author: "dave"}
	h.forum.addSubmission(quiet)
	h.forum.addSubmission(solved)
	require.NoError(t, h.m.RunPass(ctx))

	// OP's solve landed in a reply the stream missed; the sweep finds it.
	h.forum.mu.Lock()
	h.forum.threads["solvd1"] = []*wtw.Comment{{ID: "c9", Author: "dave", Body: "Solved, thanks all", ParentID: "t1_c8", Submission: solved}}
	h.forum.mu.Unlock()

	h.clock.Advance(24*time.Hour - time.Second)
	require.NoError(t, h.m.RunPass(ctx))
	assert.Equal(t, wtw.Unsolved, h.status(t, "quiet1"), "not yet old enough")

	h.clock.Advance(time.Second)
	require.NoError(t, h.m.RunPass(ctx))
	assert.Equal(t, wtw.Abandoned, h.status(t, "quiet1"))
	assert.Equal(t, abandonedFlair, h.forum.flairCalls["quiet1"][1])
	assert.Equal(t, wtw.Solved, h.status(t, "solvd1"))
	assert.Equal(t, solvedFlair, h.forum.flairCalls["solvd1"][1])
}

func TestSweepContestedAppliesUnknownFlair(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := &wtw.Submission{ID: "abc123", Author: "alice"}
	h.forum.addSubmission(sub)
	h.forum.addComment(&wtw.Comment{ID: "c1", Author: "alice", Body: "close, but no", ParentID: sub.Fullname(), Submission: sub})
	require.NoError(t, h.m.RunPass(ctx))
	require.Equal(t, wtw.Contested, h.status(t, "abc123"))

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.m.RunPass(ctx))

	assert.Equal(t, wtw.Unknown, h.status(t, "abc123"))
	calls := h.forum.flairCalls["abc123"]
	assert.Equal(t, unknownFlair, calls[len(calls)-1])
}

func TestSweepSkipsDeletedPosts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Put(ctx, "gone01", wtw.Unsolved))
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.m.RunPass(ctx))
	assert.Equal(t, wtw.Unsolved, h.status(t, "gone01"), "a missing post is never a reason to change state")
}

func TestFlairFailureDoesNotBlockNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := &wtw.Submission{ID: "abc123", Author: "alice", Title: "t"}
	h.forum.addSubmission(sub)
	require.NoError(t, h.m.RunPass(ctx))
	require.NoError(t, h.store.AddSubscriber(ctx, "abc123", "carol"))

	h.forum.failFlair = true
	h.forum.addComment(&wtw.Comment{ID: "c1", Author: "alice", Body: "SOLVED", ParentID: sub.Fullname(), Submission: sub})
	require.NoError(t, h.m.RunPass(ctx))

	assert.Equal(t, wtw.Solved, h.status(t, "abc123"))
	require.Len(t, h.forum.sent, 1)
	assert.Equal(t, "carol", h.forum.sent[0].to)
}

func TestPhaseFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Put(ctx, "old001", wtw.Unsolved))
	h.forum.subs["old001"] = &wtw.Submission{ID: "old001", Author: "alice", Subreddit: "whatstheword"}
	h.clock.Advance(24 * time.Hour)

	h.forum.newSubsErr = &wtw.TransientError{Op: "GET /new", Err: errors.New("HTTP 503")}
	h.forum.panicComments = true
	h.forum.inbox = []*wtw.Message{{ID: "m1", Author: "carol", Subject: "subscribe", Body: "old001"}}

	require.NoError(t, h.m.RunPass(ctx))

	assert.Equal(t, wtw.Abandoned, h.status(t, "old001"), "sweep ran before the failing phases")
	assert.Equal(t, []string{"t4_m1"}, h.forum.read, "inbox ran after the panicking phase")
}

func TestInboxSubscriptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "abc123", Author: "alice"})
	h.forum.inbox = []*wtw.Message{
		{ID: "m1", Author: "carol", Subject: "subscribe", Body: "abc123\n"},
		{ID: "m2", Author: "dave", Subject: "hello", Body: "abc123"},
		{ID: "m3", Author: "erin", Subject: "Subscribe", Body: "not-an-id"},
	}

	require.NoError(t, h.m.RunPass(ctx))

	names, err := h.store.ListSubscribers(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, names)
	assert.ElementsMatch(t, []string{"t4_m1", "t4_m2", "t4_m3"}, h.forum.read)
}

func TestInboxMarksCommentRepliesRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "abc123", Author: "alice"})
	h.m.messageLimit = 2
	h.forum.inbox = []*wtw.Message{
		{ID: "c7", Kind: "t1", Author: "bob", Subject: "subscribe", Body: "abc123", Reply: true},
		{ID: "c8", Kind: "t1", Author: "dave", Subject: "comment reply", Body: "thanks", Reply: true},
		{ID: "m1", Author: "carol", Subject: "subscribe", Body: "abc123"},
	}

	require.NoError(t, h.m.RunPass(ctx))
	assert.ElementsMatch(t, []string{"t1_c7", "t1_c8"}, h.forum.read)
	names, err := h.store.ListSubscribers(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, names, "a comment reply is not a subscribe request")

	// Replies no longer fill the page, so the private message behind them is reached.
	require.NoError(t, h.m.RunPass(ctx))
	assert.Contains(t, h.forum.read, "t4_m1")
	assert.Empty(t, h.forum.inbox)
	names, err = h.store.ListSubscribers(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, names)
}

func TestModeratorsRetriedUntilFirstLoad(t *testing.T) {
	h := newHarness(t)
	require.Zero(t, h.m.modRefresh)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.forum.modsErr = &wtw.TransientError{Op: "GET /about/moderators", Err: errors.New("HTTP 503")}

	h.m.refreshModerators(context.Background(), logger)
	assert.False(t, h.m.isModerator("ModBob"))

	h.forum.mu.Lock()
	h.forum.modsErr = nil
	h.forum.mu.Unlock()
	h.m.refreshModerators(context.Background(), logger)
	assert.True(t, h.m.isModerator("ModBob"), "a failed first load must not stick")

	// Loaded once with no refresh interval: later failures keep the list and skip the call.
	h.forum.mu.Lock()
	h.forum.mods = nil
	h.forum.mu.Unlock()
	h.m.refreshModerators(context.Background(), logger)
	assert.True(t, h.m.isModerator("modbob"))
}

func TestRunPassIsExclusive(t *testing.T) {
	h := newHarness(t)
	h.m.running.Lock()
	err := h.m.RunPass(context.Background())
	h.m.running.Unlock()
	assert.ErrorIs(t, err, ErrPassRunning)
}

func TestRunPassStopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.forum.addSubmission(&wtw.Submission{ID: "abc123", Author: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.m.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, found, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunReturnsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(1<<20, 60)
	assert.False(t, c.Seen("c:abc"))
	c.Mark("c:abc")
	assert.True(t, c.Seen("c:abc"))

	var disabled *SeenCache
	disabled.Mark("c:abc")
	assert.False(t, disabled.Seen("c:abc"))
}
