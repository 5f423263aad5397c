// Package notify tells subscribers when a post they follow is solved, and handles
// subscription requests.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"wtw-bot/pkg/wtw"
)

// postIDPattern matches base36 submission ids as they appear in a subscribe request.
var postIDPattern = regexp.MustCompile(`^[a-z0-9]{6,7}$`)

// Messenger delivers private messages.
type Messenger interface {
	MessageUser(ctx context.Context, username, subject, body string) error
}

// Lookup fetches a submission by id.
type Lookup interface {
	Submission(ctx context.Context, id string) (*wtw.Submission, error)
}

// Store is the subset of the status store the notifier needs.
type Store interface {
	Get(ctx context.Context, postID string) (wtw.Status, bool, error)
	AddSubscriber(ctx context.Context, postID, name string) error
	IsSubscribed(ctx context.Context, postID, name string) (bool, error)
	ListSubscribers(ctx context.Context, postID string) ([]string, error)
	ClearSubscribers(ctx context.Context, postID string) error
}

// Templates hold the subject, body and footer of the solved notification. The placeholders
// {user}, {title}, {permalink}, {forum} and {id} are substituted per message. The footer is
// appended to the body below a horizontal rule.
type Templates struct {
	Subject string
	Body    string
	Footer  string
}

// DefaultTemplates are used when no templates are configured.
var DefaultTemplates = Templates{
	Subject: "A post you follow on r/{forum} was solved",
	Body:    "Hi u/{user}, the post \"{title}\" you subscribed to has been solved: {permalink}",
	Footer:  "^(I am a bot for r/{forum}. Message me with the subject \"subscribe\" and a post id to follow another post.)",
}

// Request is a subscription request received from a user.
type Request struct {
	PostID    string
	Requester string
}

// Result is the outcome of one Notify call.
type Result struct {
	Sent   int
	Failed int
}

// Notifier fans out solved notifications and accepts subscriptions.
type Notifier struct {
	messenger Messenger
	lookup    Lookup
	store     Store
	logger    *slog.Logger
	forum     string
	solved    wtw.Flair
	tmpl      Templates
}

// New creates a notifier for one forum. solved is the configured solved flair, used to refuse
// subscriptions to posts that already show it.
func New(messenger Messenger, lookup Lookup, store Store, forum string, solved wtw.Flair, tmpl Templates, logger *slog.Logger) *Notifier {
	if tmpl.Subject == "" {
		tmpl.Subject = DefaultTemplates.Subject
	}
	if tmpl.Body == "" {
		tmpl.Body = DefaultTemplates.Body
	}
	if tmpl.Footer == "" {
		tmpl.Footer = DefaultTemplates.Footer
	}
	return &Notifier{
		messenger: messenger,
		lookup:    lookup,
		store:     store,
		logger:    logger,
		forum:     forum,
		solved:    solved,
		tmpl:      tmpl,
	}
}

func render(tmpl, user, title, permalink, forum, id string) string {
	return strings.NewReplacer(
		"{user}", user,
		"{title}", title,
		"{permalink}", permalink,
		"{forum}", forum,
		"{id}", id,
	).Replace(tmpl)
}

// Notify messages every subscriber of postID, then clears the subscriber set. Delivery is
// best-effort: a failed message is logged and the rest continue; the set is cleared regardless.
// An error is returned only when the subscriber set cannot be read or cleared.
func (n *Notifier) Notify(ctx context.Context, postID, forumName, title, permalink string) (Result, error) {
	var res Result
	names, err := n.store.ListSubscribers(ctx, postID)
	if err != nil {
		return res, fmt.Errorf("list subscribers: %w", err)
	}

	for _, name := range names {
		subject := render(n.tmpl.Subject, name, title, permalink, forumName, postID)
		body := render(n.tmpl.Body, name, title, permalink, forumName, postID)
		if n.tmpl.Footer != "" {
			body += "\n\n---\n\n" + render(n.tmpl.Footer, name, title, permalink, forumName, postID)
		}
		if err := n.messenger.MessageUser(ctx, name, subject, body); err != nil {
			var de *wtw.DeliveryError
			if !errors.As(err, &de) {
				err = &wtw.DeliveryError{User: name, Err: err}
			}
			n.logger.Warn("Failed to notify subscriber", "post_id", postID, "user", name, "error", err)
			res.Failed++
			continue
		}
		res.Sent++
	}

	if err := n.store.ClearSubscribers(ctx, postID); err != nil {
		return res, fmt.Errorf("clear subscribers: %w", err)
	}
	if len(names) > 0 {
		n.logger.Info("Subscribers notified", "post_id", postID, "sent", res.Sent, "failed", res.Failed)
	}
	return res, nil
}

// Subscribe records req.Requester as a subscriber when the request is acceptable. Rejected
// requests return false with a nil error; errors are reserved for store and lookup failures
// other than a missing post.
func (n *Notifier) Subscribe(ctx context.Context, req Request) (bool, error) {
	id := strings.TrimSpace(req.PostID)
	if req.Requester == "" || !postIDPattern.MatchString(id) {
		n.logger.Debug("Dropping malformed subscribe request", "post_id", id, "user", req.Requester)
		return false, nil
	}

	subscribed, err := n.store.IsSubscribed(ctx, id, req.Requester)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	if subscribed {
		n.logger.Debug("Already subscribed", "post_id", id, "user", req.Requester)
		return false, nil
	}

	sub, err := n.lookup.Submission(ctx, id)
	if err != nil {
		if wtw.IsNotFound(err) {
			n.logger.Debug("Subscribe request for missing post", "post_id", id, "user", req.Requester)
			return false, nil
		}
		return false, fmt.Errorf("fetch submission: %w", err)
	}
	if !strings.EqualFold(sub.Subreddit, n.forum) {
		n.logger.Debug("Subscribe request for another forum", "post_id", id, "forum", sub.Subreddit)
		return false, nil
	}
	if sub.HasFlair(n.solved) {
		return false, nil
	}
	st, found, err := n.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get post status: %w", err)
	}
	if found && st == wtw.Solved {
		return false, nil
	}

	if err := n.store.AddSubscriber(ctx, id, req.Requester); err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}
	n.logger.Info("User subscribed", "post_id", id, "user", req.Requester)
	return true, nil
}
