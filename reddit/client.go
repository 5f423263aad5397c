// Package reddit talks to the Reddit OAuth JSON API on behalf of one subreddit.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"wtw-bot/pkg/wtw"
)

const (
	DefaultBaseURL = "https://oauth.reddit.com"
	DefaultWebURL  = "https://www.reddit.com"

	// infoBatch is the most fullnames /api/info accepts per call.
	infoBatch = 100
)

// Options configure a Client.
type Options struct {
	BaseURL   string // API host, DefaultBaseURL when empty
	WebURL    string // host permalinks are resolved against, DefaultWebURL when empty
	Subreddit string
	UserAgent string
	Timeout   time.Duration // per request attempt
	Attempts  uint
	Rate      rate.Limit // requests per second
	Burst     int
}

// statusError is a non-2xx API response.
type statusError struct {
	Code int
	URL  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

func isStatus(err error, codes ...int) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}

// Client is a Reddit API client bound to one subreddit.
type Client struct {
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	baseURL   string
	webURL    string
	subreddit string
	userAgent string
	timeout   time.Duration
	attempts  uint
}

// New creates a client. httpClient must attach credentials (see NewHTTPClient).
func New(httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.WebURL == "" {
		opts.WebURL = DefaultWebURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Rate <= 0 {
		opts.Rate = rate.Limit(1)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		client:    httpClient,
		limiter:   rate.NewLimiter(opts.Rate, opts.Burst),
		logger:    logger,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		webURL:    strings.TrimSuffix(opts.WebURL, "/"),
		subreddit: opts.Subreddit,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		attempts:  opts.Attempts,
	}
}

// Subreddit returns the subreddit the client is bound to.
func (c *Client) Subreddit() string {
	return c.subreddit
}

// do performs one API call with rate limiting, a per-attempt timeout and retries. A 404 yields
// wtw.ErrNotFound; every other failure is a wtw.TransientError.
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	op := method + " " + path

	var notFound bool
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			actx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			var body io.Reader
			if form != nil {
				body = strings.NewReader(form.Encode())
			}
			req, err := http.NewRequestWithContext(actx, method, endpoint, body)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", c.userAgent)
			if form != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Reddit request failed, will retry", "op", op, "duration_ms", time.Since(start).Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Reddit request completed", "op", op, "status_code", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotFound:
				notFound = true
				return retry.Unrecoverable(&statusError{Code: resp.StatusCode, URL: path})
			case resp.StatusCode >= 300:
				return &statusError{Code: resp.StatusCode, URL: path}
			}

			if out == nil {
				return nil
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if err := json.Unmarshal(data, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Reddit request after error", "op", op, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Auth and permission failures will not heal on their own.
			return !isStatus(err, http.StatusUnauthorized, http.StatusForbidden)
		}),
	)
	if notFound {
		return fmt.Errorf("%s: %w", op, wtw.ErrNotFound)
	}
	if err != nil {
		return &wtw.TransientError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) submissions(l *listing) []*wtw.Submission {
	subs := make([]*wtw.Submission, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		if ch.Kind != "t3" {
			continue
		}
		var d linkData
		if err := json.Unmarshal(ch.Data, &d); err != nil {
			c.logger.Warn("Skipping malformed submission", "error", err)
			continue
		}
		subs = append(subs, d.submission(c.webURL))
	}
	return subs
}

// NewSubmissions returns up to limit of the newest submissions, newest first.
func (c *Client) NewSubmissions(ctx context.Context, limit int) ([]*wtw.Submission, error) {
	var l listing
	q := url.Values{"limit": {strconv.Itoa(limit)}, "raw_json": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/r/"+c.subreddit+"/new", q, nil, &l); err != nil {
		return nil, fmt.Errorf("list new submissions: %w", err)
	}
	return c.submissions(&l), nil
}

// info fetches things by fullname in batches.
func (c *Client) info(ctx context.Context, fullnames []string) ([]thing, error) {
	var things []thing
	for start := 0; start < len(fullnames); start += infoBatch {
		end := min(start+infoBatch, len(fullnames))
		var l listing
		q := url.Values{"id": {strings.Join(fullnames[start:end], ",")}, "raw_json": {"1"}}
		if err := c.do(ctx, http.MethodGet, "/api/info", q, nil, &l); err != nil {
			return nil, err
		}
		things = append(things, l.Data.Children...)
	}
	return things, nil
}

// NewComments returns up to limit of the newest comments, newest first, each with its
// submission populated.
func (c *Client) NewComments(ctx context.Context, limit int) ([]*wtw.Comment, error) {
	var l listing
	q := url.Values{"limit": {strconv.Itoa(limit)}, "raw_json": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/r/"+c.subreddit+"/comments", q, nil, &l); err != nil {
		return nil, fmt.Errorf("list new comments: %w", err)
	}

	var raw []commentData
	var links []string
	seen := make(map[string]bool)
	for _, ch := range l.Data.Children {
		if ch.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(ch.Data, &d); err != nil {
			c.logger.Warn("Skipping malformed comment", "error", err)
			continue
		}
		raw = append(raw, d)
		if !seen[d.LinkID] {
			seen[d.LinkID] = true
			links = append(links, d.LinkID)
		}
	}

	things, err := c.info(ctx, links)
	if err != nil {
		return nil, fmt.Errorf("fetch comment submissions: %w", err)
	}
	var info listing
	info.Data.Children = things
	byName := make(map[string]*wtw.Submission, len(things))
	for _, s := range c.submissions(&info) {
		byName[s.Fullname()] = s
	}

	comments := make([]*wtw.Comment, 0, len(raw))
	for i := range raw {
		comments = append(comments, raw[i].comment(byName[raw[i].LinkID]))
	}
	return comments, nil
}

// Submission fetches one submission by id. A removed or unknown id yields wtw.ErrNotFound.
func (c *Client) Submission(ctx context.Context, id string) (*wtw.Submission, error) {
	things, err := c.info(ctx, []string{"t3_" + id})
	if err != nil {
		return nil, fmt.Errorf("fetch submission %s: %w", id, err)
	}
	var l listing
	l.Data.Children = things
	subs := c.submissions(&l)
	if len(subs) == 0 {
		return nil, fmt.Errorf("fetch submission %s: %w", id, wtw.ErrNotFound)
	}
	return subs[0], nil
}

// Comment fetches one comment by id, with its submission populated.
func (c *Client) Comment(ctx context.Context, id string) (*wtw.Comment, error) {
	things, err := c.info(ctx, []string{"t1_" + id})
	if err != nil {
		return nil, fmt.Errorf("fetch comment %s: %w", id, err)
	}
	for _, ch := range things {
		if ch.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(ch.Data, &d); err != nil {
			return nil, fmt.Errorf("decode comment %s: %w", id, err)
		}
		sub, err := c.Submission(ctx, strings.TrimPrefix(d.LinkID, "t3_"))
		if err != nil {
			return nil, err
		}
		return d.comment(sub), nil
	}
	return nil, fmt.Errorf("fetch comment %s: %w", id, wtw.ErrNotFound)
}

// SubmissionComments returns every comment of a submission that the API returns in one
// response, flattened depth first. Collapsed "more" stubs are not expanded.
func (c *Client) SubmissionComments(ctx context.Context, id string) ([]*wtw.Comment, error) {
	var pair []listing
	q := url.Values{"limit": {"500"}, "raw_json": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/comments/"+id, q, nil, &pair); err != nil {
		return nil, fmt.Errorf("fetch comments of %s: %w", id, err)
	}
	if len(pair) != 2 {
		return nil, &wtw.TransientError{Op: "GET /comments/" + id, Err: fmt.Errorf("expected 2 listings, got %d", len(pair))}
	}
	subs := c.submissions(&pair[0])
	if len(subs) == 0 {
		return nil, fmt.Errorf("fetch comments of %s: %w", id, wtw.ErrNotFound)
	}

	var out []*wtw.Comment
	var more int
	c.flatten(&pair[1], subs[0], &out, &more)
	if more > 0 {
		c.logger.Debug("Comment tree truncated", "post_id", id, "collapsed", more)
	}
	return out, nil
}

func (c *Client) flatten(l *listing, sub *wtw.Submission, out *[]*wtw.Comment, more *int) {
	for _, ch := range l.Data.Children {
		if ch.Kind == "more" {
			*more++
			continue
		}
		if ch.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(ch.Data, &d); err != nil {
			c.logger.Warn("Skipping malformed comment", "post_id", sub.ID, "error", err)
			continue
		}
		*out = append(*out, d.comment(sub))
		if len(d.Replies) > 0 && d.Replies[0] == '{' {
			var replies listing
			if err := json.Unmarshal(d.Replies, &replies); err == nil {
				c.flatten(&replies, sub, out, more)
			}
		}
	}
}

// post sends a form to a write endpoint and surfaces API-level errors.
func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	form.Set("api_type", "json")
	var resp apiResponse
	if err := c.do(ctx, http.MethodPost, path, nil, form, &resp); err != nil {
		return err
	}
	if len(resp.JSON.Errors) > 0 {
		return fmt.Errorf("POST %s: api error %v", path, resp.JSON.Errors[0])
	}
	return nil
}

// ApplyFlair sets a submission's link flair.
func (c *Client) ApplyFlair(ctx context.Context, submissionID, text, templateID string) error {
	form := url.Values{"link": {"t3_" + submissionID}, "text": {text}}
	if templateID != "" {
		form.Set("flair_template_id", templateID)
	}
	if err := c.post(ctx, "/r/"+c.subreddit+"/api/selectflair", form); err != nil {
		return fmt.Errorf("apply flair to %s: %w", submissionID, err)
	}
	c.logger.Info("Flair applied", "post_id", submissionID, "text", text)
	return nil
}

// SetUserFlair sets a user's flair in the subreddit.
func (c *Client) SetUserFlair(ctx context.Context, username, text, templateID string) error {
	form := url.Values{"name": {username}, "text": {text}}
	if templateID != "" {
		form.Set("flair_template_id", templateID)
	}
	if err := c.post(ctx, "/r/"+c.subreddit+"/api/selectflair", form); err != nil {
		return fmt.Errorf("set user flair for %s: %w", username, err)
	}
	return nil
}

// MessageUser sends a private message. Failures are wtw.DeliveryError.
func (c *Client) MessageUser(ctx context.Context, username, subject, body string) error {
	form := url.Values{"to": {username}, "subject": {subject}, "text": {body}}
	if err := c.post(ctx, "/api/compose", form); err != nil {
		return &wtw.DeliveryError{User: username, Err: err}
	}
	return nil
}

// Moderators lists the subreddit's moderators.
func (c *Client) Moderators(ctx context.Context) ([]string, error) {
	var ul userList
	if err := c.do(ctx, http.MethodGet, "/r/"+c.subreddit+"/about/moderators", nil, nil, &ul); err != nil {
		return nil, fmt.Errorf("list moderators: %w", err)
	}
	names := make([]string, 0, len(ul.Data.Children))
	for _, ch := range ul.Data.Children {
		names = append(names, ch.Name)
	}
	return names, nil
}

// UnreadMessages returns up to limit unread inbox items. Comment replies and mentions are
// returned with Reply set so the caller can mark them read.
func (c *Client) UnreadMessages(ctx context.Context, limit int) ([]*wtw.Message, error) {
	var l listing
	q := url.Values{"limit": {strconv.Itoa(limit)}, "raw_json": {"1"}}
	if err := c.do(ctx, http.MethodGet, "/message/unread", q, nil, &l); err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	msgs := make([]*wtw.Message, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		if ch.Kind != "t4" && ch.Kind != "t1" {
			continue
		}
		var d messageData
		if err := json.Unmarshal(ch.Data, &d); err != nil {
			c.logger.Warn("Skipping malformed message", "error", err)
			continue
		}
		msgs = append(msgs, &wtw.Message{
			ID:      d.ID,
			Kind:    ch.Kind,
			Author:  author(d.Author),
			Subject: d.Subject,
			Body:    d.Body,
			Reply:   d.WasComment || ch.Kind == "t1",
		})
	}
	return msgs, nil
}

// MarkRead marks inbox items as read. names are fullnames such as "t4_abc" or "t1_xyz".
func (c *Client) MarkRead(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/api/read_message", nil, url.Values{"id": {strings.Join(names, ",")}}, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
