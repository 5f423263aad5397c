// Package wtw contains the core domain types for the question-tracking moderation bot.
package wtw

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a tracked post.
type Status uint8

// The zero Status is invalid; it never reaches the store.
const (
	Unsolved Status = iota + 1
	Contested
	Solved
	Abandoned
	Unknown
	Overridden
)

var statusNames = [...]string{
	Unsolved:   "unsolved",
	Contested:  "contested",
	Solved:     "solved",
	Abandoned:  "abandoned",
	Unknown:    "unknown",
	Overridden: "overridden",
}

// Statuses lists every valid status in declaration order.
func Statuses() []Status {
	return []Status{Unsolved, Contested, Solved, Abandoned, Unknown, Overridden}
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s >= Unsolved && s <= Overridden
}

func (s Status) String() string {
	if !s.Valid() {
		return "invalid"
	}
	return statusNames[s]
}

// ParseStatus converts a stored status string back into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses() {
		if statusNames[st] == s {
			return st, nil
		}
	}
	return 0, &ValidationError{Field: "status", Value: s}
}

// Flair is a link or user flair: visible text plus the forum's template id.
type Flair struct {
	Text       string `mapstructure:"text" json:"text"`
	TemplateID string `mapstructure:"id" json:"id"`
}

// Submission is a post on the monitored forum.
// Empty Author means the account was deleted or is otherwise unavailable.
type Submission struct {
	CreatedAt       time.Time
	ID              string
	Author          string
	Title           string
	Permalink       string
	Subreddit       string
	FlairText       string
	FlairTemplateID string
}

// Fullname returns the forum-wide identifier used in parent references.
func (s *Submission) Fullname() string {
	return "t3_" + s.ID
}

// HasFlair reports whether the submission currently shows f, matched by text or template id.
func (s *Submission) HasFlair(f Flair) bool {
	if f.Text != "" && s.FlairText == f.Text {
		return true
	}
	return f.TemplateID != "" && s.FlairTemplateID == f.TemplateID
}

// Comment is a reply on a submission.
type Comment struct {
	Submission *Submission // Back-reference, nil if the listing did not include it
	ID         string
	Author     string
	Body       string
	ParentID   string // Fullname: "t3_..." for top-level comments, "t1_..." for replies
}

// Fullname returns the forum-wide identifier used in parent references.
func (c *Comment) Fullname() string {
	return "t1_" + c.ID
}

// IsTopLevel reports whether the comment replies directly to its submission.
func (c *Comment) IsTopLevel() bool {
	return strings.HasPrefix(c.ParentID, "t3_")
}

// ParentCommentID returns the bare id of the parent comment, or "" for top-level comments.
func (c *Comment) ParentCommentID() string {
	if id, ok := strings.CutPrefix(c.ParentID, "t1_"); ok {
		return id
	}
	return ""
}

// ByOP reports whether the comment was written by the submission's author.
func (c *Comment) ByOP() bool {
	return c.Submission != nil && c.Author != "" && c.Author == c.Submission.Author
}

// Message is a private message received by the bot.
type Message struct {
	ID      string
	Kind    string // "t4" for private messages (the default), "t1" for comment replies
	Author  string
	Subject string
	Body    string
	Reply   bool // comment reply or mention delivered to the inbox
}

// Fullname returns the forum-wide identifier used when marking messages read.
func (m *Message) Fullname() string {
	if m.Kind == "" {
		return "t4_" + m.ID
	}
	return m.Kind + "_" + m.ID
}
