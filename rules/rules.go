// Package rules decides lifecycle transitions for tracked posts.
//
// Every function here is pure: it looks at the stored status and the signals visible on the
// forum and returns a Decision. Applying the decision (store write, flair call, notification)
// is the caller's job.
package rules

import (
	"strconv"
	"strings"

	"wtw-bot/pkg/wtw"
)

// Rule names the rule that produced a decision; it is used in logs and metrics.
type Rule string

const (
	RuleNone           Rule = ""
	RuleOverridden     Rule = "overridden"      // stored overridden, nothing may move it
	RuleOverrideMarker Rule = "override-marker" // moderator flair marker found
	RuleIngestMod      Rule = "ingest-moderator"
	RuleIngest         Rule = "ingest"
	RuleOPSolved       Rule = "op-solved"
	RuleOPContested    Rule = "op-contested"
	RuleReplyContested Rule = "reply-contested"
	RuleSweepSolved    Rule = "sweep-solved"
	RuleSweepAbandoned Rule = "sweep-abandoned"
	RuleSweepUnknown   Rule = "sweep-unknown"
	RuleIgnoredAuthor  Rule = "ignored-author"
)

// Decision is the outcome of evaluating the rules for one event.
type Decision struct {
	Flair  *wtw.Flair // Flair to apply after the store write; nil means no flair call
	Rule   Rule
	Status wtw.Status // Target status; zero means no transition
	Notify bool       // Fan out to subscribers once the write succeeds
	// RewardParent is the id of the comment OP's solving comment replied to.
	// The caller fetches it and checks Rewardable before crediting its author.
	RewardParent string
}

// Transition reports whether the decision writes a new status.
func (d Decision) Transition() bool {
	return d.Status != 0
}

// Policy is the read-only configuration snapshot the rules evaluate against.
type Policy struct {
	Flairs          map[wtw.Status]wtw.Flair
	IgnoredAuthors  map[string]bool // Lower-cased usernames whose comments are skipped
	OverrideMarkers []string
	TierBounds      []int       // Ascending point bounds
	Tiers           []wtw.Flair // One longer than TierBounds
}

// Flair returns the configured flair for a status.
func (p *Policy) Flair(st wtw.Status) wtw.Flair {
	return p.Flairs[st]
}

func (p *Policy) flairFor(st wtw.Status) *wtw.Flair {
	f := p.Flairs[st]
	return &f
}

func (p *Policy) ignored(author string) bool {
	return p.IgnoredAuthors[strings.ToLower(author)]
}

// CheckOverride evaluates rule 1. When stop is true no other rule may run for this event;
// the decision carries a transition only the first time the override marker is seen.
func (p *Policy) CheckOverride(stored wtw.Status, found bool, sub *wtw.Submission) (d Decision, stop bool) {
	if found && stored == wtw.Overridden {
		return Decision{Rule: RuleOverridden}, true
	}
	if HasOverrideMarker(sub.FlairText, p.OverrideMarkers) {
		return Decision{Rule: RuleOverrideMarker, Status: wtw.Overridden}, true
	}
	return Decision{}, false
}

// Ingest evaluates a submission seen in the new-submission stream (rules 1 and 2).
func (p *Policy) Ingest(stored wtw.Status, found bool, sub *wtw.Submission, authorIsMod bool) (Decision, error) {
	if d, stop := p.CheckOverride(stored, found, sub); stop {
		return d, nil
	}
	if found {
		// Already tracked; later events move it.
		return Decision{}, nil
	}
	if sub.Author == "" {
		return Decision{}, &wtw.ValidationError{Field: "author", Value: sub.ID}
	}
	if authorIsMod {
		return Decision{Rule: RuleIngestMod, Status: wtw.Overridden}, nil
	}

	d := Decision{Rule: RuleIngest, Status: wtw.Unsolved}
	if !sub.HasFlair(p.Flair(wtw.Unsolved)) {
		d.Flair = p.flairFor(wtw.Unsolved)
	}
	return d, nil
}

// OnComment evaluates a comment from the new-comment stream (rules 1, 3 and 4).
func (p *Policy) OnComment(stored wtw.Status, found bool, c *wtw.Comment) (Decision, error) {
	sub := c.Submission
	if sub == nil {
		return Decision{}, &wtw.ValidationError{Field: "submission", Value: c.ID}
	}
	if c.Author == "" || sub.Author == "" {
		return Decision{}, &wtw.ValidationError{Field: "author", Value: c.ID}
	}
	if p.ignored(c.Author) {
		return Decision{Rule: RuleIgnoredAuthor}, nil
	}
	if d, stop := p.CheckOverride(stored, found, sub); stop {
		return d, nil
	}

	solved := p.Flair(wtw.Solved)
	contested := p.Flair(wtw.Contested)

	if c.ByOP() {
		if SolvedIn(c.Body) && !sub.HasFlair(solved) {
			return Decision{
				Rule:         RuleOPSolved,
				Status:       wtw.Solved,
				Flair:        p.flairFor(wtw.Solved),
				Notify:       true,
				RewardParent: c.ParentCommentID(),
			}, nil
		}
		if !sub.HasFlair(contested) && !sub.HasFlair(solved) {
			return Decision{Rule: RuleOPContested, Status: wtw.Contested, Flair: p.flairFor(wtw.Contested)}, nil
		}
		return Decision{}, nil
	}

	if !found {
		return Decision{}, nil
	}
	switch stored {
	case wtw.Unsolved, wtw.Contested, wtw.Unknown:
	default:
		return Decision{}, nil
	}
	if sub.HasFlair(solved) || sub.HasFlair(p.Flair(wtw.Unsolved)) || sub.HasFlair(contested) {
		return Decision{}, nil
	}
	return Decision{Rule: RuleReplyContested, Status: wtw.Contested, Flair: p.flairFor(wtw.Contested)}, nil
}

// Expire evaluates an aged-out post during a sweep (rules 1, 5 and 6). solvedEvidence is true
// when any of OP's comments on the post announces a solve.
func (p *Policy) Expire(stored wtw.Status, sub *wtw.Submission, solvedEvidence bool) Decision {
	if d, stop := p.CheckOverride(stored, true, sub); stop {
		return d
	}

	var target wtw.Status
	var rule Rule
	switch stored {
	case wtw.Unsolved:
		target, rule = wtw.Abandoned, RuleSweepAbandoned
	case wtw.Contested:
		target, rule = wtw.Unknown, RuleSweepUnknown
	default:
		// The record moved on since it was listed.
		return Decision{}
	}

	if solvedEvidence || sub.HasFlair(p.Flair(wtw.Solved)) {
		return Decision{Rule: RuleSweepSolved, Status: wtw.Solved, Flair: p.flairFor(wtw.Solved), Notify: true}
	}
	return Decision{Rule: rule, Status: target, Flair: p.flairFor(target)}
}

// SolvedInComments reports whether OP announced a solve in any of the comments.
func SolvedInComments(sub *wtw.Submission, comments []*wtw.Comment) bool {
	if sub.Author == "" {
		return false
	}
	for _, c := range comments {
		if c.Author == sub.Author && SolvedIn(c.Body) {
			return true
		}
	}
	return false
}

// Rewardable reports whether parent's author earns a point for OP's solving comment:
// solving must reply directly to parent, parent must be a top-level comment, and its author
// must be someone other than OP.
func (p *Policy) Rewardable(solving, parent *wtw.Comment) bool {
	if parent == nil || solving.Submission == nil {
		return false
	}
	if solving.ParentCommentID() != parent.ID || !parent.IsTopLevel() {
		return false
	}
	if parent.Author == "" || parent.Author == solving.Submission.Author || p.ignored(parent.Author) {
		return false
	}
	return true
}

// TierIndex returns the index of the smallest bound strictly greater than points,
// or len(bounds) when no bound exceeds it.
func TierIndex(bounds []int, points int) int {
	for i, b := range bounds {
		if points < b {
			return i
		}
	}
	return len(bounds)
}

// TierFlair returns the user flair for a point total. "{points}" in the tier text is replaced
// with the total.
func (p *Policy) TierFlair(points int) (wtw.Flair, int) {
	i := TierIndex(p.TierBounds, points)
	if len(p.Tiers) == 0 {
		return wtw.Flair{}, i
	}
	if i >= len(p.Tiers) {
		i = len(p.Tiers) - 1
	}
	f := p.Tiers[i]
	f.Text = strings.ReplaceAll(f.Text, "{points}", strconv.Itoa(points))
	return f, i
}
