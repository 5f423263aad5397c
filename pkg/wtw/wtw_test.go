package wtw

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusRoundTrip(t *testing.T) {
	for _, st := range Statuses() {
		got, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
}

func TestParseStatusRejectsUnknownStrings(t *testing.T) {
	for _, s := range []string{"", "Solved", "overriden", "resolved"} {
		_, err := ParseStatus(s)
		assert.True(t, IsValidation(err), "expected ValidationError for %q", s)
	}
}

func TestStatusValid(t *testing.T) {
	assert.False(t, Status(0).Valid())
	assert.False(t, Status(42).Valid())
	assert.Equal(t, "invalid", Status(42).String())
	assert.True(t, Overridden.Valid())
}

func TestSubmissionHasFlair(t *testing.T) {
	solved := Flair{Text: "Solved!", TemplateID: "tmpl-solved"}

	tests := []struct {
		name string
		sub  Submission
		want bool
	}{
		{"matching text", Submission{FlairText: "Solved!"}, true},
		{"matching template", Submission{FlairTemplateID: "tmpl-solved"}, true},
		{"no flair", Submission{}, false},
		{"other flair", Submission{FlairText: "Unsolved", FlairTemplateID: "tmpl-unsolved"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.HasFlair(solved))
		})
	}

	assert.False(t, (&Submission{}).HasFlair(Flair{}), "empty flair must never match an unflaired post")
}

func TestCommentParentage(t *testing.T) {
	sub := &Submission{ID: "abc123", Author: "alice"}

	top := &Comment{ID: "c1", Author: "bob", ParentID: sub.Fullname(), Submission: sub}
	assert.True(t, top.IsTopLevel())
	assert.Empty(t, top.ParentCommentID())
	assert.False(t, top.ByOP())

	reply := &Comment{ID: "c2", Author: "alice", ParentID: top.Fullname(), Submission: sub}
	assert.False(t, reply.IsTopLevel())
	assert.Equal(t, "c1", reply.ParentCommentID())
	assert.True(t, reply.ByOP())

	orphan := &Comment{ID: "c3", Author: "alice"}
	assert.False(t, orphan.ByOP())
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("fetch submission: %w", &TransientError{Op: "GET /api/info", Err: errors.New("timeout")})
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsNotFound(wrapped))

	nf := fmt.Errorf("fetch submission: %w", ErrNotFound)
	assert.True(t, IsNotFound(nf))

	var de *DeliveryError
	err := fmt.Errorf("notify: %w", &DeliveryError{User: "bob", Err: errors.New("blocked")})
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "bob", de.User)
}
