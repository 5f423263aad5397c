package reddit

import (
	"time"

	"github.com/goccy/go-json"

	"wtw-bot/pkg/wtw"
)

// deletedAuthor is what the API reports for removed accounts.
const deletedAuthor = "[deleted]"

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

type linkData struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Author              string  `json:"author"`
	Title               string  `json:"title"`
	Permalink           string  `json:"permalink"`
	Subreddit           string  `json:"subreddit"`
	LinkFlairText       string  `json:"link_flair_text"`
	LinkFlairTemplateID string  `json:"link_flair_template_id"`
	CreatedUTC          float64 `json:"created_utc"`
}

type commentData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Author    string          `json:"author"`
	Body      string          `json:"body"`
	ParentID  string          `json:"parent_id"`
	LinkID    string          `json:"link_id"`
	Subreddit string          `json:"subreddit"`
	Replies   json.RawMessage `json:"replies"` // "" or a listing
}

type messageData struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Author     string `json:"author"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	WasComment bool   `json:"was_comment"`
}

type userList struct {
	Data struct {
		Children []struct {
			Name string `json:"name"`
		} `json:"children"`
	} `json:"data"`
}

// apiResponse is the envelope POST endpoints return with api_type=json.
type apiResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
	} `json:"json"`
}

func author(name string) string {
	if name == deletedAuthor {
		return ""
	}
	return name
}

func (d *linkData) submission(baseURL string) *wtw.Submission {
	permalink := d.Permalink
	if permalink != "" && permalink[0] == '/' {
		permalink = baseURL + permalink
	}
	return &wtw.Submission{
		CreatedAt:       time.Unix(int64(d.CreatedUTC), 0).UTC(),
		ID:              d.ID,
		Author:          author(d.Author),
		Title:           d.Title,
		Permalink:       permalink,
		Subreddit:       d.Subreddit,
		FlairText:       d.LinkFlairText,
		FlairTemplateID: d.LinkFlairTemplateID,
	}
}

func (d *commentData) comment(sub *wtw.Submission) *wtw.Comment {
	return &wtw.Comment{
		Submission: sub,
		ID:         d.ID,
		Author:     author(d.Author),
		Body:       d.Body,
		ParentID:   d.ParentID,
	}
}
