// Package config loads and validates the bot's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"

	"wtw-bot/pkg/wtw"
	"wtw-bot/rules"
)

// EnvPrefix prefixes every environment override, e.g. WTW_POLL_INTERVAL.
const EnvPrefix = "WTW"

type Config struct {
	Subreddit       string     `mapstructure:"subreddit" validate:"required"`
	DryRun          bool       `mapstructure:"dryRun"`
	Reddit          Reddit     `mapstructure:"reddit"`
	Storage         Storage    `mapstructure:"storage"`
	Flairs          Flairs     `mapstructure:"flairs"`
	OverrideMarkers []string   `mapstructure:"overrideMarkers"`
	Moderators      []string   `mapstructure:"moderators"`
	IgnoredAuthors  []string   `mapstructure:"ignoredAuthors"`
	Thresholds      Thresholds `mapstructure:"thresholds"`
	Points          Points     `mapstructure:"points"`
	Messages        Messages   `mapstructure:"messages"`
	Poll            Poll       `mapstructure:"poll"`
	Server          Server     `mapstructure:"server"`
	Metrics         Metrics    `mapstructure:"metrics"`
	Log             Log        `mapstructure:"log"`
}

// Reddit holds API credentials and client tuning.
type Reddit struct {
	ClientID     string        `mapstructure:"clientId" validate:"required"`
	ClientSecret string        `mapstructure:"clientSecret" validate:"required"`
	Username     string        `mapstructure:"username" validate:"required"`
	Password     string        `mapstructure:"password" validate:"required"`
	UserAgent    string        `mapstructure:"userAgent" validate:"required"`
	BaseURL      string        `mapstructure:"baseURL" validate:"required|fullUrl"`
	WebURL       string        `mapstructure:"webURL" validate:"required|fullUrl"`
	TokenURL     string        `mapstructure:"tokenURL" validate:"required|fullUrl"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"required|min:1"`
	Attempts     int           `mapstructure:"attempts" validate:"required|min:1"`
	Rate         float64       `mapstructure:"rate" validate:"required"`
	Burst        int           `mapstructure:"burst" validate:"required|min:1"`
}

// Storage selects and configures the status store backend.
type Storage struct {
	Backend         string `mapstructure:"backend" validate:"required|in:sqlite,gcs,local"`
	Path            string `mapstructure:"path"`      // sqlite database file
	Bucket          string `mapstructure:"bucket"`    // gcs
	LocalPath       string `mapstructure:"localPath"` // local
	CredentialsFile string `mapstructure:"credentialsFile"`
}

// Flairs maps each managed status to its post flair.
type Flairs struct {
	Unsolved  wtw.Flair `mapstructure:"unsolved"`
	Contested wtw.Flair `mapstructure:"contested"`
	Solved    wtw.Flair `mapstructure:"solved"`
	Abandoned wtw.Flair `mapstructure:"abandoned"`
	Unknown   wtw.Flair `mapstructure:"unknown"`
}

func (f Flairs) byStatus() map[wtw.Status]wtw.Flair {
	return map[wtw.Status]wtw.Flair{
		wtw.Unsolved:  f.Unsolved,
		wtw.Contested: f.Contested,
		wtw.Solved:    f.Solved,
		wtw.Abandoned: f.Abandoned,
		wtw.Unknown:   f.Unknown,
	}
}

type Thresholds struct {
	UnsolvedToAbandoned time.Duration `mapstructure:"unsolvedToAbandoned" validate:"required|min:1"`
	ContestedToUnknown  time.Duration `mapstructure:"contestedToUnknown" validate:"required|min:1"`
}

// Points configures rewards. Tiers has one more entry than Bounds: a user with fewer points
// than Bounds[i] (and at least Bounds[i-1]) gets Tiers[i].
type Points struct {
	PerSolve int         `mapstructure:"perSolve" validate:"required|min:1"`
	Bounds   []int       `mapstructure:"bounds"`
	Tiers    []wtw.Flair `mapstructure:"tiers"`
}

type Messages struct {
	Subject string `mapstructure:"subject" validate:"required"`
	Body    string `mapstructure:"body" validate:"required"`
	Footer  string `mapstructure:"footer"`
}

type Poll struct {
	Interval          time.Duration `mapstructure:"interval" validate:"required|min:1"`
	TransitionTimeout time.Duration `mapstructure:"transitionTimeout" validate:"required|min:1"`
	ModeratorRefresh  time.Duration `mapstructure:"moderatorRefresh"`
	SubmissionLimit   int           `mapstructure:"submissionLimit" validate:"required|min:1|max:100"`
	CommentLimit      int           `mapstructure:"commentLimit" validate:"required|min:1|max:100"`
	MessageLimit      int           `mapstructure:"messageLimit" validate:"required|min:1|max:100"`
	Workers           int           `mapstructure:"workers" validate:"required|min:1"`
	SeenCacheBytes    int           `mapstructure:"seenCacheBytes" validate:"required|min:1"`
	SeenTTL           time.Duration `mapstructure:"seenTTL"`
}

type Server struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	PassTimeout  time.Duration `mapstructure:"passTimeout"`
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"required|in:debug,info,warn,error"`
	Format string `mapstructure:"format" validate:"required|in:json,text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("subreddit", "whatstheword")
	v.SetDefault("dryRun", false)

	v.SetDefault("reddit.clientId", "")
	v.SetDefault("reddit.clientSecret", "")
	v.SetDefault("reddit.username", "")
	v.SetDefault("reddit.password", "")
	v.SetDefault("reddit.userAgent", "wtw-bot/1.0")
	v.SetDefault("reddit.baseURL", "https://oauth.reddit.com")
	v.SetDefault("reddit.webURL", "https://www.reddit.com")
	v.SetDefault("reddit.tokenURL", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("reddit.timeout", 30*time.Second)
	v.SetDefault("reddit.attempts", 3)
	v.SetDefault("reddit.rate", 1.0)
	v.SetDefault("reddit.burst", 5)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "wtw.db")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.localPath", "./data")
	v.SetDefault("storage.credentialsFile", "")

	v.SetDefault("overrideMarkers", rules.DefaultOverrideMarkers)
	v.SetDefault("moderators", []string{})
	v.SetDefault("ignoredAuthors", []string{"AutoModerator"})

	v.SetDefault("thresholds.unsolvedToAbandoned", 24*time.Hour)
	v.SetDefault("thresholds.contestedToUnknown", 48*time.Hour)

	v.SetDefault("points.perSolve", 1)

	v.SetDefault("messages.subject", "A post you follow on r/{forum} was solved")
	v.SetDefault("messages.body", "Hi u/{user}, the post \"{title}\" you subscribed to has been solved: {permalink}")
	v.SetDefault("messages.footer", "^(I am a bot for r/{forum}. Message me with the subject \"subscribe\" and a post id to follow another post.)")

	v.SetDefault("poll.interval", time.Minute)
	v.SetDefault("poll.transitionTimeout", time.Minute)
	v.SetDefault("poll.moderatorRefresh", time.Hour)
	v.SetDefault("poll.submissionLimit", 10)
	v.SetDefault("poll.commentLimit", 50)
	v.SetDefault("poll.messageLimit", 25)
	v.SetDefault("poll.workers", 4)
	v.SetDefault("poll.seenCacheBytes", 1<<20)
	v.SetDefault("poll.seenTTL", 24*time.Hour)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.pollInterval", 10*time.Second)
	v.SetDefault("server.passTimeout", 5*time.Minute)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the YAML file at path (skipped when path is empty), applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The deployment environment predates the prefix.
	for key, env := range map[string]string{
		"reddit.clientId":     "ID",
		"reddit.clientSecret": "SECRET",
		"reddit.username":     "REDDIT_USERNAME",
		"reddit.password":     "PASSWORD",
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field rules and cross-field constraints.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    any
	}{
		{"config", c},
		{"reddit", &c.Reddit},
		{"storage", &c.Storage},
		{"thresholds", &c.Thresholds},
		{"points", &c.Points},
		{"messages", &c.Messages},
		{"poll", &c.Poll},
		{"log", &c.Log},
	}
	for _, s := range sections {
		v := validate.Struct(s.v)
		v.StopOnError = false
		if !v.Validate() {
			return fmt.Errorf("invalid %s: %w", s.name, v.Errors)
		}
	}

	var errs []error
	for st, f := range c.Flairs.byStatus() {
		if f.Text == "" && f.TemplateID == "" {
			errs = append(errs, fmt.Errorf("flairs.%s: text or id is required", st))
		}
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite backend"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	case "local":
		if c.Storage.LocalPath == "" {
			errs = append(errs, errors.New("storage.localPath is required for the local backend"))
		}
	}
	if !slices.IsSorted(c.Points.Bounds) || len(slices.Compact(slices.Clone(c.Points.Bounds))) != len(c.Points.Bounds) {
		errs = append(errs, fmt.Errorf("points.bounds must be strictly ascending: %v", c.Points.Bounds))
	}
	if len(c.Points.Tiers) > 0 && len(c.Points.Tiers) != len(c.Points.Bounds)+1 {
		errs = append(errs, fmt.Errorf("points.tiers needs %d entries for %d bounds, got %d",
			len(c.Points.Bounds)+1, len(c.Points.Bounds), len(c.Points.Tiers)))
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}
	return errors.Join(errs...)
}

// Policy builds the rule snapshot. The bot's own account is always ignored.
func (c *Config) Policy() *rules.Policy {
	ignored := make(map[string]bool, len(c.IgnoredAuthors)+1)
	for _, name := range c.IgnoredAuthors {
		ignored[strings.ToLower(name)] = true
	}
	if c.Reddit.Username != "" {
		ignored[strings.ToLower(c.Reddit.Username)] = true
	}
	markers := c.OverrideMarkers
	if len(markers) == 0 {
		markers = rules.DefaultOverrideMarkers
	}
	return &rules.Policy{
		Flairs:          c.Flairs.byStatus(),
		IgnoredAuthors:  ignored,
		OverrideMarkers: markers,
		TierBounds:      c.Points.Bounds,
		Tiers:           c.Points.Tiers,
	}
}
