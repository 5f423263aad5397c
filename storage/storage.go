// Package storage persists post status, subscribers and user points.
//
// Two backends share one method set: SQL (sqlite) and Object (a GCS bucket, or a local
// directory for development).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"wtw-bot/pkg/wtw"
)

const (
	postPrefix = "post-"
	subsPrefix = "subs-"
	userPrefix = "user-"
)

type postRecord struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	LastChecked int64  `json:"last_checked"`
}

type subscribersRecord struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
}

type userRecord struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

var errConflict = errors.New("object changed concurrently")

// Object stores one JSON object per post, subscriber set and user.
type Object struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.RWMutex // guards read-modify-write in local mode
}

// NewObject creates an object store. When localPath is set the bucket is ignored and objects
// are files in that directory.
func NewObject(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Object {
	return &Object{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SetClock replaces the clock used to stamp transitions and compute ages.
func (s *Object) SetClock(now func() time.Time) {
	s.now = now
}

// Close is a no-op; the GCS client is owned by the caller.
func (*Object) Close() error {
	return nil
}

// objectKey builds a key from a prefix and an id, rejecting ids that could escape the
// prefix namespace or the local directory.
func objectKey(prefix, id string) (string, error) {
	if id == "" || len(id) > 64 {
		return "", &wtw.ValidationError{Field: "key", Value: id}
	}
	for _, c := range id {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			return "", &wtw.ValidationError{Field: "key", Value: id}
		}
	}
	return prefix + id + ".json", nil
}

func (s *Object) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// read loads key into v. It returns the object generation (GCS only) and whether the object exists.
func (s *Object) read(ctx context.Context, key string, v any) (gen int64, found bool, err error) {
	var data []byte
	if s.localPath != "" {
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err = retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()
				gen = r.Attrs.Generation
				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "read", key)...,
		)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) || strings.Contains(err.Error(), storage.ErrObjectNotExist.Error()) {
				return 0, false, nil
			}
			return 0, false, &wtw.TransientError{Op: "read " + key, Err: err}
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return gen, true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return gen, true, nil
}

// writeGCS writes data under key once, honouring the optional precondition.
func (s *Object) writeGCS(ctx context.Context, key string, data []byte, cond *storage.Conditions) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	if cond != nil {
		obj = obj.If(*cond)
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return errConflict
		}
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// write stores v under key, replacing any existing object.
func (s *Object) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.WriteFile(filepath.Join(s.localPath, key), data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}
	err = retry.Do(
		func() error { return s.writeGCS(ctx, key, data, nil) },
		s.retryOptions(ctx, "write", key)...,
	)
	if err != nil {
		return &wtw.TransientError{Op: "write " + key, Err: err}
	}
	return nil
}

// remove deletes key. Removing an absent object is not an error.
func (s *Object) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}
	var gone bool
	err := retry.Do(
		func() error {
			if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					gone = true
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return &wtw.TransientError{Op: "delete " + key, Err: err}
	}
	if gone {
		s.logger.Debug("Object already absent", "key", key)
	}
	return nil
}

// update runs a read-modify-write on key. mutate reports whether the record should be written.
// In GCS mode the write is conditioned on the generation that was read and retried on conflict;
// in local mode the whole cycle holds the store mutex.
func update[T any](ctx context.Context, s *Object, key string, mutate func(rec *T, found bool) (bool, error)) (T, error) {
	var zero T
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		var rec T
		_, found, err := s.read(ctx, key, &rec)
		if err != nil {
			return zero, err
		}
		write, err := mutate(&rec, found)
		if err != nil || !write {
			return rec, err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return zero, fmt.Errorf("marshal %s: %w", key, err)
		}
		if err := os.WriteFile(filepath.Join(s.localPath, key), data, 0o600); err != nil {
			return zero, fmt.Errorf("write to local storage: %w", err)
		}
		return rec, nil
	}

	var result T
	var mutateErr error
	opts := append(s.retryOptions(ctx, "update", key), retry.Attempts(10), retry.Delay(100*time.Millisecond))
	err := retry.Do(
		func() error {
			var rec T
			gen, found, err := s.read(ctx, key, &rec)
			if err != nil {
				return err
			}
			write, err := mutate(&rec, found)
			if err != nil {
				mutateErr = err
				return retry.Unrecoverable(err)
			}
			result = rec
			if !write {
				return nil
			}
			data, err := json.Marshal(rec)
			if err != nil {
				mutateErr = fmt.Errorf("marshal %s: %w", key, err)
				return retry.Unrecoverable(mutateErr)
			}
			cond := storage.Conditions{DoesNotExist: true}
			if found {
				cond = storage.Conditions{GenerationMatch: gen}
			}
			return s.writeGCS(ctx, key, data, &cond)
		},
		opts...,
	)
	if mutateErr != nil {
		return zero, mutateErr
	}
	if err != nil {
		return zero, &wtw.TransientError{Op: "update " + key, Err: err}
	}
	return result, nil
}

// keys lists object names with the given prefix.
func (s *Object) keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		return names, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &wtw.TransientError{Op: "list " + prefix, Err: err}
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Get returns the stored status of a post. found is false when no record exists.
func (s *Object) Get(ctx context.Context, postID string) (wtw.Status, bool, error) {
	key, err := objectKey(postPrefix, postID)
	if err != nil {
		return 0, false, err
	}
	if s.localPath != "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	var rec postRecord
	_, found, err := s.read(ctx, key, &rec)
	if err != nil || !found {
		return 0, false, err
	}
	st, err := wtw.ParseStatus(rec.Status)
	if err != nil {
		return 0, false, fmt.Errorf("get post %s: %w", postID, err)
	}
	return st, true, nil
}

// Put writes status for a post, stamping the current time. An existing record is replaced.
func (s *Object) Put(ctx context.Context, postID string, st wtw.Status) error {
	if !st.Valid() {
		return &wtw.ValidationError{Field: "status", Value: fmt.Sprint(uint8(st))}
	}
	key, err := objectKey(postPrefix, postID)
	if err != nil {
		return err
	}
	rec := postRecord{ID: postID, Status: st.String(), LastChecked: s.now().Unix()}
	if err := s.write(ctx, key, rec); err != nil {
		return fmt.Errorf("put post %s: %w", postID, err)
	}
	return nil
}

// DeletePost removes a post record and its subscribers.
func (s *Object) DeletePost(ctx context.Context, postID string) error {
	key, err := objectKey(postPrefix, postID)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, key); err != nil {
		return fmt.Errorf("delete post %s: %w", postID, err)
	}
	return s.ClearSubscribers(ctx, postID)
}

// posts loads every post record, skipping objects that fail to load.
func (s *Object) posts(ctx context.Context) ([]postRecord, error) {
	names, err := s.keys(ctx, postPrefix)
	if err != nil {
		return nil, err
	}
	if s.localPath != "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	recs := make([]postRecord, 0, len(names))
	for _, name := range names {
		var rec postRecord
		_, found, err := s.read(ctx, name, &rec)
		if err != nil {
			s.logger.Warn("Failed to load post record", "key", name, "error", err)
			continue
		}
		if found {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// ListOlderThan returns the ids of posts in status whose last transition is at least threshold ago.
func (s *Object) ListOlderThan(ctx context.Context, st wtw.Status, threshold time.Duration) ([]string, error) {
	if !st.Valid() {
		return nil, &wtw.ValidationError{Field: "status", Value: fmt.Sprint(uint8(st))}
	}
	recs, err := s.posts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s posts: %w", st, err)
	}
	cutoff := s.now().Add(-threshold).Unix()
	ids := []string{}
	for _, rec := range recs {
		if rec.Status == st.String() && rec.LastChecked <= cutoff {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

// CountByStatus returns the number of posts per status.
func (s *Object) CountByStatus(ctx context.Context) (map[wtw.Status]int, error) {
	recs, err := s.posts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}
	counts := make(map[wtw.Status]int)
	for _, rec := range recs {
		st, err := wtw.ParseStatus(rec.Status)
		if err != nil {
			s.logger.Warn("Skipping unrecognised stored status", "post_id", rec.ID, "status", rec.Status)
			continue
		}
		counts[st]++
	}
	return counts, nil
}

// AddSubscriber records name as a subscriber of postID. Adding twice is a no-op.
func (s *Object) AddSubscriber(ctx context.Context, postID, name string) error {
	key, err := objectKey(subsPrefix, postID)
	if err != nil {
		return err
	}
	_, err = update(ctx, s, key, func(rec *subscribersRecord, _ bool) (bool, error) {
		rec.ID = postID
		for _, n := range rec.Names {
			if n == name {
				return false, nil
			}
		}
		rec.Names = append(rec.Names, name)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("add subscriber %s to %s: %w", name, postID, err)
	}
	return nil
}

// IsSubscribed reports whether name is subscribed to postID.
func (s *Object) IsSubscribed(ctx context.Context, postID, name string) (bool, error) {
	names, err := s.ListSubscribers(ctx, postID)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// ListSubscribers returns the subscribers of postID in insertion order; never nil.
func (s *Object) ListSubscribers(ctx context.Context, postID string) ([]string, error) {
	key, err := objectKey(subsPrefix, postID)
	if err != nil {
		return nil, err
	}
	if s.localPath != "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	var rec subscribersRecord
	if _, _, err := s.read(ctx, key, &rec); err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", postID, err)
	}
	if rec.Names == nil {
		return []string{}, nil
	}
	return rec.Names, nil
}

// ClearSubscribers removes every subscriber of postID.
func (s *Object) ClearSubscribers(ctx context.Context, postID string) error {
	key, err := objectKey(subsPrefix, postID)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, key); err != nil {
		return fmt.Errorf("clear subscribers of %s: %w", postID, err)
	}
	return nil
}

// GetPoints returns the points of a user; absent users have zero.
func (s *Object) GetPoints(ctx context.Context, name string) (int, error) {
	key, err := objectKey(userPrefix, name)
	if err != nil {
		return 0, err
	}
	if s.localPath != "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	var rec userRecord
	if _, _, err := s.read(ctx, key, &rec); err != nil {
		return 0, fmt.Errorf("get points of %s: %w", name, err)
	}
	return rec.Points, nil
}

// AddPoints adds delta to a user's points and returns the new total, clamped at zero.
func (s *Object) AddPoints(ctx context.Context, name string, delta int) (int, error) {
	key, err := objectKey(userPrefix, name)
	if err != nil {
		return 0, err
	}
	rec, err := update(ctx, s, key, func(rec *userRecord, _ bool) (bool, error) {
		rec.Name = name
		rec.Points = max(rec.Points+delta, 0)
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("add %d points to %s: %w", delta, name, err)
	}
	return rec.Points, nil
}

// SetPoints overwrites a user's points.
func (s *Object) SetPoints(ctx context.Context, name string, points int) error {
	if points < 0 {
		return &wtw.ValidationError{Field: "points", Value: fmt.Sprint(points)}
	}
	key, err := objectKey(userPrefix, name)
	if err != nil {
		return err
	}
	if err := s.write(ctx, key, userRecord{Name: name, Points: points}); err != nil {
		return fmt.Errorf("set points of %s: %w", name, err)
	}
	return nil
}
