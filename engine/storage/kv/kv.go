// Package kv implements a task engine storage backend using a key-value interface.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/utils/kv"
)

// KV is a task engine storage backend using a key-value interface.
type KV struct {
	mu                sync.RWMutex
	taskStore         kv.TraversingBucket
	actionStore       kv.TraversingBucket
	tokenStore        kv.TraversingBucket
	notificationStore kv.TraversingBucket
}

// New creates a new key-value task engine storage backend.
func New(taskStore, actionStore, tokenStore, notificationStore kv.TraversingBucket) *KV {
	return &KV{
		taskStore:         taskStore,
		actionStore:       actionStore,
		tokenStore:        tokenStore,
		notificationStore: notificationStore,
	}
}

// getJSON retrieves key k from b and unmarshals it into v.
// A missing key is reported as storage.ErrNotFound.
func getJSON(ctx context.Context, b kv.Bucket, k string, v interface{}) error {
	raw, err := b.Get(ctx, k)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, k)
	} else if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func setJSON(ctx context.Context, b kv.Bucket, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return b.Set(ctx, k, raw)
}

// actionKey sorts lexically in action order within a task.
func actionKey(taskID string, order int) string {
	return fmt.Sprintf("%s.%06d", taskID, order)
}

func (s *KV) allTasks(ctx context.Context) ([]*storage.Task, error) {
	var tasks []*storage.Task
	cancel := make(chan struct{})
	defer close(cancel)
	for k := range s.taskStore.Keys(cancel) {
		t := new(storage.Task)
		if err := getJSON(ctx, s.taskStore, k, t); err != nil {
			return nil, fmt.Errorf("getting task %s: %w", k, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// checkActiveHash errors if an active task other than t shares its hash key.
func (s *KV) checkActiveHash(ctx context.Context, t *storage.Task) error {
	if !t.Active() || t.HashKey == "" {
		return nil
	}
	tasks, err := s.allTasks(ctx)
	if err != nil {
		return err
	}
	for _, other := range tasks {
		if other.ID != t.ID && other.Active() && other.HashKey == t.HashKey {
			return fmt.Errorf("%w: %s", storage.ErrActiveHashExists, other.ID)
		}
	}
	return nil
}

// CreateTask implements the storage interface method.
func (s *KV) CreateTask(ctx context.Context, t *storage.Task, actions []*storage.Action) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	for _, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("validating action: %w", err)
		}
		if a.TaskID != t.ID {
			return fmt.Errorf("action %s: task id mismatch", a.Name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.taskStore.Has(ctx, t.ID); err != nil {
		return fmt.Errorf("checking task exists: %w", err)
	} else if ok {
		return fmt.Errorf("task exists: %s", t.ID)
	}
	if err := s.checkActiveHash(ctx, t); err != nil {
		return err
	}
	for _, a := range actions {
		if err := setJSON(ctx, s.actionStore, actionKey(a.TaskID, a.Order), a); err != nil {
			return fmt.Errorf("setting action %s: %w", a.Name, err)
		}
	}
	if err := setJSON(ctx, s.taskStore, t.ID, t); err != nil {
		return fmt.Errorf("setting task: %w", err)
	}
	return nil
}

// StoreTask implements the storage interface method.
func (s *KV) StoreTask(ctx context.Context, t *storage.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.taskStore.Has(ctx, t.ID); err != nil {
		return fmt.Errorf("checking task exists: %w", err)
	} else if !ok {
		return fmt.Errorf("%w: task %s", storage.ErrNotFound, t.ID)
	}
	if err := s.checkActiveHash(ctx, t); err != nil {
		return err
	}
	return setJSON(ctx, s.taskStore, t.ID, t)
}

// RetrieveTask implements the storage interface method.
func (s *KV) RetrieveTask(ctx context.Context, id string) (*storage.Task, error) {
	if id == "" {
		return nil, storage.ErrMissingTaskID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := new(storage.Task)
	return t, getJSON(ctx, s.taskStore, id, t)
}

// RetrieveTasks implements the storage interface method.
func (s *KV) RetrieveTasks(ctx context.Context, filter *storage.TaskFilter) ([]*storage.Task, error) {
	s.mu.RLock()
	tasks, err := s.allTasks(ctx)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	var ret []*storage.Task
	for _, t := range tasks {
		if filter.Match(t) {
			ret = append(ret, t)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].CreatedOn.Equal(ret[j].CreatedOn) {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].CreatedOn.Before(ret[j].CreatedOn)
	})
	return ret, nil
}

// RetrieveActions implements the storage interface method.
func (s *KV) RetrieveActions(ctx context.Context, taskID string) ([]*storage.Action, error) {
	if taskID == "" {
		return nil, storage.ErrMissingTaskID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []*storage.Action
	for _, k := range kv.KeysWithPrefix(s.actionStore, taskID+".") {
		a := new(storage.Action)
		if err := getJSON(ctx, s.actionStore, k, a); err != nil {
			return nil, fmt.Errorf("getting action %s: %w", k, err)
		}
		ret = append(ret, a)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Order < ret[j].Order })
	return ret, nil
}

// StoreAction implements the storage interface method.
func (s *KV) StoreAction(ctx context.Context, a *storage.Action) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("validating action: %w", err)
	}
	key := actionKey(a.TaskID, a.Order)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.actionStore.Has(ctx, key); err != nil {
		return fmt.Errorf("checking action exists: %w", err)
	} else if !ok {
		return fmt.Errorf("%w: action %s", storage.ErrNotFound, key)
	}
	return setJSON(ctx, s.actionStore, key, a)
}

// StoreToken implements the storage interface method.
func (s *KV) StoreToken(ctx context.Context, t *storage.Token) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.tokenStore, t.Token, t)
}

// RetrieveToken implements the storage interface method.
func (s *KV) RetrieveToken(ctx context.Context, token string) (*storage.Token, error) {
	if token == "" {
		return nil, storage.ErrMissingToken
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := new(storage.Token)
	return t, getJSON(ctx, s.tokenStore, token, t)
}

func (s *KV) allTokens(ctx context.Context) ([]*storage.Token, error) {
	var tokens []*storage.Token
	cancel := make(chan struct{})
	defer close(cancel)
	for k := range s.tokenStore.Keys(cancel) {
		t := new(storage.Token)
		if err := getJSON(ctx, s.tokenStore, k, t); err != nil {
			return nil, fmt.Errorf("getting token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// RetrieveTaskTokens implements the storage interface method.
func (s *KV) RetrieveTaskTokens(ctx context.Context, taskID string) ([]*storage.Token, error) {
	if taskID == "" {
		return nil, storage.ErrMissingTaskID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens, err := s.allTokens(ctx)
	if err != nil {
		return nil, err
	}
	var ret []*storage.Token
	for _, t := range tokens {
		if t.TaskID == taskID {
			ret = append(ret, t)
		}
	}
	return ret, nil
}

// DeleteToken implements the storage interface method.
func (s *KV) DeleteToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenStore.Delete(ctx, token)
}

// DeleteTaskTokens implements the storage interface method.
func (s *KV) DeleteTaskTokens(ctx context.Context, taskID string) error {
	if taskID == "" {
		return storage.ErrMissingTaskID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.allTokens(ctx)
	if err != nil {
		return err
	}
	var del []string
	for _, t := range tokens {
		if t.TaskID == taskID {
			del = append(del, t.Token)
		}
	}
	return kv.DeleteSlice(ctx, s.tokenStore, del)
}

// DeleteExpiredTokens implements the storage interface method.
func (s *KV) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.allTokens(ctx)
	if err != nil {
		return 0, err
	}
	var del []string
	for _, t := range tokens {
		if t.Expired(now) {
			del = append(del, t.Token)
		}
	}
	return len(del), kv.DeleteSlice(ctx, s.tokenStore, del)
}

// StoreNotification implements the storage interface method.
func (s *KV) StoreNotification(ctx context.Context, n *storage.Notification) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("validating notification: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.notificationStore, n.ID, n)
}

// RetrieveNotification implements the storage interface method.
func (s *KV) RetrieveNotification(ctx context.Context, id string) (*storage.Notification, error) {
	if id == "" {
		return nil, storage.ErrMissingID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := new(storage.Notification)
	return n, getJSON(ctx, s.notificationStore, id, n)
}

// RetrieveNotifications implements the storage interface method.
func (s *KV) RetrieveNotifications(ctx context.Context, filter *storage.NotificationFilter) ([]*storage.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ret []*storage.Notification
	cancel := make(chan struct{})
	defer close(cancel)
	for k := range s.notificationStore.Keys(cancel) {
		n := new(storage.Notification)
		if err := getJSON(ctx, s.notificationStore, k, n); err != nil {
			return nil, fmt.Errorf("getting notification %s: %w", k, err)
		}
		if filter.Match(n) {
			ret = append(ret, n)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].CreatedOn.Equal(ret[j].CreatedOn) {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].CreatedOn.Before(ret[j].CreatedOn)
	})
	return ret, nil
}
