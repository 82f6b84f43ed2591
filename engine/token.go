package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/action"
	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"
)

func (t *Task) tokenExpiry() time.Duration {
	if t.Type.TokenExpiry > 0 {
		return t.Type.TokenExpiry
	}
	return t.m.tokenExpiry
}

// issueToken replaces the task tokens with a new one.
func (t *Task) issueToken(ctx context.Context) (*storage.Token, error) {
	if err := t.m.store.DeleteTaskTokens(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("deleting tokens: %w", err)
	}
	now := t.m.now()
	token := &storage.Token{
		Token:     t.m.tokenIDer.ID(),
		TaskID:    t.ID,
		CreatedOn: now,
		Expires:   now.Add(t.tokenExpiry()),
	}
	if err := t.m.store.StoreToken(ctx, token); err != nil {
		return nil, fmt.Errorf("storing token: %w", err)
	}
	t.m.taskLogger(ctx, t.Task).Debug(
		logkeys.Message, "issued token",
		"expires", token.Expires,
	)
	t.stageNotify(ctx, EventToken, token)
	return token, nil
}

// Token returns the unexpired token.
// Expired tokens are deleted and reported as not found.
func (m *Manager) Token(ctx context.Context, token string) (*storage.Token, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	tok, err := m.store.RetrieveToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	} else if err != nil {
		return nil, fmt.Errorf("retrieving token: %w", err)
	}
	if tok.Expired(m.now()) {
		if err = m.store.DeleteToken(ctx, token); err != nil {
			return nil, fmt.Errorf("deleting expired token: %w", err)
		}
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// TokenTask returns the task of an unexpired token.
func (m *Manager) TokenTask(ctx context.Context, token string) (*Task, error) {
	tok, err := m.Token(ctx, token)
	if err != nil {
		return nil, err
	}
	t, err := m.load(ctx, tok.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		// orphaned token
		return nil, ErrTokenNotFound
	}
	return t, err
}

// TokenFields returns the fields a submission of token must supply.
func (m *Manager) TokenFields(ctx context.Context, token string) ([]string, error) {
	t, err := m.TokenTask(ctx, token)
	if err != nil {
		return nil, err
	}
	return t.TokenFields(), nil
}

// SubmitToken submits the task of token with tokenData.
func (m *Manager) SubmitToken(ctx context.Context, token string, tokenData action.Data, requester action.Requester) (*Task, error) {
	t, err := m.TokenTask(ctx, token)
	if err != nil {
		return nil, err
	}
	return t, t.Submit(ctx, tokenData, requester)
}
