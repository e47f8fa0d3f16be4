package provider

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/loginkeeper/internal/browser/browsertest"
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
	"github.com/hitoshi/loginkeeper/internal/usersession"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

type mockUserSessions struct {
	statusFn  func(ctx context.Context, userID, siteID string) (usersession.StatusResult, error)
	acquireFn func(ctx context.Context, userID, siteID, label string) (*usersession.UserContextResult, error)
}

func (m *mockUserSessions) Status(ctx context.Context, userID, siteID string) (usersession.StatusResult, error) {
	return m.statusFn(ctx, userID, siteID)
}

func (m *mockUserSessions) AcquireContext(ctx context.Context, userID, siteID, label string) (*usersession.UserContextResult, error) {
	return m.acquireFn(ctx, userID, siteID, label)
}

func TestUserSessionProvider_IsAvailable(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		status usersession.StatusResult
		err    error
		want   bool
	}{
		{"ユーザーIDなし", "", usersession.StatusResult{Exists: true}, nil, false},
		{"未登録", "u", usersession.StatusResult{}, nil, false},
		{"登録済み", "u", usersession.StatusResult{Exists: true, Status: model.UserSessionActive}, nil, true},
		{"再登録が必要でも応答する", "u", usersession.StatusResult{Exists: true, Status: model.UserSessionNeedsReauth}, nil, true},
		{"ストア障害", "u", usersession.StatusResult{}, errors.New("db down"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewUserSessionProvider(&mockUserSessions{
				statusFn: func(context.Context, string, string) (usersession.StatusResult, error) {
					return tt.status, tt.err
				},
			}, discardLogger())
			assert.Equal(t, tt.want, p.IsAvailable(context.Background(), tt.userID, "market"))
		})
	}
}

func TestUserSessionProvider_AcquireNeedsUserAction(t *testing.T) {
	p := NewUserSessionProvider(&mockUserSessions{
		acquireFn: func(context.Context, string, string, string) (*usersession.UserContextResult, error) {
			return &usersession.UserContextResult{Status: model.UserSessionExpired, NeedsUserAction: true, Message: "expired"}, nil
		},
	}, discardLogger())

	res, err := p.Acquire(context.Background(), "u", "market")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NeedsUserAction)
	assert.Equal(t, "EXPIRED", res.Status)
	assert.Equal(t, NameUserSession, res.Provider)
}

func TestUserSessionProvider_AcquireSuccess(t *testing.T) {
	page := browsertest.NewPage(nil)
	p := NewUserSessionProvider(&mockUserSessions{
		acquireFn: func(context.Context, string, string, string) (*usersession.UserContextResult, error) {
			return &usersession.UserContextResult{Success: true, Status: model.UserSessionActive, Page: page}, nil
		},
	}, discardLogger())

	res, err := p.Acquire(context.Background(), "u", "market")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusOK, res.Status)
	assert.Same(t, page, res.Page)
	res.Release()
}

type mockContexts struct {
	getFn func(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error)
}

func (m *mockContexts) GetContext(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
	return m.getFn(ctx, siteID, accountID)
}

type mockSelector struct {
	err error
}

func (m *mockSelector) SelectAccount(_ context.Context, site string) (*model.AccountConfig, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &model.AccountConfig{ID: "a1", Site: site}, nil
}

func TestTechnicalPoolProvider(t *testing.T) {
	page := browsertest.NewPage(nil)
	p := NewTechnicalPoolProvider(&mockContexts{
		getFn: func(_ context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
			assert.Equal(t, "market", siteID)
			assert.Empty(t, accountID)
			return &orchestrator.AuthenticatedContext{
				Account: &model.AccountConfig{ID: "a1", Site: siteID},
				Page:    page,
			}, nil
		},
	}, &mockSelector{}, discardLogger())

	assert.True(t, p.IsAvailable(context.Background(), "u", "market"))

	res, err := p.Acquire(context.Background(), "u", "market")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "a1", res.AccountID)
	assert.Equal(t, NameTechnicalPool, res.Provider)

	res.Release()
	assert.True(t, page.Closed())
}

func TestTechnicalPoolProvider_Unavailable(t *testing.T) {
	p := NewTechnicalPoolProvider(&mockContexts{}, &mockSelector{err: &model.NoAccountError{Site: "market"}}, discardLogger())
	assert.False(t, p.IsAvailable(context.Background(), "u", "market"))
}

func TestRemoteBrowserProvider(t *testing.T) {
	var p Provider = RemoteBrowserProvider{}
	assert.False(t, p.IsAvailable(context.Background(), "u", "market"))
	_, err := p.Acquire(context.Background(), "u", "market")
	assert.ErrorIs(t, err, ErrNotImplemented)
}
