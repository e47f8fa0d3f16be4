package keepalive

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/hitoshi/loginkeeper/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLister struct {
	listFn func(ctx context.Context, site string) ([]*model.AccountConfig, error)
}

func (m *mockLister) ListAccounts(ctx context.Context, site string) ([]*model.AccountConfig, error) {
	return m.listFn(ctx, site)
}

type mockAcquirer struct {
	mu       sync.Mutex
	calls    []string
	getFn    func(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error)
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *mockAcquirer) GetContext(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxSeen.Load()
		if n <= max || m.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, siteID+"/"+accountID)
	m.mu.Unlock()

	if m.getFn != nil {
		return m.getFn(ctx, siteID, accountID)
	}
	return &orchestrator.AuthenticatedContext{}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func accounts() []*model.AccountConfig {
	return []*model.AccountConfig{
		{ID: "a1", Site: "market", Status: model.AccountStatusOK},
		{ID: "a2", Site: "market", Status: model.AccountStatusDegraded},
		{ID: "a3", Site: "market", Status: model.AccountStatusNeedsReauth},
		{ID: "a4", Site: "market", Status: model.AccountStatusBlocked},
		{ID: "a5", Site: "news", Status: model.AccountStatusDisabled},
		{ID: "a6", Site: "news", Status: model.AccountStatusOK},
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&mockLister{}, &mockAcquirer{}, slog.Default(), 0, 0)
	assert.Equal(t, 2, s.maxConcurrency)
	assert.Equal(t, 5*time.Minute, s.timeout)
}

func TestRunOnce_TouchesEligibleAccountsOnly(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		assert.Equal(t, "", site)
		return accounts(), nil
	}}
	acq := &mockAcquirer{}

	s := NewScheduler(lister, acq, newTestLogger(&buf), 2, time.Second)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 3, Failed: 0, Skipped: 3}, result)
	sort.Strings(acq.calls)
	assert.Equal(t, []string{"market/a1", "market/a2", "news/a6"}, acq.calls)
	assert.Contains(t, buf.String(), "keepalive cycle completed")
}

func TestRunOnce_CountsFailures(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		return accounts(), nil
	}}
	acq := &mockAcquirer{getFn: func(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
		switch accountID {
		case "a1":
			return nil, &model.AuthRenewalFailedError{Site: siteID, AccountID: accountID, Attempts: 3}
		case "a6":
			return nil, &model.CircuitOpenError{Site: siteID}
		}
		return &orchestrator.AuthenticatedContext{}, nil
	}}

	s := NewScheduler(lister, acq, newTestLogger(&buf), 1, time.Second)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, buf.String(), "keepalive failed")
}

func TestRunOnce_RespectsConcurrencyLimit(t *testing.T) {
	many := make([]*model.AccountConfig, 0, 10)
	for i := 0; i < 10; i++ {
		many = append(many, &model.AccountConfig{ID: string(rune('a' + i)), Site: "market", Status: model.AccountStatusOK})
	}
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		return many, nil
	}}
	acq := &mockAcquirer{getFn: func(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
		time.Sleep(10 * time.Millisecond)
		return &orchestrator.AuthenticatedContext{}, nil
	}}

	s := NewScheduler(lister, acq, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), 3, time.Second)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, result.Checked)
	assert.LessOrEqual(t, acq.maxSeen.Load(), int32(3))
}

func TestRunOnce_AppliesPerAccountTimeout(t *testing.T) {
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		return []*model.AccountConfig{{ID: "a1", Site: "market", Status: model.AccountStatusOK}}, nil
	}}
	acq := &mockAcquirer{getFn: func(ctx context.Context, siteID, accountID string) (*orchestrator.AuthenticatedContext, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	s := NewScheduler(lister, acq, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), 1, 20*time.Millisecond)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

func TestRunOnce_ListError(t *testing.T) {
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		return nil, errors.New("db down")
	}}

	s := NewScheduler(lister, &mockAcquirer{}, slog.Default(), 1, time.Second)
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStart_StopsOnCancel(t *testing.T) {
	var cycles atomic.Int32
	lister := &mockLister{listFn: func(ctx context.Context, site string) ([]*model.AccountConfig, error) {
		cycles.Add(1)
		return nil, nil
	}}
	s := NewScheduler(lister, &mockAcquirer{}, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, cycles.Load(), int32(2))
}
