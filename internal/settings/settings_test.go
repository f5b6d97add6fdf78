package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/periodguard/internal/shared"
)

type memorySource struct {
	mu        sync.Mutex
	overrides map[string]string
	loads     int
}

func (m *memorySource) LoadOverrides(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	out := make(map[string]string, len(m.overrides))
	for k, v := range m.overrides {
		out[k] = v
	}
	return out, nil
}

func (m *memorySource) SaveOverride(_ context.Context, key, value string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides == nil {
		m.overrides = map[string]string{}
	}
	m.overrides[key] = value
	return nil
}

func newCache(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRequiresRevisionApproval(t *testing.T) {
	s := Defaults()
	require.True(t, s.RequiresRevisionApproval("edit", shared.PeriodStatusSoftClosed, decimal.NewFromInt(10)))
	require.False(t, s.RequiresRevisionApproval("CREATE", shared.PeriodStatusSoftClosed, decimal.NewFromInt(10)))

	s.RevisionApprovalSoftClose = false
	require.False(t, s.RequiresRevisionApproval("EDIT", shared.PeriodStatusSoftClosed, decimal.NewFromInt(10)))
	require.True(t, s.RequiresRevisionApproval("EDIT", shared.PeriodStatusHardClosed, decimal.NewFromInt(10)))

	s.RevisionAutoApproveBelow = decimal.NewFromInt(100)
	require.False(t, s.RequiresRevisionApproval("EDIT", shared.PeriodStatusHardClosed, decimal.NewFromInt(99)))
	require.True(t, s.RequiresRevisionApproval("EDIT", shared.PeriodStatusHardClosed, decimal.NewFromInt(100)))
}

func TestApplyRejectsUnknownAndInvalidValues(t *testing.T) {
	_, err := Defaults().Apply(map[string]string{"nope": "1"})
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = Defaults().Apply(map[string]string{KeyClosingMode: "sometimes"})
	require.True(t, errors.Is(err, shared.ErrValidation))

	out, err := Defaults().Apply(map[string]string{
		KeyClosingMode:           "soft_only",
		KeyRevisionApprovalKinds: "edit, delete",
		KeyEscalationDefault:     "2h",
	})
	require.NoError(t, err)
	require.False(t, out.HardCloseEnabled())
	require.Equal(t, []string{"EDIT", "DELETE"}, out.RevisionApprovalKinds)
	require.Equal(t, 2*time.Hour, out.EscalationTimeout(0))
	require.Equal(t, time.Hour, out.EscalationTimeout(time.Hour))
}

func TestStoreCachesMergedSettings(t *testing.T) {
	ctx := context.Background()
	source := &memorySource{overrides: map[string]string{KeyReopenReasonMinLength: "20"}}
	store := NewStore(Defaults(), source, newCache(t), time.Minute, nil)

	first, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, first.ReopenReasonMinLength)

	second, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, second.ReopenReasonMinLength)
	require.Equal(t, 1, source.loads)
}

func TestStoreSetInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	source := &memorySource{}
	store := NewStore(Defaults(), source, newCache(t), time.Minute, nil)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	require.False(t, current.AllowReopenHardClosed)

	_, err = store.Set(ctx, KeyAllowReopenHardClosed, "true", 7)
	require.NoError(t, err)

	current, err = store.Current(ctx)
	require.NoError(t, err)
	require.True(t, current.AllowReopenHardClosed)

	_, err = store.Set(ctx, KeyReopenReasonMinLength, "many", 7)
	require.True(t, errors.Is(err, shared.ErrValidation))
}

func TestStoreWithoutCacheReadsSource(t *testing.T) {
	source := &memorySource{overrides: map[string]string{KeyClosingMode: "SOFT_ONLY"}}
	store := NewStore(Defaults(), source, nil, 0, nil)

	current, err := store.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, ClosingModeSoftOnly, current.ClosingMode)
}
