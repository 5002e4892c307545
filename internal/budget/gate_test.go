package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeSpend struct {
	spend float64
	err   error
}

func (f *fakeSpend) DailySpend(ctx context.Context) (float64, error) {
	return f.spend, f.err
}

func TestAllowUnderBudget(t *testing.T) {
	g := New(&fakeSpend{spend: 4.20}, 10.00, zap.NewNop())
	ok, retry := g.Allow(context.Background())
	assert.True(t, ok)
	assert.True(t, retry.IsZero())
}

func TestRejectAtCeiling(t *testing.T) {
	g := New(&fakeSpend{spend: 10.00}, 10.00, zap.NewNop())
	ok, retry := g.Allow(context.Background())
	assert.False(t, ok)

	assert.Equal(t, time.UTC, retry.Location())
	assert.Equal(t, 0, retry.Hour())
	assert.Equal(t, 0, retry.Minute())
	assert.True(t, retry.After(time.Now().UTC()))
	assert.True(t, retry.Sub(time.Now().UTC()) <= 24*time.Hour)
}

func TestFailOpenOnStoreError(t *testing.T) {
	g := New(&fakeSpend{err: errors.New("db down")}, 10.00, zap.NewNop())
	ok, _ := g.Allow(context.Background())
	assert.True(t, ok)
}
