package flow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

type fakeExpirer struct {
	cutoff  time.Time
	expired int64
	err     error
	calls   int
}

func (f *fakeExpirer) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.expired, f.err
}

func TestReaperRunOnceUsesIdleCutoff(t *testing.T) {
	expirer := &fakeExpirer{expired: 3}
	r := NewReaper(expirer, observability.NewLogger(observability.ErrorLevel, io.Discard), 30*time.Minute, "")

	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.RunOnce(context.Background())

	assert.Equal(t, 1, expirer.calls)
	assert.Equal(t, fixed.Add(-30*time.Minute), expirer.cutoff)
}

func TestReaperRunOnceSurvivesStoreError(t *testing.T) {
	expirer := &fakeExpirer{err: assert.AnError}
	r := NewReaper(expirer, observability.NewLogger(observability.ErrorLevel, io.Discard), time.Hour, "")

	r.RunOnce(context.Background())
	assert.Equal(t, 1, expirer.calls)
}

func TestReaperStartRejectsBadSchedule(t *testing.T) {
	r := NewReaper(&fakeExpirer{}, observability.NewLogger(observability.ErrorLevel, io.Discard), time.Hour, "not a schedule")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, r.Start(ctx))
}
