package reconcile_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/logger"
	"github.com/warp/benefit-engine/reconcile"
)

func TestScheduler_RejectsBadSpec(t *testing.T) {
	f := newFixture(t, jan(20, 12))

	_, err := reconcile.NewScheduler(f.svc, logger.Discard(), "every tuesday", "")
	assert.Error(t, err)

	_, err = reconcile.NewScheduler(f.svc, logger.Discard(), "", "* * *")
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, jan(20, 12))

	s, err := reconcile.NewScheduler(f.svc, logger.Discard(), "0 */6 * * *", "* * * * *")
	require.NoError(t, err)

	s.Start()
	s.Start()
	next := s.NextRun()
	assert.False(t, next.IsZero())
	assert.True(t, next.Before(time.Now().Add(2*time.Minute)), "delivery job runs every minute")
	s.Stop()
	s.Stop()
}

func TestScheduler_DisabledJobs(t *testing.T) {
	f := newFixture(t, jan(20, 12))

	s, err := reconcile.NewScheduler(f.svc, logger.Discard(), "", "")
	require.NoError(t, err)
	assert.True(t, s.NextRun().IsZero())
}
