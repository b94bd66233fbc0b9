package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/society-ledger/generic"
)

func TestScheduler_RunNow(t *testing.T) {
	// GIVEN: green-acres generates on the 1st, blue-ridge bills manually
	// WHEN: The scheduler checks on March 1, again the same day, then on March 11
	// THEN: March is generated once for green-acres only, and the unpaid
	//       bill is swept to Overdue after its due date
	s := newTestServer(t)
	ctx := context.Background()

	cfg := greenAcres()
	cfg.GenerateOnDay = 1
	require.NoError(t, s.store.SaveConfig(ctx, cfg))
	manual := greenAcres()
	manual.TenantID = "blue-ridge"
	require.NoError(t, s.store.SaveConfig(ctx, manual))

	s.addMember("m-101", "A-101", 1000)
	require.NoError(t, s.store.SaveMember(ctx, generic.Member{
		TenantID: "blue-ridge", ID: "b-1", UnitID: "B-1", Active: true,
	}))

	scheduler := NewCycleScheduler(s.engine, s.store, nil)

	first := scheduler.RunNow(ctx)
	require.Empty(t, first.Errors)
	require.Len(t, first.Cycles, 1)
	assert.Equal(t, generic.TenantID("green-acres"), first.Cycles[0].TenantID)
	assert.Equal(t, generic.PeriodID("2024-03"), first.Cycles[0].PeriodID)
	assert.Equal(t, 1, first.Cycles[0].SuccessCount)
	assert.Zero(t, first.Overdue)

	second := scheduler.RunNow(ctx)
	assert.Empty(t, second.Cycles)
	assert.Equal(t, []generic.TenantID{"green-acres"}, second.Skipped)

	n, err := s.store.CountBills(ctx, "blue-ridge", "2024-03")
	require.NoError(t, err)
	assert.Zero(t, n, "generate_on_day 0 is never billed automatically")

	s.engine.SetClock(generic.FixedClock{Day: generic.NewTimePoint(2024, time.March, 11)})
	third := scheduler.RunNow(ctx)
	assert.Empty(t, third.Cycles)
	assert.Equal(t, 1, third.Overdue)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)

	disabled := NewCycleScheduler(s.engine, s.store, nil)
	disabled.Enabled = false
	disabled.Start()
	assert.Nil(t, disabled.ticker)

	scheduler := NewCycleScheduler(s.engine, s.store, nil)
	scheduler.CheckInterval = time.Hour
	scheduler.Start()
	scheduler.Start() // second start is a no-op
	assert.NotNil(t, scheduler.ticker)

	scheduler.Stop()
	assert.Nil(t, scheduler.ticker)
	scheduler.Stop()
}
