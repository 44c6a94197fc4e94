package scheduler_test

import (
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFiresOneShotTaskOnceItsDue(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })

	fired := 0
	sched.AddTask(5*time.Second, false, func() { fired++ })

	sched.Update()
	assert.Equal(t, 0, fired, "not yet due")

	now = now.Add(6 * time.Second)
	sched.Update()
	assert.Equal(t, 1, fired)

	now = now.Add(6 * time.Second)
	sched.Update()
	assert.Equal(t, 1, fired, "one-shot task must not re-fire")
}

func TestUpdateRepeatsPeriodicTaskOnEachInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })

	fired := 0
	sched.AddTask(time.Second, true, func() { fired++ })

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		sched.Update()
	}
	assert.Equal(t, 3, fired)
}

func TestUpdateRunsDueTasksInDeadlineThenHandleOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })

	var order []string
	sched.AddTask(time.Second, false, func() { order = append(order, "a") })
	sched.AddTask(time.Second, false, func() { order = append(order, "b") })

	now = now.Add(2 * time.Second)
	sched.Update()

	require.Len(t, order, 2)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRemoveTaskCancelsBeforeItFires(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })

	fired := false
	h := sched.AddTask(time.Second, false, func() { fired = true })
	sched.RemoveTask(h)

	now = now.Add(2 * time.Second)
	sched.Update()
	assert.False(t, fired)
}

func TestAdjustOffsetShiftsNowButNotSchedulingClock(t *testing.T) {
	now := time.Unix(1000, 0)
	sched := scheduler.New(func() time.Time { return now })

	fired := false
	sched.AddTask(5*time.Second, false, func() { fired = true })

	sched.AdjustOffset(10 * time.Second)
	assert.Equal(t, 10*time.Second, sched.Offset())
	assert.Equal(t, now.Add(10*time.Second), sched.Now())

	sched.Update()
	assert.False(t, fired, "the offset must not make a task due early")
}
