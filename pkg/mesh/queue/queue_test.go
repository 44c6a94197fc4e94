package queue_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/painlessmesh/gomesh/pkg/mesh/ids"
	"github.com/painlessmesh/gomesh/pkg/mesh/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueEvictsLowBeforeCritical(t *testing.T) {
	base := time.Unix(0, 0)
	q := queue.New(2, nil, func() time.Time { return base })

	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Critical})
	q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Low})
	q.Enqueue(queue.Entry{Dest: 3, Priority: ids.Critical})

	stats := q.Stats()
	assert.Equal(t, 2, stats.Len)
	assert.Equal(t, 2, stats.ByPriority[ids.Critical])
	assert.Equal(t, 0, stats.ByPriority[ids.Low])
}

func TestEnqueueEvictsStaleNormalBeforeFreshHigh(t *testing.T) {
	now := time.Unix(10000, 0)
	q := queue.New(2, nil, func() time.Time { return now })

	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal, Enqueued: now.Add(-2 * queue.NormalMaxAge)})
	q.Enqueue(queue.Entry{Dest: 2, Priority: ids.High, Enqueued: now})
	q.Enqueue(queue.Entry{Dest: 3, Priority: ids.High, Enqueued: now})

	stats := q.Stats()
	require.Equal(t, 2, stats.Len)
	assert.Equal(t, 0, stats.ByPriority[ids.Normal])
	assert.Equal(t, 2, stats.ByPriority[ids.High])
}

func TestClearEmptiesQueue(t *testing.T) {
	q := queue.New(10, nil, time.Now)
	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal})
	q.Clear()
	assert.Equal(t, 0, q.Stats().Len)
}

type fakeSender struct {
	fail map[ids.NodeId]bool
	sent []ids.NodeId
}

func (f *fakeSender) SendSingle(dest ids.NodeId, t ids.MessageType, priority ids.Priority, payload interface{}) error {
	if f.fail[dest] {
		return assertErr{}
	}
	f.sent = append(f.sent, dest)
	return nil
}

func (f *fakeSender) SendBroadcast(t ids.MessageType, priority ids.Priority, includeSelf bool, payload interface{}) error {
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "send failed" }

func TestFlushKeepsFailedEntriesQueued(t *testing.T) {
	q := queue.New(10, nil, time.Now)
	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal})
	q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Normal})

	sender := &fakeSender{fail: map[ids.NodeId]bool{2: true}}
	delivered := q.Flush(sender)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []ids.NodeId{1}, sender.sent)
	assert.Equal(t, 1, q.Stats().Len)
}

func TestFlushIncrementsAttemptsOnFailedDelivery(t *testing.T) {
	q := queue.New(10, nil, time.Now)
	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal})

	sender := &fakeSender{fail: map[ids.NodeId]bool{1: true}}
	q.Flush(sender)
	q.Flush(sender)

	path := filepath.Join(t.TempDir(), "queue.jsonl")
	require.NoError(t, q.SaveToStorage(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var e queue.Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &e))
	assert.Equal(t, 2, e.Attempts, "Attempts must increment once per failed Flush delivery")
}

func TestEnqueueReturnsAssignedNonZeroId(t *testing.T) {
	q := queue.New(10, nil, time.Now)
	id1 := q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal})
	id2 := q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Normal})

	assert.NotZero(t, id1)
	assert.NotZero(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestEnqueueRejectsLowPriorityPushIntoFullQueue(t *testing.T) {
	now := time.Unix(0, 0)
	q := queue.New(1, nil, func() time.Time { return now })

	id1 := q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Normal})
	require.NotZero(t, id1)

	id2 := q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Low})
	assert.Zero(t, id2, "a LOW push into a full queue must be rejected, not evict an existing entry")

	stats := q.Stats()
	assert.Equal(t, 1, stats.Len)
	assert.Equal(t, 1, stats.ByPriority[ids.Normal])
}

func TestEnqueueRejectsIncomingPushWhenNothingIsEvictable(t *testing.T) {
	now := time.Unix(0, 0)
	q := queue.New(2, nil, func() time.Time { return now })

	id1 := q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Critical})
	id2 := q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Critical})
	require.NotZero(t, id1)
	require.NotZero(t, id2)

	id3 := q.Enqueue(queue.Entry{Dest: 3, Priority: ids.Critical})
	assert.Zero(t, id3, "with nothing evictable the incoming entry itself must be rejected rather than grow the queue")

	stats := q.Stats()
	assert.Equal(t, 2, stats.Len, "queue must stay bounded at maxLen")
}

func TestPruneDropsEntriesOlderThanMaxAgeRegardlessOfLengthOrPriority(t *testing.T) {
	now := time.Unix(100000, 0)
	q := queue.New(10, nil, func() time.Time { return now })

	q.Enqueue(queue.Entry{Dest: 1, Priority: ids.Critical, Enqueued: now.Add(-2 * time.Hour)})
	q.Enqueue(queue.Entry{Dest: 2, Priority: ids.Low, Enqueued: now})

	pruned := q.Prune(time.Hour)

	assert.Equal(t, 1, pruned, "age-based prune must drop the old CRITICAL entry even though eviction never would")
	stats := q.Stats()
	assert.Equal(t, 1, stats.Len)
	assert.Equal(t, 1, stats.ByPriority[ids.Low])
}
