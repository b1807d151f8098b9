package rsp

import (
	"log/slog"
	"testing"

	"github.com/replicore/objnet/internal/rsputil"
	"github.com/replicore/objnet/wire"
	"github.com/stretchr/testify/assert"
)

func TestMergeRangeCoalesces(t *testing.T) {
	var ranges []wire.NackRange
	ranges = mergeRange(ranges, 10, 10)
	ranges = mergeRange(ranges, 11, 12)
	assert.Equal(t, []wire.NackRange{{Start: 10, End: 12}}, ranges)

	ranges = mergeRange(ranges, 20, 22)
	assert.Equal(t, []wire.NackRange{{Start: 10, End: 12}, {Start: 20, End: 22}}, ranges)

	ranges = mergeRange(ranges, 13, 19)
	assert.Equal(t, []wire.NackRange{{Start: 10, End: 22}}, ranges)
}

func TestSplitWrapping(t *testing.T) {
	got := splitWrapping(wire.NackRange{Start: 0xfffe, End: 2})
	assert.Equal(t, []wire.NackRange{{Start: 0xfffe, End: 0xffff}, {Start: 0, End: 2}}, got)

	got = splitWrapping(wire.NackRange{Start: 5, End: 10})
	assert.Equal(t, []wire.NackRange{{Start: 5, End: 10}}, got)
}

func TestTotalLen(t *testing.T) {
	assert.Equal(t, 3, rangeLen(wire.NackRange{Start: 10, End: 12}))
	assert.Equal(t, 5, totalLen([]wire.NackRange{{Start: 0, End: 1}, {Start: 5, End: 7}}))
}

// TestCapRepeatQueueLockedBoundsOutstandingLoss exercises spec §4.3's
// "bound total outstanding loss <= numBuffers": once merged NACK ranges
// report more loss than the buffer window can hold, the oldest ranges
// are dropped first.
func TestCapRepeatQueueLockedBoundsOutstandingLoss(t *testing.T) {
	b := newBus(42)
	l := New(testConfig(), b.join(), rsputil.NewDefaultLogger(slog.LevelError))
	l.cfg.RSPNumBuffers = 4
	l.repeatQueue = []wire.NackRange{{Start: 0, End: 2}, {Start: 10, End: 11}}

	l.capRepeatQueueLocked()

	assert.LessOrEqual(t, totalLen(l.repeatQueue), l.cfg.RSPNumBuffers)
	assert.Equal(t, []wire.NackRange{{Start: 10, End: 11}}, l.repeatQueue)
}
