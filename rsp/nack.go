package rsp

import "github.com/replicore/objnet/wire"

// mergeRange folds [start,end] into ranges, coalescing with any existing
// range it touches or overlaps (spec §4.3 "NACK handling (writer side)").
// Ranges are kept sorted and non-overlapping.
func mergeRange(ranges []wire.NackRange, start, end uint16) []wire.NackRange {
	newR := wire.NackRange{Start: start, End: end}
	out := make([]wire.NackRange, 0, len(ranges)+1)
	inserted := false
	for _, r := range ranges {
		if wire.Less(r.End, newR.Start) && r.End != newR.Start-1 {
			// r strictly before newR, no touch
			out = append(out, r)
			continue
		}
		if wire.Less(newR.End, r.Start) && newR.End != r.Start-1 {
			// r strictly after newR, no touch: flush newR first if not yet inserted
			if !inserted {
				out = append(out, newR)
				inserted = true
			}
			out = append(out, r)
			continue
		}
		// overlap or adjacency: merge into newR
		if wire.Less(r.Start, newR.Start) {
			newR.Start = r.Start
		}
		if wire.Less(newR.End, r.End) {
			newR.End = r.End
		}
	}
	if !inserted {
		out = append(out, newR)
	}
	return sortRanges(out)
}

func sortRanges(ranges []wire.NackRange) []wire.NackRange {
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && wire.Less(ranges[j].Start, ranges[j-1].Start); j-- {
			ranges[j], ranges[j-1] = ranges[j-1], ranges[j]
		}
	}
	return ranges
}

// rangeLen returns the number of sequence numbers an inclusive range
// covers, modulo 2^16.
func rangeLen(r wire.NackRange) int {
	return int(wire.Distance(r.Start, r.End)) + 1
}

// totalLen sums rangeLen across ranges, used to bound outstanding loss at
// numBuffers (spec §4.3 "bound total outstanding loss <= numBuffers").
func totalLen(ranges []wire.NackRange) int {
	total := 0
	for _, r := range ranges {
		total += rangeLen(r)
	}
	return total
}

// splitWrapping splits a range that wraps past 2^16 into two ranges that
// don't, per spec §4.3 "ACKREQ handling ... Ranges that wrap past 2^16
// are split."
func splitWrapping(r wire.NackRange) []wire.NackRange {
	if r.Start <= r.End {
		return []wire.NackRange{r}
	}
	return []wire.NackRange{
		{Start: r.Start, End: 0xffff},
		{Start: 0, End: r.End},
	}
}
