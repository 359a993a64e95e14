package compaction

import (
	"math"
	"slices"

	"segkv/pkg/persistence"
)

// Task describes a single compaction unit.
type Task struct {
	// Level is the shallowest level the inputs come from.
	Level         int
	InputTableIDs []uint64
	TargetLevel   int
}

// Planner decides which tables to compact. levels[i] lists the segments
// of level i.
type Planner interface {
	Next(levels [][]persistence.SegmentMeta) (Task, bool)
}

// TieredPlanner merges a whole level into the next one once it holds too
// many sorted runs or too many bytes. The last level merges into itself.
type TieredPlanner struct {
	// FanoutThreshold is the number of runs a level may hold.
	FanoutThreshold int
	// BaseBytes times SizeMultiplier^(L+1) is the byte budget of level L.
	BaseBytes      int64
	SizeMultiplier float64
	MaxLevels      int
}

var _ Planner = TieredPlanner{}

func (p TieredPlanner) Next(levels [][]persistence.SegmentMeta) (Task, bool) {
	for level := 0; level < len(levels) && level < p.MaxLevels; level++ {
		segs := levels[level]
		if len(segs) == 0 {
			continue
		}
		runs := countRuns(segs)
		last := level == p.MaxLevels-1
		if last && runs < 2 {
			continue
		}

		var size int64
		for _, s := range segs {
			size += s.Size
		}
		budget := float64(p.BaseBytes) * math.Pow(p.SizeMultiplier, float64(level+1))

		if runs > p.FanoutThreshold || (runs >= 2 && float64(size) > budget) {
			return Task{
				Level:         level,
				InputTableIDs: segmentNumbers(segs),
				TargetLevel:   min(level+1, p.MaxLevels-1),
			}, true
		}
	}
	return Task{}, false
}

// FullTask merges every segment into the last level.
func FullTask(levels [][]persistence.SegmentMeta, maxLevels int) (Task, bool) {
	var all []persistence.SegmentMeta
	first := -1
	for level, segs := range levels {
		if len(segs) > 0 && first < 0 {
			first = level
		}
		all = append(all, segs...)
	}
	if len(all) == 0 {
		return Task{}, false
	}
	return Task{
		Level:         first,
		InputTableIDs: segmentNumbers(all),
		TargetLevel:   maxLevels - 1,
	}, true
}

func countRuns(segs []persistence.SegmentMeta) int {
	runs := make(map[uint64]struct{}, len(segs))
	for _, s := range segs {
		runs[s.Run] = struct{}{}
	}
	return len(runs)
}

func segmentNumbers(segs []persistence.SegmentMeta) []uint64 {
	ids := make([]uint64, 0, len(segs))
	for _, s := range segs {
		ids = append(ids, s.Number)
	}
	slices.Sort(ids)
	return ids
}
