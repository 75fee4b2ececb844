package history

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
)

// VerifyContinuity checks that bundles ordered by first serial tile the serial space from 1 with no
// gaps or overlaps.
func VerifyContinuity(bundles []BundleMeta) error {
	previousLast := board.Serial(0)
	for _, bundle := range bundles {
		if bundle.FirstSerial != previousLast+1 {
			return fmt.Errorf("%w: bundle %d-%d follows serial %d",
				ErrHistoryInconsistent, bundle.FirstSerial, bundle.LastSerial, previousLast)
		}
		if bundle.LastSerial < bundle.FirstSerial {
			return fmt.Errorf("%w: bundle %d-%d is inverted",
				ErrHistoryInconsistent, bundle.FirstSerial, bundle.LastSerial)
		}
		previousLast = bundle.LastSerial
	}
	return nil
}

// verifyEntries checks that entries cover exactly first..last in order. A leading item.bootstrap
// entry stands in for every serial up to its own.
func verifyEntries(entries []board.HistoryEntry, first, last board.Serial) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty bundle %d-%d", ErrHistoryInconsistent, first, last)
	}
	expected := first
	for index, entry := range entries {
		if index == 0 && entry.Action == board.ActionItemBootstrap && entry.Serial >= first {
			expected = entry.Serial + 1
			continue
		}
		if entry.Serial != expected {
			return fmt.Errorf("%w: entry serial %d, expected %d", ErrHistoryInconsistent, entry.Serial, expected)
		}
		expected++
	}
	if expected-1 != last {
		return fmt.Errorf("%w: entries end at %d, bundle claims %d", ErrHistoryInconsistent, expected-1, last)
	}
	return nil
}

func hourBucket(seconds int64) int64 {
	return seconds - seconds%3600
}

// groupByHour splits bundles into runs of consecutive bundles saved within the same clock hour.
func groupByHour(bundles []BundleMeta) [][]BundleMeta {
	var groups [][]BundleMeta
	for _, bundle := range bundles {
		last := len(groups) - 1
		if last >= 0 && hourBucket(groups[last][0].SavedAtSeconds) == hourBucket(bundle.SavedAtSeconds) {
			groups[last] = append(groups[last], bundle)
			continue
		}
		groups = append(groups, []BundleMeta{bundle})
	}
	return groups
}
