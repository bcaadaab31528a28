package runs

import "reflect"

// Merge folds a newer observation of the same run into existing and reports
// whether the canonical record changed.
//
// The status never moves backward along the lifecycle and a terminal status
// is final. An observation whose updated_at is older than the one already
// held is stale and ignored wholesale.
func Merge(existing, incoming Run) (Run, bool) {
	if incoming.ID != existing.ID {
		return existing, false
	}
	if incoming.UpdatedAt < existing.UpdatedAt {
		return existing, false
	}

	merged := existing
	merged.UpdatedAt = incoming.UpdatedAt
	if merged.CreatedAt == 0 {
		merged.CreatedAt = incoming.CreatedAt
	}
	if len(merged.Params) == 0 {
		merged.Params = incoming.Params
	}

	if advances(existing.Status, incoming.Status) {
		merged.Status = incoming.Status
	}
	if merged.Status == incoming.Status {
		if incoming.Result != nil {
			merged.Result = incoming.Result
		}
		if incoming.Error != "" {
			merged.Error = incoming.Error
		}
	}

	return merged, !reflect.DeepEqual(merged, existing)
}

func advances(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return to.Rank() >= from.Rank()
}
