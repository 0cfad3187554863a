package compare

import "github.com/leapstack-labs/leapcompare/pkg/core"

// DeriveRunStatus computes a run's final status from its terminal results.
//
// Precedence: an explicit whole-run cancel wins; otherwise any completed
// result makes the run completed; a run where every result was canceled
// individually is canceled; anything else is failed.
func DeriveRunStatus(results []core.ResultStatus, wholeRunCanceled bool) core.RunStatus {
	if wholeRunCanceled {
		return core.RunStatusCanceled
	}

	canceled := 0
	for _, s := range results {
		switch s {
		case core.ResultStatusCompleted:
			return core.RunStatusCompleted
		case core.ResultStatusCanceled:
			canceled++
		}
	}

	if len(results) > 0 && canceled == len(results) {
		return core.RunStatusCanceled
	}
	return core.RunStatusFailed
}
