package service

import (
	"time"

	"content_sync/internal/domain"
)

// Resolve picks the authoritative copy of a concurrently edited record.
// It is total: equal timestamps under newest-wins and unknown policies both
// resolve to the local copy.
func Resolve(local, remote time.Time, policy domain.ConflictPolicy) domain.Resolution {
	switch policy {
	case domain.PolicyExternalWins:
		return domain.Resolution{Winner: domain.WinnerExternal}
	case domain.PolicyLocalWins:
		return domain.Resolution{Winner: domain.WinnerLocal}
	case domain.PolicyManualFlag:
		return domain.Resolution{Winner: domain.WinnerLocal, Flagged: true}
	case domain.PolicyNewestWins:
		if remote.After(local) {
			return domain.Resolution{Winner: domain.WinnerExternal}
		}
		return domain.Resolution{Winner: domain.WinnerLocal}
	default:
		return domain.Resolution{Winner: domain.WinnerLocal}
	}
}
