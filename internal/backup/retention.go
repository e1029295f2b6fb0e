package backup

import (
	"fmt"

	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/dustin/go-humanize"
)

// applyRetention deletes the oldest AUTO history records of p beyond its
// RetentionCount. MANUAL records are never pruned. A count of 0 keeps all.
func (e *Engine) applyRetention(p *store.BackupProfile) error {
	if p.RetentionCount <= 0 {
		return nil
	}

	history, err := e.store.ListBackupHistory(p.ID)
	if err != nil {
		return fmt.Errorf("listing history for profile %s: %w", p.ID, err)
	}

	var auto []store.BackupHistory
	for _, h := range history {
		if h.Type == store.HistoryTypeAuto {
			auto = append(auto, h)
		}
	}

	excess := len(auto) - p.RetentionCount
	if excess <= 0 {
		e.logger.Debug("retention: nothing to prune", "profile", p.Name, "kept", len(auto), "limit", p.RetentionCount)
		return nil
	}

	var freed int64
	var failed []string
	// history is oldest first
	for _, h := range auto[:excess] {
		if err := e.store.DeleteBackupHistory(h.ID); err != nil {
			e.logger.Error("retention: failed to delete backup", "profile", p.Name, "id", h.ID, "error", err)
			failed = append(failed, h.ID)
			continue
		}
		freed += h.Size
		e.logger.Debug("retention: deleted backup", "profile", p.Name, "id", h.ID, "created_at", h.CreatedAt)
	}

	e.logger.Info("retention pass completed",
		"profile", p.Name,
		"considered", len(auto),
		"deleted", excess-len(failed),
		"freed", humanize.Bytes(uint64(freed)),
		"failed", len(failed),
	)

	if len(failed) > 0 {
		return fmt.Errorf("retention completed with %d failures: %v", len(failed), failed)
	}
	return nil
}
