// Package finalize implements the Finalizer: the single-writer teardown
// that runs exactly once per task, guarded by task.Task.TryEnterFinalizing.
// Standard-layout tasks rename data.part to the target filename, compute an
// informational digest, relocate it through the organizer, and remove the
// workspace. Shared-layout
// tasks only mark their part done, since data.part is shared with sibling parts
// and is never renamed until every part is present, which is outside a single
// task's Finalizer call. Grounded on internal/engine/executor.go's completion block
// (verify -> rename -> scan -> stats -> event), generalized from chunk counting
// to segment/part awareness and moved out of the download loop entirely.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dlm-go/internal/events"
	"dlm-go/internal/filesystem"
	"dlm-go/internal/integrity"
	"dlm-go/internal/security"
	"dlm-go/internal/storage"
	"dlm-go/internal/task"
	"dlm-go/internal/workspace"
)

// Finalizer owns the collaborators the teardown step depends on.
type Finalizer struct {
	logger     *slog.Logger
	ws         *workspace.Manager
	organizer  *filesystem.SmartOrganizer
	digester   *integrity.ContentDigester
	digestGate func() bool // consulted fresh per call so a config change takes effect immediately
	scanner    security.Scanner
	bus        *events.Bus
}

// New constructs a Finalizer. digestGate is polled on every FinalizeStandard
// call (typically config.ConfigManager.GetEnableIntegrityCheck) so toggling
// digest computation at runtime doesn't require restarting the engine.
func New(logger *slog.Logger, ws *workspace.Manager, organizer *filesystem.SmartOrganizer, digester *integrity.ContentDigester, digestGate func() bool, scanner security.Scanner, bus *events.Bus) *Finalizer {
	return &Finalizer{logger: logger, ws: ws, organizer: organizer, digester: digester, digestGate: digestGate, scanner: scanner, bus: bus}
}

// Result carries the outcome the Manager needs to persist back onto the row.
// ContentDigest is informational only: dlm-go has no authoritative external
// hash to check it against, so Integrity never reflects anything beyond
// "finalization ran"; verifying transferred bytes against an externally
// supplied hash is out of scope for the core engine. ScanThreat is non-empty
// only when the configured Scanner actually flagged the artifact; a scan
// failure or a disabled/NoOp scanner both leave it blank, since neither is a
// threat finding.
type Result struct {
	FinalPath     string
	ContentDigest string
	Integrity     task.IntegrityState
	ScanThreat    string
}

// FinalizeShared marks a part done in a shared-layout workspace. It never touches
// data.part itself, which is never rewritten, only marked; the artifact becomes
// usable only once every declared part carries a NNN.done marker, which is a
// cross-task condition the Command Surface checks separately.
func (f *Finalizer) FinalizeShared(dir string, part int) error {
	return f.ws.MarkPartDone(dir, part)
}

// FinalizeStandard runs the standard-layout teardown for a single-artifact task:
// resolve a collision-free target name, rename, compute an informational digest,
// relocate, clean up the workspace, scan, publish TaskCompleted. It does not wait
// for or retry on a data.part handle that is still open: the caller must already
// have closed its *os.File, and a failed rename fails the call at once with
// ErrFinalization. It never fails the task over the digest: dlm-go
// has no authoritative hash to check a download against, so Integrity always comes
// back IntegrityPending here rather than Verified/Corrupt.
func (f *Finalizer) FinalizeStandard(t *task.Task, row storage.DownloadTask, dir, dataPath string) (Result, error) {
	targetPath := row.SavePath
	if targetPath == "" {
		targetPath = dataPath
	}
	targetPath = filesystem.ResolveCollision(targetPath)

	if err := os.Rename(dataPath, targetPath); err != nil {
		return Result{}, fmt.Errorf("%w: rename data.part: %v", task.ErrFinalization, err)
	}

	var digest string
	if f.digester != nil && (f.digestGate == nil || f.digestGate()) {
		if d, err := f.digester.Digest(targetPath, "sha256"); err == nil {
			digest = d
		} else {
			f.logger.Warn("content digest failed, leaving it blank", "id", t.ID, "error", err)
		}
	}

	finalPath := targetPath
	row.SavePath = targetPath
	if organized, err := f.organizer.OrganizeFile(&row); err == nil {
		finalPath = organized
	} else {
		f.logger.Warn("organize step failed, leaving file at rename target", "id", t.ID, "error", err)
	}

	if err := f.ws.RemoveWorkspace(dir); err != nil {
		f.logger.Warn("failed to remove workspace directory", "id", t.ID, "dir", dir, "error", err)
	}

	var threat string
	if f.scanner != nil {
		scanResult, scanErr := f.scanner.ScanFile(context.Background(), finalPath)
		if scanErr != nil {
			f.logger.Warn("AV scan failed to run", "id", t.ID, "path", finalPath, "error", scanErr)
		} else if !scanResult.Clean {
			threat = scanResult.Threat
			f.logger.Warn("AV scan flagged artifact", "id", t.ID, "path", finalPath, "threat", threat)
		}
	}

	f.bus.PublishCompleted(events.TaskCompleted{TaskID: t.ID, FinalPath: finalPath})
	return Result{FinalPath: finalPath, ContentDigest: digest, Integrity: task.IntegrityPending, ScanThreat: threat}, nil
}
