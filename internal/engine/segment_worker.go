package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"dlm-go/internal/events"
	"dlm-go/internal/network"
	"dlm-go/internal/resume"
	"dlm-go/internal/task"
)

// checkpointInterval is how many bytes a segment worker writes between fsync +
// Checkpoint advances: flushes and advances the checkpoint every 4 MiB.
const checkpointInterval = 4 * 1024 * 1024

var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// runSegmentWorker drives one segment to completion against dataPath, honoring a
// live shrink of seg.End() by Rebalance on every chunk boundary. It returns nil on
// clean completion (possibly because Rebalance truncated the segment to nothing),
// task.ErrSessionExpired if the origin demands re-authentication, or the terminal
// transient-network error after exhausting retries.
func (m *Manager) runSegmentWorker(ctx context.Context, t *task.Task, seg *task.Segment, dataPath string, sess network.Session) error {
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for attempt := 0; ; {
		writeOffset := seg.Start + seg.Downloaded.Load()
		end := seg.End()
		if writeOffset > end {
			seg.TruncateTo(seg.Size()) // Rebalance shrank past our current position; clamp Downloaded/Checkpoint to match
			return nil
		}

		n, err := m.fetchRange(ctx, t, seg, f, writeOffset, end, sess)
		if err == nil {
			m.congestion.RecordOutcome(hostOf(t.URL), 0, nil)
			if seg.Downloaded.Load() >= seg.Size() {
				startHash, endHash, herr := resume.HashSegmentEnds(dataPath, seg)
				if herr == nil {
					seg.StartHash, seg.EndHash = startHash, endHash
				}
				return nil
			}
			attempt = 0
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, task.ErrSessionExpired) || errors.Is(err, task.ErrHTMLLandingPage) {
			m.bus.PublishRenewal(events.SessionRenewalRequired{TaskID: t.ID, SourceURL: t.URL})
			return task.ErrSessionExpired
		}

		m.congestion.RecordOutcome(hostOf(t.URL), 0, err)
		if n > 0 {
			attempt = 0 // forward progress resets the retry budget
			continue
		}
		if attempt >= len(backoffSchedule) {
			return err
		}
		m.logger.Warn("segment worker retrying after error", "task", t.ID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoffSchedule[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

// fetchRange performs one ranged GET from writeOffset through end, streaming the body
// into dataPath at the matching file offset. It returns the number of bytes
// successfully written even when it returns a non-nil error, so the caller can decide
// whether partial progress warrants resetting the retry budget.
func (m *Manager) fetchRange(ctx context.Context, t *task.Task, seg *task.Segment, f *os.File, writeOffset, end int64, sess network.Session) (int64, error) {
	body, resp, err := m.adapter.DownloadRange(ctx, t.URL, writeOffset, end, sess)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	if resp != nil {
		defer resp.Body.Close()
	}

	bufPtr := m.bufferPool.Get().(*[]byte)
	defer m.bufferPool.Put(bufPtr)
	buf := *bufPtr

	var written int64
	var sinceCheckpoint int64
	for {
		if err := m.bandwidth.Wait(ctx, t.ID, len(buf)); err != nil {
			return written, err
		}

		nr, rerr := body.Read(buf)
		if nr > 0 {
			// A concurrent Rebalance may have shrunk seg.End() since we opened the
			// request; never write past the current end, even mid-chunk.
			remaining := seg.End() - (writeOffset + written) + 1
			if int64(nr) > remaining {
				if remaining <= 0 {
					seg.TruncateTo(seg.Size())
					return written, nil
				}
				nr = int(remaining)
			}

			if _, werr := f.WriteAt(buf[:nr], writeOffset+written); werr != nil {
				return written, werr
			}
			written += int64(nr)
			sinceCheckpoint += int64(nr)
			seg.Downloaded.Add(int64(nr))

			if sinceCheckpoint >= checkpointInterval {
				if serr := f.Sync(); serr != nil {
					return written, serr
				}
				seg.Checkpoint.Store(seg.Downloaded.Load())
				sinceCheckpoint = 0
			}

			if writeOffset+written-1 >= seg.End() {
				seg.TruncateTo(seg.Size()) // harmless no-op unless End() shrank further since the check above
				break                      // caught up with (or past) a concurrent shrink; stop before reading more
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}

	if sinceCheckpoint > 0 {
		if serr := f.Sync(); serr != nil {
			return written, serr
		}
		seg.Checkpoint.Store(seg.Downloaded.Load())
	}
	return written, nil
}
