package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"dlm-go/internal/events"
	"dlm-go/internal/network"
	"dlm-go/internal/resume"
	"dlm-go/internal/task"
)

// shortReceiveSniffLimit bounds the size-unknown short-receive heuristic: a
// download that finished under this many bytes is small enough that an HTML
// error/landing page masquerading as the file is plausible and worth sniffing.
const shortReceiveSniffLimit = 200 * 1024

// htmlMarkers are checked case-insensitively against the first 1 KiB written,
// matching the same landing-page signal internal/network/adapter.go derives
// from Content-Type, applied here to the bytes actually received instead.
var htmlMarkers = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
	[]byte("<body"),
}

func looksLikeHTML(head []byte) bool {
	lower := bytes.ToLower(head)
	for _, marker := range htmlMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// runStreamWorker implements the no-range fallback: a single unranged GET
// written sequentially to dataPath. Used when the origin doesn't honor Range
// requests or the size is unknown at discovery time, so planning never produced
// more than one segment. On completion it fixes up TotalSize and the segment's End
// to the actual byte count received, since both were placeholders until now.
func (m *Manager) runStreamWorker(ctx context.Context, t *task.Task, seg *task.Segment, dataPath string, sess network.Session) error {
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	resumeOffset := seg.Downloaded.Load()
	body, resp, err := m.adapter.DownloadStream(ctx, t.URL, sess)
	if err != nil {
		if errors.Is(err, task.ErrSessionExpired) || errors.Is(err, task.ErrHTMLLandingPage) {
			m.bus.PublishRenewal(events.SessionRenewalRequired{TaskID: t.ID, SourceURL: t.URL})
			return task.ErrSessionExpired
		}
		return err
	}
	defer body.Close()
	if resp != nil {
		defer resp.Body.Close()
	}

	bufPtr := m.bufferPool.Get().(*[]byte)
	defer m.bufferPool.Put(bufPtr)
	buf := *bufPtr

	written := resumeOffset
	var sinceCheckpoint int64
	for {
		if werr := m.bandwidth.Wait(ctx, t.ID, len(buf)); werr != nil {
			return werr
		}
		nr, rerr := body.Read(buf)
		if nr > 0 {
			if _, werr := f.WriteAt(buf[:nr], written); werr != nil {
				return werr
			}
			written += int64(nr)
			sinceCheckpoint += int64(nr)
			seg.Downloaded.Store(written)

			if sinceCheckpoint >= checkpointInterval {
				if serr := f.Sync(); serr != nil {
					return serr
				}
				seg.Checkpoint.Store(written)
				sinceCheckpoint = 0
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if err := f.Sync(); err != nil {
		return err
	}
	seg.Checkpoint.Store(written)

	knownSize := t.TotalSize
	if knownSize > 0 {
		// Size was already probed at discovery time; the stream must deliver
		// exactly that many bytes, not whatever the connection happened to send.
		if written != knownSize {
			return fmt.Errorf("%w: expected %d bytes, got %d", task.ErrShortReceive, knownSize, written)
		}
	} else {
		// Size was never known. A short, unranged receive is exactly the shape of
		// an error/interstitial page served with status 200, so sniff the first
		// 1 KiB actually written before trusting it as the whole file.
		if written > 0 && written < shortReceiveSniffLimit {
			head := make([]byte, min(written, 1024))
			if _, rerr := f.ReadAt(head, 0); rerr != nil && rerr != io.EOF {
				return rerr
			}
			if looksLikeHTML(head) {
				m.bus.PublishRenewal(events.SessionRenewalRequired{TaskID: t.ID, SourceURL: t.URL})
				return task.ErrHTMLLandingPage
			}
		}
	}

	seg.SetEnd(written - 1)
	t.TotalSize = written
	t.ProbedViaStream = true

	startHash, endHash, herr := resume.HashSegmentEnds(dataPath, seg)
	if herr == nil {
		seg.StartHash, seg.EndHash = startHash, endHash
	}
	return nil
}
