package sessionbuffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/pkg/models"
)

// Recovery is the deterministic resume point for a job: the most recent
// checkpoint in the latest session file plus every event after it.
type Recovery struct {
	LastCheckpoint        *models.SessionEvent
	EventsSinceCheckpoint []models.SessionEvent
	SessionFile           string
}

// maxLineBytes bounds a single buffer line during recovery. Tool results can
// be large; lines beyond this are treated as the torn tail.
const maxLineBytes = 16 << 20

// Recover reads the session file with the highest counter for the job and
// rebuilds its resume state. A trailing line that fails to parse (torn by a
// crash mid-write) is discarded; parsing stops at the first bad line so the
// result is always an ordered prefix of what was flushed.
//
// Returns ErrNoSessions when the job has no session files.
func (m *Manager) Recover(jobID string) (*Recovery, error) {
	dir := filepath.Join(m.root, jobID)
	matches, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	latest := latestSessionFile(matches)
	if latest == "" {
		return nil, ErrNoSessions
	}

	events, err := readEvents(latest)
	if err != nil {
		return nil, err
	}

	rec := &Recovery{SessionFile: latest}

	checkpointIdx := -1
	for i := range events {
		if events[i].Type == models.EventCheckpoint {
			checkpointIdx = i
		}
	}

	if checkpointIdx >= 0 {
		rec.LastCheckpoint = &events[checkpointIdx]
		rec.EventsSinceCheckpoint = events[checkpointIdx+1:]
		return rec, nil
	}

	// No checkpoint: everything after SESSION_START is replayable.
	startIdx := -1
	for i := range events {
		if events[i].Type == models.EventSessionStart {
			startIdx = i
			break
		}
	}
	rec.EventsSinceCheckpoint = events[startIdx+1:]
	return rec, nil
}

// latestSessionFile picks the session file with the highest counter. The
// counter is compared numerically: once it outgrows the zero padding,
// lexicographic order would put session-1000 before session-999.
func latestSessionFile(paths []string) string {
	best, bestCounter := "", -1
	for _, p := range paths {
		var counter int
		name := filepath.Base(p)
		if _, err := fmt.Sscanf(name, "session-%d.jsonl", &counter); err != nil {
			continue
		}
		if counter > bestCounter {
			best, bestCounter = p, counter
		}
	}
	return best
}

// Checksum is the CRC32 (IEEE) of a checkpoint blob, the value persisted on
// the job row and verified before resume.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func readEvents(path string) ([]models.SessionEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var events []models.SessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.SessionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn tail from a crash mid-write. Keep the prefix.
			break
		}
		events = append(events, ev)
	}
	// Scanner errors (oversized torn tail) also terminate the prefix.
	return events, nil
}
