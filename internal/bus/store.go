package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	pendingDir   = "pending"
	processedDir = "processed"
	errorDir     = "error"

	dirPerm  = 0700
	filePerm = 0600
)

// store persists one JSON file per message under pending/, processed/, and
// error/ subdirectories of the bus data directory. Writes are atomic
// (temp file then rename) so a crash never leaves a half-written message.
type store struct {
	root string
}

func newStore(root string) (*store, error) {
	if root == "" {
		return nil, fmt.Errorf("bus data directory required")
	}
	for _, sub := range []string{pendingDir, processedDir, errorDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create message directory: %w", err)
		}
	}
	return &store{root: root}, nil
}

func (s *store) pendingPath(id string) string {
	return filepath.Join(s.root, pendingDir, id+".json")
}

func (s *store) processedPath(id string) string {
	return filepath.Join(s.root, processedDir, id+".json")
}

func (s *store) errorPath(id string) string {
	return filepath.Join(s.root, errorDir, id+".json")
}

// writePending persists a new message into the pending directory.
func (s *store) writePending(msg *Message) error {
	return writeAtomic(s.pendingPath(msg.ID), msg)
}

// update rewrites a pending message in place, used after a retry count bump.
func (s *store) update(msg *Message) error {
	path := s.pendingPath(msg.ID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
		}
		return fmt.Errorf("failed to stat message: %w", err)
	}
	return writeAtomic(path, msg)
}

// get loads a single pending message by id.
func (s *store) get(id string) (*Message, error) {
	return readMessage(s.pendingPath(id))
}

// listPending returns all pending messages ordered by sequence number.
// Directory enumeration order is never trusted for dispatch ordering.
func (s *store) listPending() ([]*Message, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pendingDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read pending directory: %w", err)
	}
	msgs := make([]*Message, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		msg, err := readMessage(filepath.Join(s.root, pendingDir, entry.Name()))
		if err != nil {
			// Skip unreadable files rather than stalling the queue.
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// markProcessed moves a pending message into the processed directory.
func (s *store) markProcessed(id string) error {
	msg, err := s.get(id)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.processedPath(id), msg); err != nil {
		return err
	}
	if err := os.Remove(s.pendingPath(id)); err != nil {
		return fmt.Errorf("failed to remove pending message: %w", err)
	}
	return nil
}

// markError moves a pending message into the error directory, recording the
// rejection reason and time in its metadata. It writes the caller's copy of
// the message, not the pending file, so counters bumped during dispatch
// (retryCount in particular) reach the durable record.
func (s *store) markError(msg *Message, reason string) error {
	if _, err := os.Stat(s.pendingPath(msg.ID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
		}
		return fmt.Errorf("failed to stat message: %w", err)
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 2)
	}
	msg.Metadata["rejectionReason"] = reason
	msg.Metadata["rejectedAt"] = time.Now().UTC().Format(time.RFC3339)
	if err := writeAtomic(s.errorPath(msg.ID), msg); err != nil {
		return err
	}
	if err := os.Remove(s.pendingPath(msg.ID)); err != nil {
		return fmt.Errorf("failed to remove pending message: %w", err)
	}
	return nil
}

// maxSeq scans every message directory and returns the highest sequence
// number seen, so sequence assignment stays monotonic across restarts.
func (s *store) maxSeq() (uint64, error) {
	var max uint64
	for _, sub := range []string{pendingDir, processedDir, errorDir} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, fmt.Errorf("failed to read message directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			msg, err := readMessage(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if msg.Seq > max {
				max = msg.Seq
			}
		}
	}
	return max, nil
}

// gc removes pending and processed messages older than ttl, judged by file
// modification time. The error directory is kept for inspection.
func (s *store) gc(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, sub := range []string{pendingDir, processedDir} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("failed to read message directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

// counts returns the number of messages in each directory.
func (s *store) counts() (pending, processed, failed int, err error) {
	count := func(sub string) (int, error) {
		entries, err := os.ReadDir(filepath.Join(s.root, sub))
		if err != nil {
			return 0, err
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				n++
			}
		}
		return n, nil
	}
	if pending, err = count(pendingDir); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	if processed, err = count(processedDir); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count processed messages: %w", err)
	}
	if failed, err = count(errorDir); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count failed messages: %w", err)
	}
	return pending, processed, failed, nil
}

func readMessage(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

func writeAtomic(path string, msg *Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize message write: %w", err)
	}
	return nil
}
