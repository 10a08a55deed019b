/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
	"github.com/google/uuid"
)

// On-disk layout, all under the queue root:
//
//	data/<mail>/contents          message body (RFC 5322 bytes)
//	data/<mail>/<entry>/metadata  CBOR-encoded Metadata
//	data/<mail>/<entry>/schedule  JSON-encoded policy.Schedule
//	queue/<entry>                 relative symlink to data/<mail>/<entry>
//	inflight/<entry>              same, while a worker owns the entry
//	cleanup/<entry>               same, while the entry is being deleted
//
// Only data/ holds regular files. Crash-safety rests on three filesystem
// guarantees: rename of a regular file within a directory is atomic, rename
// of a symlink between the three state directories is atomic, and fsync of
// a file plus its parent directory makes prior writes durable.
const (
	dataDir     = "data"
	queueDir    = "queue"
	inflightDir = "inflight"
	cleanupDir  = "cleanup"

	contentsFile = "contents"
	metadataFile = "metadata"
	scheduleFile = "schedule"
)

// Metadata is the per-entry metadata. The envelope fields are mandated by
// the core, Policy is an opaque blob owned by the policy plane.
type Metadata struct {
	Sender    string         `cbor:"sender"`
	Recipient string         `cbor:"recipient"`
	Policy    policy.RawMeta `cbor:"policy,omitempty"`
}

// Entry identifies one (mail, recipient) queue unit together with its
// schedule as last read from disk.
type Entry struct {
	MailID   string
	EntryID  string
	Schedule policy.Schedule
}

// ErrLostRace is returned by SendStart when another worker took the entry
// first.
var ErrLostRace = errors.New("queue: entry is already in flight")

// FS is the durable storage half of the queue: directory layout, atomic
// state transitions and crash recovery. Scheduling lives in Queue.
type FS struct {
	root string

	Log log.Logger
}

func OpenFS(root string, logger log.Logger) (*FS, error) {
	fs := &FS{root: root, Log: logger}
	for _, dir := range []string{dataDir, queueDir, inflightDir, cleanupDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
	}
	return fs, nil
}

func (fs *FS) path(parts ...string) string {
	return filepath.Join(append([]string{fs.root}, parts...)...)
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// writeFileSync writes blob to dir/name via a write to a uuid-suffixed
// temporary in the same directory followed by a rename, then syncs the
// directory. The rename makes readers see either the old or the new
// contents, never a partial write.
func writeFileSync(dir, name string, blob []byte) error {
	tmp := filepath.Join(dir, name+"."+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func marshalSchedule(sched policy.Schedule) ([]byte, error) {
	return json.Marshal(sched)
}

func readSchedule(path string) (policy.Schedule, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return policy.Schedule{}, err
	}
	var sched policy.Schedule
	if err := json.Unmarshal(blob, &sched); err != nil {
		return policy.Schedule{}, err
	}
	return sched, nil
}

// MailWriter is the in-progress state of an enqueue: entry directories and
// their files exist under data/, contents is being streamed in, and nothing
// has been published to queue/ yet. Either Commit or Abort must be called.
type MailWriter struct {
	fs      *FS
	mailID  string
	entries []Entry

	contents *os.File
	finished bool
}

// Enqueue starts the enqueue protocol for a mail with one entry per element
// of metas. It creates the mail and entry directories and their metadata
// and schedule files, and returns a writer for the contents.
//
// Entries are published to queue/ only by Commit. If the process dies
// before that, startup recovery (recoverOrphans) discards the tree when it
// has no contents file and otherwise publishes its entries.
func (fs *FS) Enqueue(metas []Metadata, sched policy.Schedule) (*MailWriter, error) {
	if len(metas) == 0 {
		return nil, fmt.Errorf("queue: enqueue with no recipients")
	}

	mailID := uuid.New().String()
	mailDir := fs.path(dataDir, mailID)
	// A fresh uuid must not collide; if it does, something is corrupting
	// the tree and proceeding would mix two mails.
	if err := os.Mkdir(mailDir, 0700); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	w := &MailWriter{fs: fs, mailID: mailID}
	for _, meta := range metas {
		entryID := uuid.New().String()
		entryDir := filepath.Join(mailDir, entryID)
		if err := os.Mkdir(entryDir, 0700); err != nil {
			w.Abort()
			return nil, fmt.Errorf("queue: %w", err)
		}

		metaBlob, err := policy.Marshal(meta)
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("queue: %w", err)
		}
		if err := writeFileSync(entryDir, metadataFile, metaBlob); err != nil {
			w.Abort()
			return nil, fmt.Errorf("queue: %w", err)
		}

		schedBlob, err := marshalSchedule(sched)
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("queue: %w", err)
		}
		if err := writeFileSync(entryDir, scheduleFile, schedBlob); err != nil {
			w.Abort()
			return nil, fmt.Errorf("queue: %w", err)
		}

		w.entries = append(w.entries, Entry{MailID: mailID, EntryID: entryID, Schedule: sched})
	}

	contents, err := os.OpenFile(filepath.Join(mailDir, contentsFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("queue: %w", err)
	}
	w.contents = contents

	return w, nil
}

func (w *MailWriter) Write(p []byte) (int, error) {
	return w.contents.Write(p)
}

// Commit makes the mail durable and publishes its entries to queue/. It
// returns only after every symlink is in place and synced; from that point
// the mail cannot be lost.
func (w *MailWriter) Commit() ([]Entry, error) {
	if w.finished {
		panic("queue: MailWriter used after Commit/Abort")
	}

	if err := w.contents.Sync(); err != nil {
		w.Abort()
		return nil, exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	if err := w.contents.Close(); err != nil {
		w.Abort()
		return nil, exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	w.contents = nil
	if err := syncDir(w.fs.path(dataDir, w.mailID)); err != nil {
		w.Abort()
		return nil, exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	// Publish. A symlink is created under a temporary name and renamed into
	// place so that the published name either exists completely or not at
	// all, and the queue directory is synced once at the end.
	published := make([]string, 0, len(w.entries))
	for _, e := range w.entries {
		if err := w.fs.publishSymlink(queueDir, e.MailID, e.EntryID); err != nil {
			for _, id := range published {
				os.Remove(w.fs.path(queueDir, id))
			}
			w.Abort()
			return nil, exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
		}
		published = append(published, e.EntryID)
	}
	if err := syncDir(w.fs.path(queueDir)); err != nil {
		for _, id := range published {
			os.Remove(w.fs.path(queueDir, id))
		}
		w.Abort()
		return nil, exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	w.finished = true
	return w.entries, nil
}

// Abort removes every trace of the mail. Safe to call at any stage of the
// enqueue, including after a failed Commit.
func (w *MailWriter) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	if w.contents != nil {
		w.contents.Close()
		w.contents = nil
	}
	if err := os.RemoveAll(w.fs.path(dataDir, w.mailID)); err != nil {
		w.fs.Log.Error("failed to remove aborted mail", err, "mail_id", w.mailID)
	}
}

// publishSymlink creates stateDir/<entry> pointing at data/<mail>/<entry>.
// The target is stored relative so the queue root can be moved.
func (fs *FS) publishSymlink(stateDir, mailID, entryID string) error {
	target := filepath.Join("..", dataDir, mailID, entryID)
	tmp := fs.path(stateDir, entryID+"."+uuid.New().String())
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.path(stateDir, entryID)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// entryDir resolves the entry symlink in stateDir to the data/ directory it
// points at.
func (fs *FS) entryDir(stateDir, entryID string) (string, error) {
	target, err := os.Readlink(fs.path(stateDir, entryID))
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return "", fmt.Errorf("queue: absolute symlink target %s", target)
	}
	return filepath.Join(fs.path(stateDir), target), nil
}

// mailIDof extracts the mail id from a resolved entry directory path.
func mailIDof(entryDir string) string {
	return filepath.Base(filepath.Dir(entryDir))
}

// SendStart moves the entry from queue/ to inflight/, establishing
// exclusive ownership. The rename is the linearization point: when two
// workers race, exactly one rename finds the source name and succeeds, the
// other gets ErrLostRace.
func (fs *FS) SendStart(entryID string) error {
	err := os.Rename(fs.path(queueDir, entryID), fs.path(inflightDir, entryID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLostRace
		}
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	return nil
}

// SendDone disposes of a delivered (or permanently failed) entry: the
// symlink moves to cleanup/ and the entry's files are deleted, followed by
// the whole mail directory once its last entry is gone. Every step is
// idempotent, recovery re-runs the same sequence for symlinks found in
// cleanup/ after a crash.
func (fs *FS) SendDone(entryID string) error {
	if err := os.Rename(fs.path(inflightDir, entryID), fs.path(cleanupDir, entryID)); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	return fs.resumeCleanup(entryID)
}

func (fs *FS) resumeCleanup(entryID string) error {
	entryDir, err := fs.entryDir(cleanupDir, entryID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	// The entry directory, then the mail directory if this was the last
	// entry and only contents remains, then the state symlink.
	if err := os.RemoveAll(entryDir); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	mailDir := filepath.Dir(entryDir)
	dirents, err := os.ReadDir(mailDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	lastEntry := err == nil
	for _, d := range dirents {
		if d.Name() != contentsFile {
			lastEntry = false
		}
	}
	if lastEntry {
		if err := os.RemoveAll(mailDir); err != nil {
			return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
		}
	}

	if err := os.Remove(fs.path(cleanupDir, entryID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	return nil
}

// SendCancel returns an in-flight entry to the queue after a transient
// failure, making the updated schedule durable first so that a crash
// between the two steps never loses an attempt count increment.
func (fs *FS) SendCancel(entryID string, sched policy.Schedule) error {
	entryDir, err := fs.entryDir(inflightDir, entryID)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	schedBlob, err := marshalSchedule(sched)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := writeFileSync(entryDir, scheduleFile, schedBlob); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}

	if err := os.Rename(fs.path(inflightDir, entryID), fs.path(queueDir, entryID)); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	return nil
}

// Reschedule updates the schedule of an entry sitting in queue/ (not in
// flight).
func (fs *FS) Reschedule(entryID string, sched policy.Schedule) error {
	entryDir, err := fs.entryDir(queueDir, entryID)
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	schedBlob, err := marshalSchedule(sched)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := writeFileSync(entryDir, scheduleFile, schedBlob); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("queue: %w", err), true)
	}
	return nil
}

// ReadInflight reads the metadata and schedule of an entry owned by the
// caller (in inflight/).
func (fs *FS) ReadInflight(entryID string) (Metadata, policy.Schedule, error) {
	entryDir, err := fs.entryDir(inflightDir, entryID)
	if err != nil {
		return Metadata{}, policy.Schedule{}, fmt.Errorf("queue: %w", err)
	}

	metaBlob, err := os.ReadFile(filepath.Join(entryDir, metadataFile))
	if err != nil {
		return Metadata{}, policy.Schedule{}, fmt.Errorf("queue: %w", err)
	}
	var meta Metadata
	if err := policy.Unmarshal(metaBlob, &meta); err != nil {
		return Metadata{}, policy.Schedule{}, fmt.Errorf("queue: %w", err)
	}

	sched, err := readSchedule(filepath.Join(entryDir, scheduleFile))
	if err != nil {
		return Metadata{}, policy.Schedule{}, fmt.Errorf("queue: %w", err)
	}

	return meta, sched, nil
}

// OpenContents opens the message body of an in-flight entry.
func (fs *FS) OpenContents(entryID string) (io.ReadCloser, error) {
	entryDir, err := fs.entryDir(inflightDir, entryID)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return os.Open(filepath.Join(filepath.Dir(entryDir), contentsFile))
}

// ListQueue scans queue/ and returns every entry with its schedule.
// Entries whose schedule cannot be read are logged and skipped, not
// deleted: unknown files are preserved for a human to look at.
func (fs *FS) ListQueue() ([]Entry, error) {
	dirents, err := os.ReadDir(fs.path(queueDir))
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if d.Type()&os.ModeSymlink == 0 {
			continue
		}
		e, err := fs.readQueued(d.Name())
		if err != nil {
			fs.Log.Error("unreadable queue entry, skipping", err, "entry_id", d.Name())
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (fs *FS) readQueued(entryID string) (Entry, error) {
	entryDir, err := fs.entryDir(queueDir, entryID)
	if err != nil {
		return Entry{}, err
	}
	sched, err := readSchedule(filepath.Join(entryDir, scheduleFile))
	if err != nil {
		return Entry{}, err
	}
	return Entry{MailID: mailIDof(entryDir), EntryID: entryID, Schedule: sched}, nil
}

// Recover reconciles the on-disk state after a restart:
//
//   - symlinks in inflight/ belong to workers that no longer exist, they
//     move back to queue/ (single-process deployment is assumed);
//   - symlinks in cleanup/ resume the SendDone step sequence;
//   - orphan data/<mail> trees (no symlink anywhere) are discarded when
//     contents is missing or no entry directory exists, and published back
//     into queue/ otherwise: once contents was durable the mail must not
//     be lost.
//
// It returns the recovered queue, ready to be scheduled.
func (fs *FS) Recover() ([]Entry, error) {
	// Crashed in-flight entries.
	dirents, err := os.ReadDir(fs.path(inflightDir))
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	for _, d := range dirents {
		if d.Type()&os.ModeSymlink == 0 {
			continue
		}
		if err := os.Rename(fs.path(inflightDir, d.Name()), fs.path(queueDir, d.Name())); err != nil {
			fs.Log.Error("failed to recover in-flight entry", err, "entry_id", d.Name())
			continue
		}
		fs.Log.Msg("recovered in-flight entry", "entry_id", d.Name())
	}

	// Unfinished cleanups.
	dirents, err = os.ReadDir(fs.path(cleanupDir))
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	for _, d := range dirents {
		if d.Type()&os.ModeSymlink == 0 {
			continue
		}
		if err := fs.resumeCleanup(d.Name()); err != nil {
			fs.Log.Error("failed to resume cleanup", err, "entry_id", d.Name())
			continue
		}
		fs.Log.Msg("resumed cleanup", "entry_id", d.Name())
	}

	// Orphan data trees.
	if err := fs.recoverOrphans(); err != nil {
		return nil, err
	}

	return fs.ListQueue()
}

func (fs *FS) recoverOrphans() error {
	published := map[string]string{}
	for _, stateDir := range []string{queueDir, inflightDir, cleanupDir} {
		dirents, err := os.ReadDir(fs.path(stateDir))
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		for _, d := range dirents {
			if d.Type()&os.ModeSymlink != 0 {
				published[d.Name()] = stateDir
			}
		}
	}

	mails, err := os.ReadDir(fs.path(dataDir))
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	for _, mail := range mails {
		if !mail.IsDir() {
			continue
		}
		mailID := mail.Name()
		mailDir := fs.path(dataDir, mailID)

		dirents, err := os.ReadDir(mailDir)
		if err != nil {
			fs.Log.Error("unreadable mail directory", err, "mail_id", mailID)
			continue
		}

		haveContents := false
		var entryIDs []string
		for _, d := range dirents {
			if d.Name() == contentsFile {
				haveContents = true
			} else if d.IsDir() {
				entryIDs = append(entryIDs, d.Name())
			}
		}

		if !haveContents || len(entryIDs) == 0 {
			// An enqueue that died before contents became durable (or a
			// cleanup that removed the last entry but crashed before the
			// mail directory). Nothing can be delivered, discard.
			fs.Log.Msg("discarding partial mail", "mail_id", mailID)
			if err := os.RemoveAll(mailDir); err != nil {
				fs.Log.Error("failed to discard partial mail", err, "mail_id", mailID)
			}
			continue
		}

		// Contents is durable: publish entries that lost their symlink.
		publishedAny := false
		for _, entryID := range entryIDs {
			if _, ok := published[entryID]; ok {
				continue
			}
			if _, err := os.Stat(filepath.Join(mailDir, entryID, scheduleFile)); err != nil {
				// The entry files themselves never became durable; this
				// crash happened mid-enqueue and no symlink was ever
				// published for the mail, so the whole tree would have
				// been discarded if contents was not flushed. Leave the
				// entry out rather than deliver without a schedule.
				fs.Log.Msg("orphan entry without schedule, skipping", "mail_id", mailID, "entry_id", entryID)
				continue
			}
			if err := fs.publishSymlink(queueDir, mailID, entryID); err != nil {
				fs.Log.Error("failed to publish orphan entry", err, "mail_id", mailID, "entry_id", entryID)
				continue
			}
			publishedAny = true
			fs.Log.Msg("published orphan entry", "mail_id", mailID, "entry_id", entryID)
		}
		if publishedAny {
			if err := syncDir(fs.path(queueDir)); err != nil {
				return fmt.Errorf("queue: %w", err)
			}
		}
	}
	return nil
}
