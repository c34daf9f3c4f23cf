// Package journal makes in-place metadata commits on image files crash-safe.
//
// Before an image's metadata is rewritten, a random marker is written inside the
// file and a record holding the old bytes of every region about to change is
// saved in the journal directory. Once the commit is complete the marker is gone
// from the file and the record is deleted. If the process dies in between, the
// next run finds the record, sees the marker still in place, and puts the old
// bytes back.
package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Extension is the file name extension of journal records.
const Extension = ".jrn"

// Tolerance is how much newer than its record an image file can be and still
// have the record applied. An image modified later than this was changed by
// something else after the crash, and restoring old bytes would destroy it.
const Tolerance = 6666 * time.Millisecond

// Journal is a directory of records.
type Journal struct {
	Dir    string
	Logger zerolog.Logger
	// Now is the clock used to timestamp records; nil means [time.Now].
	Now func() time.Time
}

// New creates a journal stored in `dir`, creating the directory if needed.
func New(dir string, logger zerolog.Logger) (*Journal, error) {
	RegisterMetrics()
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}
	return &Journal{Dir: dir, Logger: logger}, nil
}

func (j *Journal) now() time.Time {
	if j.Now == nil {
		return time.Now()
	}
	return j.Now()
}

// Entry is a record saved in the journal directory.
type Entry struct {
	journal *Journal
	path    string
	record  *Record
}

// Begin stamps the record with the current time and saves it durably.
func (j *Journal) Begin(record *Record) (*Entry, error) {
	record.Timestamp = j.now().UnixMilli()
	entry := &Entry{
		journal: j,
		path:    filepath.Join(j.Dir, uuid.NewString()+Extension),
		record:  record,
	}

	err := entry.save()
	if err != nil {
		return nil, err
	}
	j.Logger.Debug().
		Str("subject", record.Subject).
		Str("record", entry.path).
		Int("chunks", len(record.Chunks)).
		Msg("journal record written")
	return entry, nil
}

func (entry *Entry) Path() string {
	return entry.path
}

func (entry *Entry) Record() *Record {
	return entry.record
}

// Extend adds the old bytes of more regions to the record and saves it again.
// Regions already covered are skipped. The timestamp is refreshed, since the image
// has usually been written to since Begin.
func (entry *Entry) Extend(chunks []c.Chunk) error {
	added := 0
	for _, chunk := range chunks {
		if entry.record.Covers(chunk.Offset) {
			continue
		}
		entry.record.Chunks = append(entry.record.Chunks, chunk)
		added++
	}
	entry.record.Timestamp = entry.journal.now().UnixMilli()
	entry.journal.Logger.Debug().
		Str("record", entry.path).
		Int("added", added).
		Msg("journal record extended")
	return entry.save()
}

// Delete removes the record. Deleting it twice isn't an error.
func (entry *Entry) Delete() error {
	err := os.Remove(entry.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return compactvd.ErrIOFailed.Wrap(err)
	}
	return nil
}

// save writes the record to a temporary file and renames it into place, so the
// record file is always either absent or complete.
func (entry *Entry) save() error {
	data, err := Encode(entry.record)
	if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}

	temporaryPath := entry.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}

	_, err = file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(temporaryPath, entry.path)
	}
	if err != nil {
		os.Remove(temporaryPath)
		return compactvd.ErrIOFailed.Wrap(
			fmt.Errorf("saving journal record %q: %w", entry.path, err))
	}

	return syncDir(filepath.Dir(entry.path))
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}
	defer dir.Close()

	err = dir.Sync()
	if err != nil {
		return compactvd.ErrIOFailed.Wrap(err)
	}
	return nil
}
