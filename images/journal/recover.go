package journal

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/hashicorp/go-multierror"
)

// Result says what recovery did with one record.
type Result int

const (
	// Discarded records were unreadable, i.e. torn while being written. Nothing
	// had been changed on the image yet.
	Discarded Result = iota
	// Stale records refer to an image that is gone or was modified after the
	// record's commit should have ended.
	Stale
	// Committed records belong to a commit that completed; only the record
	// deletion was lost.
	Committed
	// Restored records were applied: the image got its old metadata back.
	Restored
)

func (r Result) String() string {
	switch r {
	case Discarded:
		return "discarded"
	case Stale:
		return "stale"
	case Committed:
		return "committed"
	case Restored:
		return "restored"
	default:
		return "unknown"
	}
}

// Outcome describes what happened to one record.
type Outcome struct {
	Path    string
	Subject string
	Result  Result
	// Chunks is the number of regions rewritten on the image.
	Chunks int
}

// Recover processes every record in the journal directory. Records that can't be
// handled because of an I/O error are left in place for the next run, and their
// errors are combined in the returned error. A missing directory holds no records.
func (j *Journal) Recover(ctx context.Context) ([]Outcome, error) {
	dirEntries, err := os.ReadDir(j.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, compactvd.ErrIOFailed.Wrap(err)
	}

	var outcomes []Outcome
	var result error
	for _, dirEntry := range dirEntries {
		if ctx.Err() != nil {
			break
		}
		name := dirEntry.Name()
		path := filepath.Join(j.Dir, name)

		// A leftover temporary file is a record that was never renamed into place.
		if strings.HasSuffix(name, Extension+".tmp") {
			os.Remove(path)
			continue
		}
		if dirEntry.IsDir() || !strings.HasSuffix(name, Extension) {
			continue
		}

		outcome, err := j.RecoverFile(path)
		if err != nil {
			j.Logger.Error().Err(err).Str("record", path).Msg("journal recovery failed")
			result = multierror.Append(result, err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, result
}

// RecoverFile processes a single record file and deletes it, unless an I/O error
// prevents deciding what to do with it.
func (j *Journal) RecoverFile(path string) (Outcome, error) {
	outcome := Outcome{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return outcome, compactvd.ErrIOFailed.Wrap(err)
	}

	record, err := Decode(data)
	if err == nil && !IsMarker(record.Marker) {
		err = compactvd.ErrCorruptMetadata.WithMessage("journal record has no valid marker")
	}
	if err != nil {
		j.Logger.Warn().Err(err).Str("record", path).Msg("discarding unreadable journal record")
		outcome.Result = Discarded
		return j.finish(outcome)
	}
	outcome.Subject = record.Subject

	info, err := os.Stat(record.Subject)
	if errors.Is(err, fs.ErrNotExist) {
		outcome.Result = Stale
		return j.finish(outcome)
	} else if err != nil {
		return outcome, compactvd.ErrIOFailed.Wrap(err)
	}
	if info.ModTime().After(record.Time().Add(Tolerance)) {
		j.Logger.Warn().
			Str("subject", record.Subject).
			Time("modified", info.ModTime()).
			Time("recorded", record.Time()).
			Msg("image changed after its journal record, not restoring")
		outcome.Result = Stale
		return j.finish(outcome)
	}

	media, err := c.OpenMedia(record.Subject, false)
	if err != nil {
		return outcome, err
	}
	outcome.Result, outcome.Chunks, err = restore(media, record)
	closeErr := media.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return outcome, err
	}

	if outcome.Result == Restored {
		j.Logger.Warn().
			Str("subject", record.Subject).
			Int("chunks", outcome.Chunks).
			Msg("restored image metadata from journal")
	}
	return j.finish(outcome)
}

// restore puts the recorded bytes back if the marker shows the commit didn't
// complete.
func restore(media *c.Media, record *Record) (Result, int, error) {
	current := make([]byte, len(record.Marker))
	err := media.ReadFull(record.MarkerOffset, current)
	if err != nil || !bytes.Equal(current, record.Marker) {
		return Committed, 0, nil
	}

	rewritten := 0
	for _, chunk := range record.Chunks {
		current := make([]byte, len(chunk.Data))
		n, _ := media.ReadAt(current, chunk.Offset)
		if n == len(current) && bytes.Equal(current, chunk.Data) {
			continue
		}
		err = media.WriteAt(chunk.Data, chunk.Offset)
		if err != nil {
			return Restored, rewritten, err
		}
		rewritten++
	}

	if record.Length > 0 && media.Length() != record.Length {
		err = media.Truncate(record.Length)
		if err != nil {
			return Restored, rewritten, err
		}
	}
	return Restored, rewritten, media.Sync()
}

// finish deletes the record of a handled outcome.
func (j *Journal) finish(outcome Outcome) (Outcome, error) {
	recordsRecovered.WithLabelValues(outcome.Result.String()).Inc()
	err := os.Remove(outcome.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return outcome, compactvd.ErrIOFailed.Wrap(err)
	}
	return outcome, nil
}
