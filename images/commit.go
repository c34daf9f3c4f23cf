package images

import (
	"io"
	"path/filepath"

	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/journal"
)

// pendingCommit is a metadata commit that has been announced in the file and the
// journal but not finished yet.
type pendingCommit struct {
	// entry is nil when the image has no journal.
	entry *journal.Entry
}

// readOldBytes reads what the file currently holds where `chunks` would be
// written. Bytes past the end of the file are left out: restoring the file's
// length takes care of them.
func (image *Image) readOldBytes(chunks []c.Chunk) ([]c.Chunk, error) {
	old := make([]c.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		data := make([]byte, len(chunk.Data))
		n, err := image.media.ReadAt(data, chunk.Offset)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n == 0 {
			continue
		}
		old = append(old, c.Chunk{Offset: chunk.Offset, Data: data[:n]})
	}
	return old, nil
}

// beginCommit puts a fresh marker into the file and saves a journal record of the
// metadata as it is on disk now. From this point on, a crash is rolled back by
// journal recovery until finishCommit is done.
func (image *Image) beginCommit() (*pendingCommit, error) {
	format := image.format
	marker := journal.NewMarker()

	chunks, err := format.Metadata()
	if err != nil {
		return nil, err
	}
	old, err := image.readOldBytes(chunks)
	if err != nil {
		return nil, err
	}
	length := image.media.Length()

	markerChunk, err := format.WithMarker(marker)
	if err != nil {
		return nil, err
	}
	err = image.media.WriteAt(markerChunk.Data, markerChunk.Offset)
	if err == nil {
		err = image.media.Sync()
	}
	if err != nil {
		return nil, err
	}

	pending := &pendingCommit{}
	if image.journal == nil {
		return pending, nil
	}

	subject, err := filepath.Abs(image.media.Path())
	if err != nil {
		subject = image.media.Path()
	}
	pending.entry, err = image.journal.Begin(&journal.Record{
		Subject:      subject,
		Length:       length,
		MarkerOffset: format.MarkerOffset(),
		Marker:       marker,
		Chunks:       old,
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// finishCommit writes the metadata, clears the marker, and trims the file to the
// end of the data arena. The chunk holding the marker goes last so the file only
// stops matching the journal record once everything else is on disk.
func (image *Image) finishCommit(pending *pendingCommit) error {
	format := image.format
	chunks, err := format.Metadata()
	if err != nil {
		return err
	}

	if pending.entry != nil {
		// Regions that moved since beginCommit, e.g. a trailing footer.
		old, err := image.readOldBytes(chunks)
		if err != nil {
			return err
		}
		err = pending.entry.Extend(old)
		if err != nil {
			return err
		}
	}

	last := len(chunks) - 1
	err = image.media.WriteChunks(chunks[:last])
	if err == nil {
		err = image.media.Sync()
	}
	if err == nil {
		err = image.media.WriteAt(chunks[last].Data, chunks[last].Offset)
	}
	if err == nil {
		err = image.media.Sync()
	}
	if err != nil {
		return err
	}

	length := format.FileLength(format.Table().Allocated())
	if image.media.Length() != length {
		err = image.media.Truncate(length)
		if err == nil {
			err = image.media.Sync()
		}
		if err != nil {
			return err
		}
	}

	image.dirty = false
	image.logger.Debug().
		Uint32("allocated", format.Table().Allocated()).
		Uint32("mapped", format.Table().Mapped()).
		Int64("length", length).
		Msg("metadata committed")

	if pending.entry != nil {
		return pending.entry.Delete()
	}
	return nil
}

// commit writes the table in memory to the file. Flat images have no metadata to
// write.
func (image *Image) commit() error {
	if !image.format.Sparse() {
		image.dirty = false
		return nil
	}
	pending, err := image.beginCommit()
	if err != nil {
		return err
	}
	return image.finishCommit(pending)
}

// Flush commits pending changes to the table.
func (image *Image) Flush() error {
	image.lock.Lock()
	defer image.lock.Unlock()

	if image.readOnly || !image.dirty {
		return nil
	}
	return image.commit()
}
