package journal_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	c "github.com/dargueta/compactvd/images/common"
	"github.com/dargueta/compactvd/images/journal"
	cvdtest "github.com/dargueta/compactvd/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const markerOffset = 100

func newJournal(t *testing.T) *journal.Journal {
	j, err := journal.New(filepath.Join(t.TempDir(), "journal"), zerolog.Nop())
	require.NoError(t, err)
	return j
}

func recordFiles(j *journal.Journal, t *testing.T) []string {
	matches, err := filepath.Glob(filepath.Join(j.Dir, "*"))
	require.NoError(t, err)
	return matches
}

// startCommit simulates the first half of a metadata commit on `subject`: the
// old bytes of two regions are recorded, the marker is written into the file,
// then the regions are overwritten. It returns the original file contents.
func startCommit(j *journal.Journal, subject string, t *testing.T) (*journal.Entry, []byte) {
	original, err := os.ReadFile(subject)
	require.NoError(t, err)

	marker := journal.NewMarker()
	record := &journal.Record{
		Subject:      subject,
		Length:       int64(len(original)),
		MarkerOffset: markerOffset,
		Marker:       marker,
		Chunks: []c.Chunk{
			{Offset: 0, Data: append([]byte(nil), original[:markerOffset+c.MarkerSize]...)},
			{Offset: 2048, Data: append([]byte(nil), original[2048:3072]...)},
		},
	}

	file, err := os.OpenFile(subject, os.O_RDWR, 0)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.WriteAt(marker, markerOffset)
	require.NoError(t, err)
	entry, err := j.Begin(record)
	require.NoError(t, err)

	_, err = file.WriteAt(bytes.Repeat([]byte{0xEE}, 1024), 2048)
	require.NoError(t, err)
	_, err = file.WriteAt(bytes.Repeat([]byte{0xDD}, 16), 0)
	require.NoError(t, err)
	return entry, original
}

func TestBegin__WritesRecord(t *testing.T) {
	j := newJournal(t)
	j.Now = func() time.Time { return time.UnixMilli(5000) }

	entry, err := j.Begin(&journal.Record{Subject: "x", Marker: journal.NewMarker()})
	require.NoError(t, err)

	assert.Equal(t, []string{entry.Path()}, recordFiles(j, t))
	assert.Equal(t, journal.Extension, filepath.Ext(entry.Path()))

	data, err := os.ReadFile(entry.Path())
	require.NoError(t, err)
	record, err := journal.Decode(data)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, record.Timestamp)
	assert.Equal(t, "x", record.Subject)

	require.NoError(t, entry.Delete())
	assert.Empty(t, recordFiles(j, t))
	assert.NoError(t, entry.Delete(), "second delete is a no-op")
}

func TestExtend(t *testing.T) {
	j := newJournal(t)
	now := time.UnixMilli(1000)
	j.Now = func() time.Time { return now }

	entry, err := j.Begin(&journal.Record{
		Subject: "x",
		Chunks:  []c.Chunk{{Offset: 0, Data: []byte{1, 2}}},
	})
	require.NoError(t, err)

	now = time.UnixMilli(9000)
	err = entry.Extend([]c.Chunk{
		{Offset: 1, Data: []byte{9}},
		{Offset: 10, Data: []byte{3}},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(entry.Path())
	require.NoError(t, err)
	record, err := journal.Decode(data)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, record.Timestamp)
	assert.Equal(
		t,
		[]c.Chunk{{Offset: 0, Data: []byte{1, 2}}, {Offset: 10, Data: []byte{3}}},
		record.Chunks,
		"chunk at offset 1 was already covered",
	)
}

func TestRecover__Restores(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	_, original := startCommit(j, subject, t)

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Restored, outcomes[0].Result)
	assert.Equal(t, subject, outcomes[0].Subject)
	assert.Equal(t, 2, outcomes[0].Chunks)

	restored, err := os.ReadFile(subject)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	assert.Empty(t, recordFiles(j, t))
}

func TestRecover__RestoresLength(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	_, original := startCommit(j, subject, t)

	file, err := os.OpenFile(subject, os.O_RDWR|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.Write(make([]byte, 3000))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = j.Recover(context.Background())
	require.NoError(t, err)

	restored, err := os.ReadFile(subject)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestRecover__Committed(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	startCommit(j, subject, t)

	// The commit finished: the marker was overwritten by the new metadata.
	file, err := os.OpenFile(subject, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = file.WriteAt(make([]byte, c.MarkerSize), markerOffset)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	committed, err := os.ReadFile(subject)
	require.NoError(t, err)

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Committed, outcomes[0].Result)

	after, err := os.ReadFile(subject)
	require.NoError(t, err)
	assert.Equal(t, committed, after, "a committed image must not be touched")
	assert.Empty(t, recordFiles(j, t))
}

func TestRecover__ModifiedLater(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	startCommit(j, subject, t)
	before, err := os.ReadFile(subject)
	require.NoError(t, err)

	later := time.Now().Add(journal.Tolerance + time.Minute)
	require.NoError(t, os.Chtimes(subject, later, later))

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Stale, outcomes[0].Result)

	after, err := os.ReadFile(subject)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, recordFiles(j, t))
}

func TestRecover__SubjectGone(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	startCommit(j, subject, t)
	require.NoError(t, os.Remove(subject))

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Stale, outcomes[0].Result)
	assert.Empty(t, recordFiles(j, t))
}

func TestRecover__TornRecord(t *testing.T) {
	j := newJournal(t)
	torn := filepath.Join(j.Dir, "torn"+journal.Extension)
	require.NoError(t, os.WriteFile(torn, []byte("not a record"), 0o600))
	temporary := filepath.Join(j.Dir, "other"+journal.Extension+".tmp")
	require.NoError(t, os.WriteFile(temporary, []byte("half"), 0o600))
	unrelated := filepath.Join(j.Dir, "README")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0o600))

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Discarded, outcomes[0].Result)
	assert.Equal(t, []string{unrelated}, recordFiles(j, t))
}

func TestRecover__RecordWithoutMarker(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	before, err := os.ReadFile(subject)
	require.NoError(t, err)

	// An empty marker would match any file.
	_, err = j.Begin(&journal.Record{
		Subject: subject,
		Length:  int64(len(before)),
		Chunks:  []c.Chunk{{Offset: 0, Data: make([]byte, 512)}},
	})
	require.NoError(t, err)

	outcomes, err := j.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, journal.Discarded, outcomes[0].Result)

	after, err := os.ReadFile(subject)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, recordFiles(j, t))
}

func TestRecover__MissingDirectory(t *testing.T) {
	j := &journal.Journal{Dir: filepath.Join(t.TempDir(), "nope"), Logger: zerolog.Nop()}
	outcomes, err := j.Recover(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRecover__Cancelled(t *testing.T) {
	j := newJournal(t)
	subject := cvdtest.WriteTempFile("disk.img", cvdtest.CreateRandomBlocks(512, 8, t), t)
	startCommit(j, subject, t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes, err := j.Recover(ctx)
	assert.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Len(t, recordFiles(j, t), 1, "records are left for the next run")
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "restored", journal.Restored.String())
	assert.Equal(t, "discarded", journal.Discarded.String())
}
