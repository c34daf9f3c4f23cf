package journal

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dargueta/compactvd"
	c "github.com/dargueta/compactvd/images/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Record is everything needed to undo one metadata commit on an image file.
type Record struct {
	// Subject is the path of the image file.
	Subject string `cbor:"1,keyasint"`
	// Timestamp is when the record was written, in milliseconds since the Unix
	// epoch.
	Timestamp int64 `cbor:"2,keyasint"`
	// Length is the length of the image file before the commit.
	Length       int64  `cbor:"3,keyasint"`
	MarkerOffset int64  `cbor:"4,keyasint"`
	Marker       []byte `cbor:"5,keyasint"`
	// Chunks hold the bytes of every metadata region as they were before the
	// commit.
	Chunks []c.Chunk `cbor:"6,keyasint"`
}

func (record *Record) Time() time.Time {
	return time.UnixMilli(record.Timestamp)
}

// Covers returns true if some chunk of the record already holds the byte at
// `offset`.
func (record *Record) Covers(offset int64) bool {
	for _, chunk := range record.Chunks {
		if offset >= chunk.Offset && offset < chunk.End() {
			return true
		}
	}
	return false
}

const markerPrefix = "CVDJRNL1"

// NewMarker generates a random marker: a fixed prefix followed by a UUID.
func NewMarker() []byte {
	id := uuid.New()
	marker := make([]byte, 0, c.MarkerSize)
	marker = append(marker, markerPrefix...)
	return append(marker, id[:]...)
}

// IsMarker returns true if `data` looks like a marker written by NewMarker.
func IsMarker(data []byte) bool {
	return len(data) == c.MarkerSize && bytes.HasPrefix(data, []byte(markerPrefix))
}

////////////////////////////////////////////////////////////////////////////////

// digestSize is the size of the BLAKE3 digest at the start of a record file.
const digestSize = 32

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("journal: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("journal: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a record as it's stored on disk: the BLAKE3 digest of the
// payload, then the payload, which is the zstd-compressed CBOR encoding of the
// record.
func Encode(record *Record) ([]byte, error) {
	encoded, err := encMode.Marshal(record)
	if err != nil {
		return nil, err
	}
	payload := zstdEncoder.EncodeAll(encoded, nil)
	digest := blake3.Sum256(payload)

	data := make([]byte, 0, digestSize+len(payload))
	data = append(data, digest[:]...)
	return append(data, payload...), nil
}

// Decode parses a record file. A file that was only partly written fails with
// [compactvd.ErrCorruptMetadata].
func Decode(data []byte) (*Record, error) {
	if len(data) < digestSize {
		return nil, compactvd.ErrCorruptMetadata.WithMessage(
			fmt.Sprintf("journal record is only %d bytes", len(data)))
	}

	payload := data[digestSize:]
	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], data[:digestSize]) {
		return nil, compactvd.ErrCorruptMetadata.WithMessage("journal record digest mismatch")
	}

	encoded, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, compactvd.ErrCorruptMetadata.Wrap(err)
	}
	record := &Record{}
	err = decMode.Unmarshal(encoded, record)
	if err != nil {
		return nil, compactvd.ErrCorruptMetadata.Wrap(err)
	}
	return record, nil
}
