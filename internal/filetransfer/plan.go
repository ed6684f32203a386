// Package filetransfer splits a payload into header+body chunk pairs on the
// sending side and reassembles them in arrival order on the receiving side.
package filetransfer

// Slice is one chunk's byte range within the source.
type Slice struct {
	Offset int64
	Length int
}

// End is the exclusive end offset.
func (s Slice) End() int64 { return s.Offset + int64(s.Length) }

// Plan returns the non-overlapping slices covering [0, total): offsets 0,
// chunkSize, 2·chunkSize, … with only the last slice possibly shorter.
// It returns nil when total or chunkSize is not positive.
func Plan(total int64, chunkSize int) []Slice {
	if total <= 0 || chunkSize <= 0 {
		return nil
	}

	n := SliceCount(total, chunkSize)
	slices := make([]Slice, 0, n)
	for off := int64(0); off < total; off += int64(chunkSize) {
		length := int64(chunkSize)
		if rest := total - off; rest < length {
			length = rest
		}
		slices = append(slices, Slice{Offset: off, Length: int(length)})
	}
	return slices
}

// SliceCount is ceil(total / chunkSize).
func SliceCount(total int64, chunkSize int) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	c := int64(chunkSize)
	return int((total + c - 1) / c)
}
