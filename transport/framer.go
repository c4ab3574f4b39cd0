package transport

import (
	"encoding/binary"

	"github.com/vatwire/capnp/internal/rpcerr"
)

// Per spec §4.1: segment_count-1 (u32 LE), then segment_count size words
// (u32 LE, each counting 8-byte words), an optional pad word, then the
// body words.
const (
	// MaxSegments bounds segment_count.
	MaxSegments = 512
	// MaxBodyWords bounds total body size, in 8-byte words.
	MaxBodyWords = 8 * 1024 * 1024
)

// Framer incrementally parses Cap'n Proto stream frames out of a byte
// stream that may deliver partial chunks. It is not safe for concurrent
// use; the peer that owns it runs single-threaded (spec §5).
type Framer struct {
	buf    []byte
	failed bool
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer { return &Framer{} }

// Push appends newly-received bytes to the framer's internal buffer.
// Push after a framing error (until Reset) is a programmer error but is
// tolerated by simply continuing to buffer; PopFrame will keep failing.
func (f *Framer) Push(b []byte) {
	f.buf = append(f.buf, b...)
}

// Reset discards all buffered bytes and clears the failure latch. The
// spec requires callers to Reset after any framing error, since further
// PopFrame calls would otherwise deterministically fail on the same
// bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.failed = false
}

// PopFrame returns the next complete frame, header and pad word
// included (SegmentSizes parses it back), consuming it from the
// internal buffer. ok is false if no complete frame is
// buffered yet. An error here is sticky: the caller must Reset before
// trying again.
func (f *Framer) PopFrame() (frame []byte, ok bool, err error) {
	if f.failed {
		return nil, false, rpcerr.New(rpcerr.KindInvalidFrame, "framer.pop_frame", "framer is in a failed state; call Reset")
	}
	if len(f.buf) < 4 {
		return nil, false, nil
	}
	segCountMinus1 := binary.LittleEndian.Uint32(f.buf[0:4])
	segCount := int(segCountMinus1) + 1
	if segCount <= 0 || segCount > MaxSegments {
		f.failed = true
		return nil, false, rpcerr.Errorf(rpcerr.KindInvalidFrame, "framer.pop_frame", "segment count %d out of range", segCount)
	}
	sizesOff := 4
	sizesLen := segCount * 4
	headerLen := sizesOff + sizesLen
	// Align header to 8 bytes with a zero pad word.
	padded := headerLen
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	if len(f.buf) < padded {
		return nil, false, nil
	}
	totalWords := 0
	sizesWords := make([]int, segCount)
	for i := 0; i < segCount; i++ {
		w := binary.LittleEndian.Uint32(f.buf[sizesOff+i*4 : sizesOff+i*4+4])
		sizesWords[i] = int(w)
		totalWords += int(w)
		if totalWords > MaxBodyWords {
			f.failed = true
			return nil, false, rpcerr.Errorf(rpcerr.KindFrameTooLarge, "framer.pop_frame", "body of %d words exceeds cap of %d", totalWords, MaxBodyWords)
		}
	}
	bodyLen := totalWords * 8
	frameLen := padded + bodyLen
	if len(f.buf) < frameLen {
		return nil, false, nil
	}
	out := make([]byte, frameLen)
	copy(out, f.buf[:frameLen])
	f.buf = append(f.buf[:0], f.buf[frameLen:]...)
	return out, true, nil
}

// SegmentSizes parses the header of a frame previously returned by
// PopFrame, returning the word-count of each segment and the byte
// offset its data starts at within frame.
func SegmentSizes(frame []byte) (sizesWords []int, dataOffset int, err error) {
	if len(frame) < 4 {
		return nil, 0, rpcerr.New(rpcerr.KindTruncatedMessage, "framer.segment_sizes", "frame shorter than header")
	}
	segCount := int(binary.LittleEndian.Uint32(frame[0:4])) + 1
	if segCount <= 0 || segCount > MaxSegments {
		return nil, 0, rpcerr.Errorf(rpcerr.KindInvalidFrame, "framer.segment_sizes", "segment count %d out of range", segCount)
	}
	sizesOff := 4
	headerLen := sizesOff + segCount*4
	if len(frame) < headerLen {
		return nil, 0, rpcerr.New(rpcerr.KindTruncatedMessage, "framer.segment_sizes", "frame shorter than segment table")
	}
	sizes := make([]int, segCount)
	for i := 0; i < segCount; i++ {
		sizes[i] = int(binary.LittleEndian.Uint32(frame[sizesOff+i*4 : sizesOff+i*4+4]))
	}
	padded := headerLen
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	return sizes, padded, nil
}

// EncodeHeader builds the segment-count/size header (plus pad) for the
// given per-segment word counts.
func EncodeHeader(sizesWords []int) []byte {
	segCount := len(sizesWords)
	headerLen := 4 + segCount*4
	padded := headerLen
	if padded%8 != 0 {
		padded += 8 - padded%8
	}
	out := make([]byte, padded)
	binary.LittleEndian.PutUint32(out[0:4], uint32(segCount-1))
	for i, w := range sizesWords {
		binary.LittleEndian.PutUint32(out[4+i*4:8+i*4], uint32(w))
	}
	return out
}
