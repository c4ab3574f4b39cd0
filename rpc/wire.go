package rpc

import (
	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/transport"
)

// DecodeFrame turns a framer-delivered frame (segment-table header, pad
// and segments, i.e. what Framer.PopFrame returns) into a message ready
// for DecodeEnvelope.
func DecodeFrame(frame []byte) (*message.Message, error) {
	sizesWords, dataOffset, err := transport.SegmentSizes(frame)
	if err != nil {
		return nil, rpcerr.Annotate("wire.decode_frame", err)
	}
	segs := make([][]byte, len(sizesWords))
	off := dataOffset
	for i, words := range sizesWords {
		n := words * 8
		if off+n > len(frame) {
			return nil, rpcerr.New(rpcerr.KindTruncatedMessage, "wire.decode_frame", "frame shorter than declared segment sizes")
		}
		segs[i] = frame[off : off+n]
		off += n
	}
	arena := message.MultiSegment(segs)
	m := &message.Message{Arena: arena}
	if _, err := m.Segment(0); err != nil {
		return nil, rpcerr.Annotate("wire.decode_frame", err)
	}
	return m, nil
}

// EncodeFrame serializes m (which must have been built with a
// SingleSegment arena, as every New*Message constructor in this package
// does) into a frame ready to hand to a Transport.
func EncodeFrame(m *message.Message) ([]byte, error) {
	n := m.NumSegments()
	sizesWords := make([]int, n)
	var body []byte
	for i := int64(0); i < n; i++ {
		seg, err := m.Segment(message.SegmentID(i))
		if err != nil {
			return nil, rpcerr.Annotate("wire.encode_frame", err)
		}
		data := seg.Data()
		if len(data)%8 != 0 {
			return nil, rpcerr.New(rpcerr.KindInvalidFrame, "wire.encode_frame", "segment length is not a whole number of words")
		}
		sizesWords[i] = len(data) / 8
		body = append(body, data...)
	}
	header := transport.EncodeHeader(sizesWords)
	return append(header, body...), nil
}
