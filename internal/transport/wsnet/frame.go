package wsnet

import (
	"encoding/binary"

	"github.com/meshcomm/pkg/compression"
	"github.com/meshcomm/pkg/errors"
)

// Frame layout: 4-byte little-endian tag, 1 flags byte, payload.
const frameHeaderSize = 5

const flagCompressed = 0x1

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func decodeUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func encodeFrame(tag int, payload []byte, compressor compression.Compressor, threshold int) ([]byte, bool, error) {
	var flags byte
	body := payload

	if compressor != nil && len(payload) >= threshold {
		compressed, err := compressor.Compress(payload)
		if err != nil {
			return nil, false, errors.Trace(errors.Wrap(errors.CodeTransportError,
				"payload compression failed", err))
		}
		// Only keep the compressed form when it actually helps.
		if len(compressed) < len(payload) {
			flags |= flagCompressed
			body = compressed
		}
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(tag))
	frame[4] = flags
	copy(frame[frameHeaderSize:], body)
	return frame, flags&flagCompressed != 0, nil
}

func decodeFrame(frame []byte, compressor compression.Compressor) (tag int, payload []byte, err error) {
	if len(frame) < frameHeaderSize {
		return 0, nil, errors.Trace(errors.Newf(errors.CodeTransportError,
			"frame of %d bytes is shorter than the %d-byte header", len(frame), frameHeaderSize))
	}

	tag = int(binary.LittleEndian.Uint32(frame))
	flags := frame[4]
	payload = frame[frameHeaderSize:]

	if flags&flagCompressed != 0 {
		if compressor == nil {
			return 0, nil, errors.Trace(errors.New(errors.CodeTransportError,
				"received a compressed frame but no compressor is configured"))
		}
		payload, err = compressor.Decompress(payload)
		if err != nil {
			return 0, nil, errors.Trace(errors.Wrap(errors.CodeTransportError,
				"payload decompression failed", err))
		}
	}
	return tag, payload, nil
}
