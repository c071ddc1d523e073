package davey

import (
	"encoding/binary"
)

// MediaType identifies the kind of media a frame carries.
type MediaType uint8

const (
	MediaTypeAudio MediaType = 0
	MediaTypeVideo MediaType = 1
)

func (mt MediaType) String() string {
	switch mt {
	case MediaTypeAudio:
		return "AUDIO"
	case MediaTypeVideo:
		return "VIDEO"
	}
	return "UNKNOWN"
}

// Codec identifies the codec of a frame being encrypted.
type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecOpus
	CodecVP8
	CodecVP9
	CodecH264
	CodecH265
	CodecAV1
)

// Encrypted frame layout, trailer last so receivers can classify a
// frame from its tail without touching the payload:
//
//   opaque ciphertext[length - 6];  // AEAD output, tag included
//   uint32 truncated_nonce;
//   uint8  magic[2] = { 0xFA, 0xFA };
//
// Frames shorter than the overhead or lacking the magic marker are
// classified as unencrypted and only pass through a decryptor in
// passthrough mode.
const (
	frameTagSize    = 16
	frameNonceSize  = 4
	frameMagicSize  = 2
	frameOverhead   = frameTagSize + frameNonceSize + frameMagicSize
	generationShift = 16
)

var frameMagic = [frameMagicSize]byte{0xFA, 0xFA}

func isEncryptedFrame(frame []byte) bool {
	if len(frame) < frameOverhead {
		return false
	}
	return frame[len(frame)-2] == frameMagic[0] && frame[len(frame)-1] == frameMagic[1]
}

func encodeFrame(ciphertext []byte, nonce uint32) []byte {
	out := make([]byte, len(ciphertext)+frameNonceSize+frameMagicSize)
	copy(out, ciphertext)
	binary.BigEndian.PutUint32(out[len(ciphertext):], nonce)
	copy(out[len(ciphertext)+frameNonceSize:], frameMagic[:])
	return out
}

func parseFrame(frame []byte) (ciphertext []byte, nonce uint32, ok bool) {
	if !isEncryptedFrame(frame) {
		return nil, 0, false
	}

	split := len(frame) - frameNonceSize - frameMagicSize
	ciphertext = frame[:split]
	nonce = binary.BigEndian.Uint32(frame[split : split+frameNonceSize])
	return ciphertext, nonce, true
}

// aeadNonce expands the truncated wire nonce to the AEAD nonce size.
func aeadNonce(suite CipherSuite, nonce uint32) []byte {
	out := make([]byte, suite.Constants().NonceSize)
	binary.BigEndian.PutUint32(out[len(out)-frameNonceSize:], nonce)
	return out
}

// frameGeneration maps a truncated nonce to its key generation. Keys
// rotate every 2^generationShift frames and the generation counter
// wraps modulo 2^16.
func frameGeneration(nonce uint32) uint16 {
	return uint16(nonce >> generationShift)
}

// frameAAD binds the media type into the AEAD computation.
func frameAAD(mediaType MediaType) []byte {
	return []byte{byte(mediaType)}
}
