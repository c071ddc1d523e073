package davey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	ciphertext := randomBytesOrPanic(64)
	frame := encodeFrame(ciphertext, 0x01020304)

	require.Len(t, frame, 64+frameNonceSize+frameMagicSize)
	require.True(t, isEncryptedFrame(frame))

	ct, nonce, ok := parseFrame(frame)
	require.True(t, ok)
	require.Equal(t, ciphertext, ct)
	require.Equal(t, uint32(0x01020304), nonce)
}

func TestFrameClassification(t *testing.T) {
	require.False(t, isEncryptedFrame(nil))
	require.False(t, isEncryptedFrame([]byte{0xFA, 0xFA}))
	require.False(t, isEncryptedFrame(randomBytesOrPanic(frameOverhead-1)))

	// Right length, wrong marker.
	frame := make([]byte, frameOverhead+10)
	require.False(t, isEncryptedFrame(frame))

	_, _, ok := parseFrame(frame)
	require.False(t, ok)
}

func TestFrameGeneration(t *testing.T) {
	require.Equal(t, uint16(0), frameGeneration(0))
	require.Equal(t, uint16(0), frameGeneration(0xFFFF))
	require.Equal(t, uint16(1), frameGeneration(0x10000))
	require.Equal(t, uint16(0xFFFF), frameGeneration(0xFFFFFFFF))
}

func TestAEADNonce(t *testing.T) {
	nonce := aeadNonce(testSuite, 0xAABBCCDD)

	require.Len(t, nonce, testSuite.Constants().NonceSize)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD}, nonce)
}

func TestFrameAAD(t *testing.T) {
	require.Equal(t, []byte{0}, frameAAD(MediaTypeAudio))
	require.Equal(t, []byte{1}, frameAAD(MediaTypeVideo))
}
