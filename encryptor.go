package davey

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// EncryptionStats counts outbound frame processing for one media type.
// Duration is cumulative time spent sealing, in microseconds. Counters
// survive epoch transitions and reset only with the session.
type EncryptionStats struct {
	Successes          uint32
	Failures           uint32
	Attempts           uint32
	Duration           uint32
	MaxAttemptsReached uint32
}

// encryptor seals outbound frames for a single media type. The frame
// counter doubles as the truncated wire nonce; its high 16 bits select
// the key generation, so keys rotate every 65536 frames. The counter is
// never rewound, including across epoch transitions.
type encryptor struct {
	mu sync.Mutex

	suite     CipherSuite
	clock     clock.Clock
	mediaType MediaType

	ratchet *generationRatchet
	nonce   uint32
	stats   EncryptionStats
}

func newEncryptor(suite CipherSuite, clk clock.Clock, mediaType MediaType) *encryptor {
	return &encryptor{
		suite:     suite,
		clock:     clk,
		mediaType: mediaType,
	}
}

// install replaces the key ratchet with one rooted at a new epoch's
// sender base secret. Stats and the frame counter carry over.
func (e *encryptor) install(base []byte, window int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ratchet != nil {
		e.ratchet.erase()
	}
	e.ratchet = newGenerationRatchet(e.suite, base, window)
}

func (e *encryptor) encrypt(frame []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ratchet == nil {
		return nil, ErrNotReady
	}

	start := e.clock.Now()
	e.stats.Attempts++

	nonce := e.nonce
	aead, err := e.ratchet.get(frameGeneration(nonce))
	if err != nil {
		e.stats.Failures++
		e.stats.MaxAttemptsReached++
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	e.nonce++

	ct := aead.Seal(nil, aeadNonce(e.suite, nonce), frame, frameAAD(e.mediaType))
	out := encodeFrame(ct, nonce)

	e.stats.Successes++
	e.stats.Duration += uint32(e.clock.Since(start) / time.Microsecond)
	return out, nil
}

func (e *encryptor) statsSnapshot() EncryptionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *encryptor) erase() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ratchet != nil {
		e.ratchet.erase()
		e.ratchet = nil
	}
}
