package davey

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DecryptionStats counts inbound frame processing for one (sender,
// media type) pair. Duration is cumulative time spent opening, in
// microseconds. Counters survive epoch transitions and reset only with
// the session.
type DecryptionStats struct {
	Successes    uint32
	Failures     uint32
	Attempts     uint32
	Duration     uint32
	Passthroughs uint32
}

// decryptor opens inbound frames from a single sender for a single
// media type.
type decryptor struct {
	mu sync.Mutex

	suite     CipherSuite
	clock     clock.Clock
	userID    uint64
	mediaType MediaType

	ratchet *generationRatchet
	stats   DecryptionStats
}

func newDecryptor(suite CipherSuite, clk clock.Clock, userID uint64, mediaType MediaType) *decryptor {
	return &decryptor{
		suite:     suite,
		clock:     clk,
		userID:    userID,
		mediaType: mediaType,
	}
}

func (d *decryptor) install(base []byte, window int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ratchet != nil {
		d.ratchet.erase()
	}
	d.ratchet = newGenerationRatchet(d.suite, base, window)
}

// decrypt opens one frame. Unencrypted frames are returned verbatim
// when passthroughOK, and rejected otherwise; managerCount feeds the
// diagnostics of NoValidCryptorFoundError.
func (d *decryptor) decrypt(frame []byte, passthroughOK bool, managerCount int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !isEncryptedFrame(frame) {
		if !passthroughOK {
			d.stats.Failures++
			return nil, ErrUnencryptedWhenPassthroughDisabled
		}
		d.stats.Passthroughs++
		return dup(frame), nil
	}

	start := d.clock.Now()
	d.stats.Attempts++

	ciphertext, nonce, _ := parseFrame(frame)

	aead, err := d.ratchet.get(frameGeneration(nonce))
	switch {
	case errors.Is(err, ErrKeyExpired):
		d.stats.Failures++
		return nil, fmt.Errorf("%w: generation %d", ErrKeyExpired, frameGeneration(nonce))
	case errors.Is(err, errGenerationGap):
		d.stats.Failures++
		return nil, &NoValidCryptorFoundError{
			MediaType:     d.mediaType,
			EncryptedSize: len(frame),
			PlaintextSize: len(frame) - frameOverhead,
			ManagerCount:  managerCount,
		}
	case err != nil:
		d.stats.Failures++
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	pt, err := aead.Open(nil, aeadNonce(d.suite, nonce), ciphertext, frameAAD(d.mediaType))
	if err != nil {
		d.stats.Failures++
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	d.stats.Successes++
	d.stats.Duration += uint32(d.clock.Since(start) / time.Microsecond)
	return pt, nil
}

func (d *decryptor) statsSnapshot() DecryptionStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *decryptor) erase() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ratchet != nil {
		d.ratchet.erase()
		d.ratchet = nil
	}
}

///
/// Manager
///

// decryptorManager owns one decryptor per (member, media type) pair
// plus the passthrough policy. Its mutex guards the decryptor table and
// the passthrough fields only; frame processing happens under each
// decryptor's own lock, so senders do not contend with each other.
type decryptorManager struct {
	mu sync.Mutex

	suite  CipherSuite
	clock  clock.Clock
	logger *zap.Logger
	window int

	decryptors map[uint64]map[MediaType]*decryptor

	passthrough      bool
	transitionExpiry time.Time
}

// DefaultTransitionExpirySeconds is the grace window, after passthrough
// mode is disabled, during which unencrypted frames still pass. It
// covers senders that have not yet transitioned to the new epoch.
const DefaultTransitionExpirySeconds = 10

func newDecryptorManager(suite CipherSuite, clk clock.Clock, logger *zap.Logger, window int) *decryptorManager {
	return &decryptorManager{
		suite:       suite,
		clock:       clk,
		logger:      logger,
		window:      window,
		decryptors:  map[uint64]map[MediaType]*decryptor{},
		passthrough: true,
	}
}

// installEpoch rebuilds every member's key ratchets from a new epoch's
// media secret. Decryptors for departed members are destroyed; existing
// ones keep their stats.
func (dm *decryptorManager) installEpoch(secrets epochSecrets, memberIDs []uint64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	current := map[uint64]bool{}
	for _, id := range memberIDs {
		current[id] = true
	}

	for id, perMedia := range dm.decryptors {
		if current[id] {
			continue
		}
		for _, d := range perMedia {
			d.erase()
		}
		delete(dm.decryptors, id)
		dm.logger.Debug("dropped decryptors for departed member", zap.Uint64("userId", id))
	}

	for _, id := range memberIDs {
		perMedia := dm.decryptors[id]
		if perMedia == nil {
			perMedia = map[MediaType]*decryptor{}
			dm.decryptors[id] = perMedia
		}
		for _, mt := range []MediaType{MediaTypeAudio, MediaTypeVideo} {
			d := perMedia[mt]
			if d == nil {
				d = newDecryptor(dm.suite, dm.clock, id, mt)
				perMedia[mt] = d
			}
			d.install(secrets.senderBaseKey(id, mt), dm.window)
		}
	}
}

func (dm *decryptorManager) count() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	n := 0
	for _, perMedia := range dm.decryptors {
		n += len(perMedia)
	}
	return n
}

func (dm *decryptorManager) lookup(userID uint64, mediaType MediaType) (*decryptor, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	perMedia := dm.decryptors[userID]
	if perMedia == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoDecryptorForUser, userID)
	}
	d := perMedia[mediaType]
	if d == nil {
		return nil, fmt.Errorf("%w: %d (%s)", ErrNoDecryptorForUser, userID, mediaType)
	}
	return d, nil
}

func (dm *decryptorManager) decrypt(userID uint64, mediaType MediaType, frame []byte) ([]byte, error) {
	d, err := dm.lookup(userID, mediaType)
	if err != nil {
		// Unencrypted media from a sender we have no key state for is
		// still passed through while passthrough applies.
		if !isEncryptedFrame(frame) && dm.canPassthrough() {
			return dup(frame), nil
		}
		return nil, err
	}
	return d.decrypt(frame, dm.canPassthrough(), dm.count())
}

// stats reports counters for one (sender, media type) pair; nil when
// the pair has seen no frames yet, an error when the user is unknown.
func (dm *decryptorManager) stats(userID uint64, mediaType MediaType) (*DecryptionStats, error) {
	d, err := dm.lookup(userID, mediaType)
	if err != nil {
		return nil, err
	}

	st := d.statsSnapshot()
	if st == (DecryptionStats{}) {
		return nil, nil
	}
	return &st, nil
}

///
/// Passthrough policy
///

func (dm *decryptorManager) canPassthrough() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.passthroughLocked()
}

func (dm *decryptorManager) passthroughLocked() bool {
	return dm.passthrough || dm.clock.Now().Before(dm.transitionExpiry)
}

// canPassthroughUser reports the effective passthrough flag for one
// sender's decryptors; false when none exist yet.
func (dm *decryptorManager) canPassthroughUser(userID uint64) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, ok := dm.decryptors[userID]; !ok {
		return false
	}
	return dm.passthroughLocked()
}

// setPassthroughMode toggles passthrough. Disabling it arms a grace
// deadline of transitionExpiry seconds during which unencrypted frames
// still pass. The deadline arms only on the enabled-to-disabled
// transition; disabling again while already disabled keeps the
// original deadline.
func (dm *decryptorManager) setPassthroughMode(enable bool, transitionExpiry uint32) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if enable {
		dm.passthrough = true
		dm.transitionExpiry = time.Time{}
		return
	}

	if dm.passthrough {
		dm.transitionExpiry = dm.clock.Now().Add(time.Duration(transitionExpiry) * time.Second)
	}
	dm.passthrough = false
}

func (dm *decryptorManager) reset() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for id, perMedia := range dm.decryptors {
		for _, d := range perMedia {
			d.erase()
		}
		delete(dm.decryptors, id)
	}
}
