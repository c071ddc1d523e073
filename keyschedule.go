package davey

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

///
/// Epoch secrets
///

// epochSecrets holds the key material derived once per epoch. The media
// secret feeds the per-sender frame key ratchets; the authenticator is
// the value members compare (directly or as a voice privacy code) to
// confirm they share the same group state.
type epochSecrets struct {
	Suite         CipherSuite
	EpochSecret   []byte
	MediaSecret   []byte
	Authenticator []byte
}

func newEpochSecrets(suite CipherSuite, epochSecret, context []byte) epochSecrets {
	return epochSecrets{
		Suite:         suite,
		EpochSecret:   epochSecret,
		MediaSecret:   suite.deriveSecret(epochSecret, "media", context),
		Authenticator: suite.deriveSecret(epochSecret, "authenticator", context),
	}
}

// next ratchets the epoch secret forward across a commit.
func (es epochSecrets) next(commitSecret, context []byte) epochSecrets {
	preSecret := es.Suite.deriveSecret(es.EpochSecret, "init", context)
	return newEpochSecrets(es.Suite, es.Suite.hkdfExtract(commitSecret, preSecret), context)
}

// senderBaseKey derives the root of one sender's frame key ratchet for
// one media type.
func (es epochSecrets) senderBaseKey(userID uint64, mediaType MediaType) []byte {
	context := make([]byte, 9)
	binary.BigEndian.PutUint64(context, userID)
	context[8] = byte(mediaType)
	return es.Suite.hkdfExpandLabel(es.MediaSecret, "sender media", context, es.Suite.Constants().KeySize)
}

func (es *epochSecrets) erase() {
	zeroize(es.EpochSecret)
	zeroize(es.MediaSecret)
	zeroize(es.Authenticator)
}

///
/// Generation ratchet
///

// defaultRatchetWindow is the number of frame key generations a
// decryptor retains. Lookups older than the newest generation minus the
// window fail with ErrKeyExpired. The protocol does not mandate a
// window size; four generations tolerates the reordering seen on real
// voice transports without retaining stale keys indefinitely.
const defaultRatchetWindow = 4

// maxGenerationGap bounds how far ahead of the newest observed
// generation a frame may claim to be before it is rejected instead of
// ratcheting forward.
const maxGenerationGap = 128

type generationKey struct {
	Key  []byte
	AEAD cipher.AEAD
}

// generationRatchet derives and caches per-generation frame keys from a
// sender base secret. Generations wrap modulo 2^16; distances are
// computed on the shortest signed path around the ring.
type generationRatchet struct {
	suite  CipherSuite
	base   []byte
	window int

	keys   map[uint16]*generationKey
	newest uint16
	primed bool
}

func newGenerationRatchet(suite CipherSuite, base []byte, window int) *generationRatchet {
	if window <= 0 {
		window = defaultRatchetWindow
	}
	return &generationRatchet{
		suite:  suite,
		base:   base,
		window: window,
		keys:   map[uint16]*generationKey{},
	}
}

func (gr *generationRatchet) derive(generation uint16) (*generationKey, error) {
	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, uint32(generation))
	key := gr.suite.hkdfExpandLabel(gr.base, "generation", context, gr.suite.Constants().KeySize)

	aead, err := gr.suite.NewAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("davey.keyschedule: aead construction failed: %w", err)
	}
	return &generationKey{Key: key, AEAD: aead}, nil
}

// get returns the cipher for a generation, deriving it on demand.
// Generations behind the retained window report ErrKeyExpired;
// generations implausibly far ahead report errGenerationGap.
func (gr *generationRatchet) get(generation uint16) (cipher.AEAD, error) {
	if gk, ok := gr.keys[generation]; ok {
		return gk.AEAD, nil
	}

	if gr.primed {
		delta := int16(generation - gr.newest)
		if delta <= -int16(gr.window) {
			return nil, ErrKeyExpired
		}
		if delta > maxGenerationGap {
			return nil, errGenerationGap
		}
	}

	gk, err := gr.derive(generation)
	if err != nil {
		return nil, err
	}
	gr.keys[generation] = gk

	if !gr.primed || int16(generation-gr.newest) > 0 {
		gr.newest = generation
		gr.primed = true
	}
	gr.evict()

	return gk.AEAD, nil
}

func (gr *generationRatchet) evict() {
	for gen, gk := range gr.keys {
		if int16(gen-gr.newest) <= -int16(gr.window) {
			zeroize(gk.Key)
			delete(gr.keys, gen)
		}
	}
}

func (gr *generationRatchet) erase() {
	for gen, gk := range gr.keys {
		zeroize(gk.Key)
		delete(gr.keys, gen)
	}
	zeroize(gr.base)
}

// errGenerationGap is internal; it surfaces to callers as a
// NoValidCryptorFoundError carrying frame diagnostics.
var errGenerationGap = fmt.Errorf("davey: generation too far ahead of ratchet state")
