package davey

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Fingerprints are scrypt digests of identity key material. Two clients
// render them as short digit codes that users compare out of band.
const (
	FingerprintFormatVersion uint16 = 0x0000

	scryptN         = 16384
	scryptR         = 8
	scryptP         = 2
	fingerprintSize = 64
)

// Displayable code shapes.
const (
	verificationCodeLength = 45
	voicePrivacyCodeLength = 30
	displayableGroupSize   = 5
	maxDisplayableGroup    = 8
)

// FingerprintPair holds the two raw key fingerprints of a pairwise
// verification, from the caller's perspective.
type FingerprintPair struct {
	Local  []byte
	Remote []byte
}

// GenerateKeyFingerprint computes the fingerprint of one user's public
// key: scrypt over version||userID||key, salted with the same buffer.
func GenerateKeyFingerprint(version uint16, userID uint64, key []byte) ([]byte, error) {
	if version != FingerprintFormatVersion {
		return nil, fmt.Errorf("%w: %#04x", ErrUnsupportedFormatVersion, version)
	}
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}

	buffer := make([]byte, 2+8+len(key))
	binary.BigEndian.PutUint16(buffer, version)
	binary.BigEndian.PutUint64(buffer[2:], userID)
	copy(buffer[10:], key)

	return scrypt.Key(buffer, buffer, scryptN, scryptR, scryptP, fingerprintSize)
}

// GeneratePairwiseFingerprint combines two key fingerprints into one
// digest. The combination is order-sensitive; callers that need a
// shared value sort the inputs first.
func GeneratePairwiseFingerprint(first, second []byte) ([]byte, error) {
	if len(first) == 0 || len(second) == 0 {
		return nil, ErrKeyIsEmpty
	}

	buffer := make([]byte, 0, len(first)+len(second))
	buffer = append(buffer, first...)
	buffer = append(buffer, second...)

	return scrypt.Key(buffer, buffer, scryptN, scryptR, scryptP, fingerprintSize)
}

var pow10 = [maxDisplayableGroup + 1]uint64{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
}

// GenerateDisplayableCode renders data as a string of desiredLength
// decimal digits, built in runs of groupSize digits: each run is the
// big-endian value of groupSize bytes reduced modulo 10^groupSize,
// zero-padded.
func GenerateDisplayableCode(data []byte, desiredLength, groupSize int) (string, error) {
	if groupSize <= 0 || groupSize > maxDisplayableGroup {
		return "", fmt.Errorf("%w: %d", ErrGroupSizeTooLarge, groupSize)
	}
	if desiredLength%groupSize != 0 {
		return "", fmt.Errorf("%w: length %d, group %d", ErrLengthNotMultipleOfGroupSize, desiredLength, groupSize)
	}
	if len(data) < desiredLength {
		return "", fmt.Errorf("%w: have %d bytes, want %d", ErrDataTooShort, len(data), desiredLength)
	}

	var out strings.Builder
	out.Grow(desiredLength)

	for i := 0; i < desiredLength; i += groupSize {
		if i+groupSize > len(data) {
			return "", fmt.Errorf("%w: %d", ErrOutOfBoundsIndex, i)
		}

		var value uint64
		for _, b := range data[i : i+groupSize] {
			value = value<<8 | uint64(b)
		}
		fmt.Fprintf(&out, "%0*d", groupSize, value%pow10[groupSize])
	}

	return out.String(), nil
}

// GenerateSessionCode renders a fingerprint as the 45-digit code users
// read to each other, in groups of five digits.
func GenerateSessionCode(fingerprint []byte) (string, error) {
	return GenerateDisplayableCode(fingerprint, verificationCodeLength, displayableGroupSize)
}
