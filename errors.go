package davey

import (
	"errors"
	"fmt"
)

// Session construction and identity errors.
var (
	ErrUnsupportedProtocolVersion = errors.New("davey: unsupported protocol version")
	ErrKeyPairGeneration          = errors.New("davey: signing key pair generation failed")
)

// Group lifecycle errors.
var (
	ErrNoGroup            = errors.New("davey: no group")
	ErrNoEstablishedGroup = errors.New("davey: no established group")
	ErrPendingGroup       = errors.New("davey: pending group exists")
	ErrAlreadyInGroup     = errors.New("davey: already in a group")
	ErrNoExternalSender   = errors.New("davey: no external sender configured")
)

// Message validation errors.
var (
	ErrDeserializeExternalSender = errors.New("davey: deserialize external sender failed")
	ErrDeserializeProposal       = errors.New("davey: deserialize proposal failed")
	ErrDeserializeProposalRef    = errors.New("davey: deserialize proposal ref failed")
	ErrDeserializeWelcome        = errors.New("davey: deserialize welcome failed")
	ErrDeserializeCommit         = errors.New("davey: deserialize commit failed")

	ErrMessageForDifferentGroup = errors.New("davey: message is for a different group or epoch")
	ErrInvalidProposalSignature = errors.New("davey: proposal not signed by the external sender")
	ErrUnexpectedUser           = errors.New("davey: proposal adds an unrecognized user")

	ErrExpectedExternalSenderExtension = errors.New("davey: welcome is missing the external senders extension")
	ErrExpectedOneExternalSender       = errors.New("davey: welcome must carry exactly one external sender")
	ErrUnexpectedExternalSender        = errors.New("davey: welcome external sender does not match the configured one")

	ErrNoMatchingKeyPackage = errors.New("davey: welcome does not address our key package")
	ErrUserNotInGroup       = errors.New("davey: user is not a member of the group")
)

// Staging and merge errors.
var (
	ErrMergingCommit = errors.New("davey: merging commit failed")
)

// Media cipher errors.
var (
	ErrNotReady                           = errors.New("davey: session is not ready to encrypt")
	ErrEncryptionFailed                   = errors.New("davey: encryption failed")
	ErrNoDecryptorForUser                 = errors.New("davey: no decryptor for user")
	ErrDecryptionFailed                   = errors.New("davey: decryption failed")
	ErrUnencryptedWhenPassthroughDisabled = errors.New("davey: unencrypted frame while passthrough is disabled")
	ErrKeyExpired                         = errors.New("davey: request for expired key generation")
)

// Fingerprint and displayable code errors.
var (
	ErrUnsupportedFormatVersion     = errors.New("davey: unsupported fingerprint format version")
	ErrKeyIsEmpty                   = errors.New("davey: fingerprint key is empty")
	ErrDataTooShort                 = errors.New("davey: data is shorter than the desired code length")
	ErrLengthNotMultipleOfGroupSize = errors.New("davey: desired length is not a multiple of the group size")
	ErrGroupSizeTooLarge            = errors.New("davey: group size exceeds the maximum")
	ErrOutOfBoundsIndex             = errors.New("davey: out of bounds data index")
)

// NoValidCryptorFoundError reports a frame whose declared key generation
// could not be matched against any retained cipher state. It wraps
// ErrDecryptionFailed so callers can branch on the broad kind and still
// inspect the diagnostic fields.
type NoValidCryptorFoundError struct {
	MediaType     MediaType
	EncryptedSize int
	PlaintextSize int
	ManagerCount  int
}

func (e *NoValidCryptorFoundError) Error() string {
	return fmt.Sprintf("davey: no valid cryptor found (mediaType=%s encryptedSize=%d plaintextSize=%d managers=%d)",
		e.MediaType, e.EncryptedSize, e.PlaintextSize, e.ManagerCount)
}

func (e *NoValidCryptorFoundError) Unwrap() error { return ErrDecryptionFailed }
