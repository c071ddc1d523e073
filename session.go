package davey

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

// SessionStatus is the lifecycle phase of a Session. It only reaches
// ACTIVE once a commit or welcome has established the group.
type SessionStatus uint8

const (
	StatusInactive         SessionStatus = 0
	StatusPending          SessionStatus = 1
	StatusAwaitingResponse SessionStatus = 2
	StatusActive           SessionStatus = 3
)

func (st SessionStatus) String() string {
	switch st {
	case StatusInactive:
		return "INACTIVE"
	case StatusPending:
		return "PENDING"
	case StatusAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StatusActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithClock injects the time source used for the passthrough grace
// window and stats durations. Tests pass a mock clock.
func WithClock(clk clock.Clock) SessionOption {
	return func(s *Session) { s.clock = clk }
}

// WithRatchetWindow overrides the number of frame key generations each
// decryptor retains.
func WithRatchetWindow(window int) SessionOption {
	return func(s *Session) { s.window = window }
}

// Session is the per-call end-to-end encryption state machine: it
// tracks the group for one (user, channel) pair, derives media keys
// from the group's epoch secret, and seals outbound and opens inbound
// media frames.
//
// All methods are safe for concurrent use. Group transitions take the
// session lock exclusively; the media data path shares it, so frames
// keep flowing while read accessors run.
type Session struct {
	mu sync.RWMutex

	version   uint16
	userID    uint64
	channelID uint64
	suite     CipherSuite
	sigPriv   SignaturePrivateKey

	logger *zap.Logger
	clock  clock.Clock
	window int

	status      SessionStatus
	group       *groupState
	encryptors  map[MediaType]*encryptor
	decryptors  *decryptorManager
	privacyCode string
}

// NewSession creates a session for one user in one voice channel. When
// keyPair is nil a fresh Ed25519 identity is generated.
func NewSession(protocolVersion uint16, userID, channelID uint64, keyPair *SigningKeyPair, opts ...SessionOption) (*Session, error) {
	if protocolVersion == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocolVersion, protocolVersion)
	}

	s := &Session{
		version:   protocolVersion,
		userID:    userID,
		channelID: channelID,
		suite:     X25519_AES128GCM_SHA256_Ed25519,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		window:    defaultRatchetWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	sigPriv, err := sessionSigningKey(s.suite, keyPair)
	if err != nil {
		return nil, err
	}
	s.sigPriv = sigPriv

	s.group = newGroupState(s.suite, s.version, userID, channelID, s.sigPriv, s.logger)
	s.encryptors = map[MediaType]*encryptor{
		MediaTypeAudio: newEncryptor(s.suite, s.clock, MediaTypeAudio),
		MediaTypeVideo: newEncryptor(s.suite, s.clock, MediaTypeVideo),
	}
	s.decryptors = newDecryptorManager(s.suite, s.clock, s.logger, s.window)
	s.status = StatusInactive

	return s, nil
}

func sessionSigningKey(suite CipherSuite, keyPair *SigningKeyPair) (SignaturePrivateKey, error) {
	if keyPair == nil {
		priv, err := suite.Scheme().Generate()
		if err != nil {
			return SignaturePrivateKey{}, fmt.Errorf("%w: %v", ErrKeyPairGeneration, err)
		}
		return priv, nil
	}

	if len(keyPair.Private) != ed25519.PrivateKeySize || len(keyPair.Public) != ed25519.PublicKeySize {
		return SignaturePrivateKey{}, fmt.Errorf("%w: bad key sizes", ErrKeyPairGeneration)
	}
	return SignaturePrivateKey{
		Data:      dup(keyPair.Private),
		PublicKey: SignaturePublicKey{Data: dup(keyPair.Public)},
	}, nil
}

func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("DAVESession { protocolVersion: %d, userId: %d, channelId: %d, ready: %t, status: %s }",
		s.version, s.userID, s.channelID, s.status == StatusActive, s.status)
}

///
/// Lifecycle
///

// Reinit tears the session down and rebuilds it with a new identity and
// channel, like NewSession but in place. It refuses while a commit we
// produced is still outstanding against a pending group.
func (s *Session) Reinit(protocolVersion uint16, userID, channelID uint64, keyPair *SigningKeyPair) error {
	if protocolVersion == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocolVersion, protocolVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group.pending && !s.group.established {
		return ErrPendingGroup
	}

	sigPriv, err := sessionSigningKey(s.suite, keyPair)
	if err != nil {
		return err
	}

	s.resetLocked()
	s.version = protocolVersion
	s.userID = userID
	s.channelID = channelID
	s.sigPriv = sigPriv
	s.group = newGroupState(s.suite, s.version, userID, channelID, s.sigPriv, s.logger)

	s.logger.Info("session reinitialized",
		zap.Uint64("userId", userID),
		zap.Uint64("channelId", channelID))
	return nil
}

// Reset drops the group and all cipher state; the session returns to
// INACTIVE and can be bootstrapped again with SetExternalSender.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

func (s *Session) resetLocked() {
	_ = s.group.reset()
	for mt, e := range s.encryptors {
		e.erase()
		s.encryptors[mt] = newEncryptor(s.suite, s.clock, mt)
	}
	s.decryptors.reset()
	s.privacyCode = ""
	s.status = StatusInactive
}

///
/// Group operations
///

// SetExternalSender installs the voice gateway's signing identity and
// creates the pending bootstrap group.
func (s *Session) SetExternalSender(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.group.setExternalSender(data); err != nil {
		return err
	}
	s.status = StatusPending
	return nil
}

// SerializedKeyPackage issues a fresh single-use key package for the
// gateway to propose us into the group with.
func (s *Session) SerializedKeyPackage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group.createKeyPackage()
}

// ProcessProposals ingests gateway proposals (APPEND) or revocations
// (REVOKE). recognizedUserIDs, when non-nil, allowlists the users Add
// proposals may introduce. A non-empty proposal queue yields a staged
// commit (plus welcome when members are added) to hand back to the
// gateway; an emptied queue yields nil.
func (s *Session) ProcessProposals(op ProposalsOperationType, payload []byte, recognizedUserIDs []uint64) (*CommitWelcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw, err := s.group.processProposals(op, payload, recognizedUserIDs)
	if err != nil {
		return nil, err
	}

	// An established group stays ACTIVE while a commit is in flight so
	// media keeps flowing; AWAITING_RESPONSE marks only the bootstrap
	// commit of a pending group.
	switch {
	case s.group.established:
		s.status = StatusActive
	case cw != nil:
		s.status = StatusAwaitingResponse
	default:
		s.status = StatusPending
	}
	return cw, nil
}

// ProcessWelcome joins the group described by a welcome addressed to
// our latest key package.
func (s *Session) ProcessWelcome(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.group.processWelcome(data); err != nil {
		return err
	}

	s.installEpochLocked()
	s.status = StatusActive
	return nil
}

// ProcessCommit applies a commit relayed by the gateway, either merging
// our own staged commit or advancing the epoch from a foreign one. A
// commit that removes us tears the session down to INACTIVE.
func (s *Session) ProcessCommit(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	selfRemoved, err := s.group.processCommit(data)
	if err != nil {
		return err
	}

	if selfRemoved {
		s.resetLocked()
		return nil
	}

	s.installEpochLocked()
	s.status = StatusActive
	return nil
}

// installEpochLocked rebuilds all media key ratchets from the current
// epoch secrets. Called after every epoch transition.
func (s *Session) installEpochLocked() {
	for mt, e := range s.encryptors {
		e.install(s.group.secrets.senderBaseKey(s.userID, mt), s.window)
	}

	memberIDs := make([]uint64, 0, len(s.group.members))
	for id := range s.group.members {
		memberIDs = append(memberIDs, id)
	}
	s.decryptors.installEpoch(s.group.secrets, memberIDs)
	s.privacyCode = ""
}

///
/// Read accessors
///

func (s *Session) ProtocolVersion() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Session) UserID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) ChannelID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

func (s *Session) CipherSuite() CipherSuite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suite
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Ready reports whether media can be encrypted, i.e. the group is
// established.
func (s *Session) Ready() bool {
	return s.Status() == StatusActive
}

func (s *Session) Epoch() Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group.epoch
}

func (s *Session) OwnLeafIndex() LeafIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group.ownLeaf
}

// UserIDs lists the group members in ascending order, ourselves
// included. Empty when there is no group.
func (s *Session) UserIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint64, 0, len(s.group.members))
	for id := range s.group.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EpochAuthenticator returns the current epoch's authenticator secret,
// the value all members derive identically when they share the same
// group state.
func (s *Session) EpochAuthenticator() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.group.established {
		return nil, ErrNoEstablishedGroup
	}
	return dup(s.group.secrets.Authenticator), nil
}

///
/// Verification codes
///

// VoicePrivacyCode renders the epoch authenticator as a 30-digit code
// shown to every participant. Empty when no group is established.
func (s *Session) VoicePrivacyCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.group.established {
		return "", nil
	}
	if s.privacyCode != "" {
		return s.privacyCode, nil
	}

	code, err := GenerateDisplayableCode(s.group.secrets.Authenticator,
		voicePrivacyCodeLength, displayableGroupSize)
	if err != nil {
		return "", err
	}
	s.privacyCode = code
	return code, nil
}

// PairwiseFingerprint computes the key fingerprints of ourselves and
// one other member, from our perspective.
func (s *Session) PairwiseFingerprint(version uint16, userID uint64) (*FingerprintPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairwiseFingerprintLocked(version, userID)
}

func (s *Session) pairwiseFingerprintLocked(version uint16, userID uint64) (*FingerprintPair, error) {
	if !s.group.hasGroup() {
		return nil, ErrNoGroup
	}

	member, ok := s.group.members[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUserNotInGroup, userID)
	}

	local, err := GenerateKeyFingerprint(version, s.userID, s.sigPriv.PublicKey.Data)
	if err != nil {
		return nil, err
	}
	remote, err := GenerateKeyFingerprint(version, userID, member.SignatureKey.Data)
	if err != nil {
		return nil, err
	}
	return &FingerprintPair{Local: local, Remote: remote}, nil
}

// VerificationCode renders a 45-digit code both we and the given member
// compute identically, for out-of-band identity verification. The two
// fingerprints are ordered canonically before combining so the code
// does not depend on which side computes it.
func (s *Session) VerificationCode(userID uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, err := s.pairwiseFingerprintLocked(FingerprintFormatVersion, userID)
	if err != nil {
		return "", err
	}

	first, second := pair.Local, pair.Remote
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	combined, err := GeneratePairwiseFingerprint(first, second)
	if err != nil {
		return "", err
	}
	return GenerateSessionCode(combined)
}

///
/// Media path
///

// Encrypt seals one outbound media frame. The codec is advisory; it is
// accepted for API symmetry with decoding pipelines but does not change
// the sealing.
func (s *Session) Encrypt(mediaType MediaType, codec Codec, frame []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != StatusActive {
		return nil, ErrNotReady
	}

	e, ok := s.encryptors[mediaType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown media type %d", ErrEncryptionFailed, mediaType)
	}
	return e.encrypt(frame)
}

// EncryptOpus seals one outbound Opus audio frame.
func (s *Session) EncryptOpus(frame []byte) ([]byte, error) {
	return s.Encrypt(MediaTypeAudio, CodecOpus, frame)
}

// Decrypt opens one inbound frame from the given sender. Unencrypted
// frames pass through while passthrough mode (or its grace window after
// disabling) applies.
func (s *Session) Decrypt(userID uint64, mediaType MediaType, frame []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptors.decrypt(userID, mediaType, frame)
}

// GetEncryptionStats reports cumulative outbound counters for one media
// type.
func (s *Session) GetEncryptionStats(mediaType MediaType) EncryptionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.encryptors[mediaType]
	if !ok {
		return EncryptionStats{}
	}
	return e.statsSnapshot()
}

// GetDecryptionStats reports cumulative inbound counters for one sender
// and media type: nil while the pair has processed no frames, an
// ErrNoDecryptorForUser error for senders outside the group.
func (s *Session) GetDecryptionStats(userID uint64, mediaType MediaType) (*DecryptionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptors.stats(userID, mediaType)
}

// CanPassthrough reports whether an unencrypted frame from the given
// sender would currently be let through; false while no decryptor
// exists for them.
func (s *Session) CanPassthrough(userID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptors.canPassthroughUser(userID)
}

// SetPassthroughMode toggles acceptance of unencrypted frames. When
// disabling, transitionExpirySeconds arms the grace window during which
// unencrypted frames still pass; zero means the default of
// DefaultTransitionExpirySeconds.
func (s *Session) SetPassthroughMode(enable bool, transitionExpirySeconds uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if transitionExpirySeconds == 0 {
		transitionExpirySeconds = DefaultTransitionExpirySeconds
	}
	s.decryptors.setPassthroughMode(enable, transitionExpirySeconds)
}
