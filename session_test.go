package davey

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

const testChannelID uint64 = 0x1122334455667788

///
/// Voice gateway stand-in
///

// fakeGateway plays the role of the voice gateway: it owns the external
// sender identity and signs the proposals it sends to clients.
type fakeGateway struct {
	t       *testing.T
	suite   CipherSuite
	sigPriv SignaturePrivateKey
	sender  []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	suite := X25519_AES128GCM_SHA256_Ed25519

	sigPriv, err := suite.Scheme().Generate()
	require.NoError(t, err)

	sender, err := syntax.Marshal(ExternalSender{
		SignatureKey: sigPriv.PublicKey,
		Credential: Credential{
			Identity:  999,
			Scheme:    suite.Scheme(),
			PublicKey: sigPriv.PublicKey,
		},
	})
	require.NoError(t, err)

	return &fakeGateway{t: t, suite: suite, sigPriv: sigPriv, sender: sender}
}

func testGroupID() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, testChannelID)
	return out
}

func (g *fakeGateway) addProposal(epoch Epoch, keyPackage []byte) Proposal {
	g.t.Helper()

	var kp KeyPackage
	read, err := syntax.Unmarshal(keyPackage, &kp)
	require.NoError(g.t, err)
	require.Equal(g.t, len(keyPackage), read)

	p := Proposal{GroupID: testGroupID(), Epoch: epoch, Add: &AddProposal{KeyPackage: kp}}
	require.NoError(g.t, p.sign(g.suite.Scheme(), g.sigPriv))
	return p
}

func (g *fakeGateway) removeProposal(epoch Epoch, userID uint64) Proposal {
	g.t.Helper()

	p := Proposal{GroupID: testGroupID(), Epoch: epoch, Remove: &RemoveProposal{Removed: userID}}
	require.NoError(g.t, p.sign(g.suite.Scheme(), g.sigPriv))
	return p
}

func appendPayload(t *testing.T, proposals ...Proposal) []byte {
	t.Helper()
	data, err := syntax.Marshal(proposalList{Proposals: proposals})
	require.NoError(t, err)
	return data
}

func revokePayload(t *testing.T, refs ...ProposalID) []byte {
	t.Helper()
	data, err := syntax.Marshal(proposalRefList{Refs: refs})
	require.NoError(t, err)
	return data
}

func refOf(t *testing.T, p Proposal) ProposalID {
	t.Helper()
	id, err := proposalRef(X25519_AES128GCM_SHA256_Ed25519, p)
	require.NoError(t, err)
	return id
}

func newTestSession(t *testing.T, userID uint64, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(1, userID, testChannelID, nil, opts...)
	require.NoError(t, err)
	return s
}

// establishPair builds a two-member group: alice (1) bootstraps and
// commits bob (2) in via a gateway add proposal; bob joins from the
// welcome.
func establishPair(t *testing.T, gw *fakeGateway, opts ...SessionOption) (alice, bob *Session) {
	t.Helper()

	alice = newTestSession(t, 1, opts...)
	bob = newTestSession(t, 2, opts...)

	require.NoError(t, alice.SetExternalSender(gw.sender))
	require.NoError(t, bob.SetExternalSender(gw.sender))

	kpBob, err := bob.SerializedKeyPackage()
	require.NoError(t, err)

	cw, err := alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(0, kpBob)), []uint64{2})
	require.NoError(t, err)
	require.NotNil(t, cw)
	require.NotNil(t, cw.Welcome)
	require.Equal(t, StatusAwaitingResponse, alice.Status())

	require.NoError(t, alice.ProcessCommit(cw.Commit))
	require.NoError(t, bob.ProcessWelcome(cw.Welcome))
	return alice, bob
}

// addMember commits a third session into an established group through
// the committer, applying the commit to every other member.
func addMember(t *testing.T, gw *fakeGateway, committer, joiner *Session, others ...*Session) {
	t.Helper()

	require.NoError(t, joiner.SetExternalSender(gw.sender))
	kp, err := joiner.SerializedKeyPackage()
	require.NoError(t, err)

	cw, err := committer.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(committer.Epoch(), kp)), nil)
	require.NoError(t, err)
	require.NotNil(t, cw)
	require.NotNil(t, cw.Welcome)

	require.NoError(t, committer.ProcessCommit(cw.Commit))
	for _, s := range others {
		require.NoError(t, s.ProcessCommit(cw.Commit))
	}
	require.NoError(t, joiner.ProcessWelcome(cw.Welcome))
}

///
/// Lifecycle
///

func TestNewSessionVersionCheck(t *testing.T) {
	_, err := NewSession(0, 1, testChannelID, nil)
	require.ErrorIs(t, err, ErrUnsupportedProtocolVersion)

	s, err := NewSession(5, 1, testChannelID, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(5), s.ProtocolVersion())
}

func TestNewSessionWithKeyPair(t *testing.T) {
	priv, err := X25519_AES128GCM_SHA256_Ed25519.Scheme().Generate()
	require.NoError(t, err)

	s, err := NewSession(1, 1, testChannelID, &SigningKeyPair{
		Private: priv.Data,
		Public:  priv.PublicKey.Data,
	})
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey.Data, s.sigPriv.PublicKey.Data)

	_, err = NewSession(1, 1, testChannelID, &SigningKeyPair{Private: []byte{1}, Public: []byte{2}})
	require.ErrorIs(t, err, ErrKeyPairGeneration)
}

func TestSessionInitialState(t *testing.T) {
	s := newTestSession(t, 42)

	require.Equal(t, StatusInactive, s.Status())
	require.False(t, s.Ready())
	require.Equal(t, uint16(1), s.ProtocolVersion())
	require.Equal(t, uint64(42), s.UserID())
	require.Equal(t, testChannelID, s.ChannelID())
	require.Equal(t, X25519_AES128GCM_SHA256_Ed25519, s.CipherSuite())
	require.Empty(t, s.UserIDs())

	_, err := s.EpochAuthenticator()
	require.ErrorIs(t, err, ErrNoEstablishedGroup)

	code, err := s.VoicePrivacyCode()
	require.NoError(t, err)
	require.Empty(t, code)

	_, err = s.Encrypt(MediaTypeAudio, CodecOpus, []byte("frame"))
	require.ErrorIs(t, err, ErrNotReady)

	_, err = s.PairwiseFingerprint(FingerprintFormatVersion, 2)
	require.ErrorIs(t, err, ErrNoGroup)
	_, err = s.VerificationCode(2)
	require.ErrorIs(t, err, ErrNoGroup)
}

func TestSessionString(t *testing.T) {
	s := newTestSession(t, 42)

	str := s.String()
	require.Contains(t, str, "DAVESession")
	require.Contains(t, str, "userId: 42")
	require.Contains(t, str, "status: INACTIVE")
}

func TestReset(t *testing.T) {
	gw := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	require.NoError(t, alice.Reset())
	require.Equal(t, StatusInactive, alice.Status())
	require.Empty(t, alice.UserIDs())

	_, err := alice.Encrypt(MediaTypeAudio, CodecOpus, []byte("frame"))
	require.ErrorIs(t, err, ErrNotReady)

	// The session can bootstrap again.
	require.NoError(t, alice.SetExternalSender(gw.sender))
	require.Equal(t, StatusPending, alice.Status())
}

func TestReinit(t *testing.T) {
	gw := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	require.NoError(t, alice.Reinit(1, 7, testChannelID+1, nil))
	require.Equal(t, StatusInactive, alice.Status())
	require.Equal(t, uint64(7), alice.UserID())
	require.Equal(t, testChannelID+1, alice.ChannelID())
}

func TestReinitPendingGroup(t *testing.T) {
	gw := newFakeGateway(t)
	s := newTestSession(t, 1)

	require.NoError(t, s.SetExternalSender(gw.sender))
	require.ErrorIs(t, s.Reinit(1, 2, testChannelID, nil), ErrPendingGroup)
}

///
/// External sender
///

func TestSetExternalSender(t *testing.T) {
	gw := newFakeGateway(t)
	s := newTestSession(t, 1)

	require.ErrorIs(t, s.SetExternalSender([]byte{0xFF}), ErrDeserializeExternalSender)

	require.NoError(t, s.SetExternalSender(gw.sender))
	require.Equal(t, StatusPending, s.Status())
	require.Equal(t, Epoch(0), s.Epoch())
	require.Equal(t, []uint64{1}, s.UserIDs())

	// Already pending.
	require.ErrorIs(t, s.SetExternalSender(gw.sender), ErrPendingGroup)
}

func TestSetExternalSenderAlreadyInGroup(t *testing.T) {
	gw := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	require.ErrorIs(t, alice.SetExternalSender(gw.sender), ErrAlreadyInGroup)
}

///
/// Group establishment
///

func TestTwoPartyEstablishment(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	require.Equal(t, StatusActive, alice.Status())
	require.Equal(t, StatusActive, bob.Status())
	require.True(t, alice.Ready())
	require.Equal(t, Epoch(1), alice.Epoch())
	require.Equal(t, Epoch(1), bob.Epoch())
	require.Equal(t, []uint64{1, 2}, alice.UserIDs())
	require.Equal(t, []uint64{1, 2}, bob.UserIDs())
	require.Equal(t, LeafIndex(0), alice.OwnLeafIndex())
	require.Equal(t, LeafIndex(1), bob.OwnLeafIndex())

	authAlice, err := alice.EpochAuthenticator()
	require.NoError(t, err)
	authBob, err := bob.EpochAuthenticator()
	require.NoError(t, err)
	require.Equal(t, authAlice, authBob)
}

func TestThreePartyForeignCommit(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	// Bob commits charlie in; alice takes the foreign-commit path.
	charlie := newTestSession(t, 3)
	addMember(t, gw, bob, charlie, alice)

	for _, s := range []*Session{alice, bob, charlie} {
		require.Equal(t, StatusActive, s.Status())
		require.Equal(t, Epoch(2), s.Epoch())
		require.Equal(t, []uint64{1, 2, 3}, s.UserIDs())
	}

	authAlice, err := alice.EpochAuthenticator()
	require.NoError(t, err)
	authBob, err := bob.EpochAuthenticator()
	require.NoError(t, err)
	authCharlie, err := charlie.EpochAuthenticator()
	require.NoError(t, err)
	require.Equal(t, authAlice, authBob)
	require.Equal(t, authAlice, authCharlie)

	// Media flows between the member who committed and the one who
	// merely applied the commit.
	frame := []byte("charlie says hi")
	sealed, err := charlie.Encrypt(MediaTypeAudio, CodecOpus, frame)
	require.NoError(t, err)
	opened, err := alice.Decrypt(3, MediaTypeAudio, sealed)
	require.NoError(t, err)
	require.Equal(t, frame, opened)
}

func TestRemoveMember(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)
	charlie := newTestSession(t, 3)
	addMember(t, gw, bob, charlie, alice)

	cw, err := alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.removeProposal(2, 2)), nil)
	require.NoError(t, err)
	require.NotNil(t, cw)
	require.Nil(t, cw.Welcome)

	require.NoError(t, alice.ProcessCommit(cw.Commit))
	require.NoError(t, charlie.ProcessCommit(cw.Commit))

	// The removed member tears down to INACTIVE.
	require.NoError(t, bob.ProcessCommit(cw.Commit))
	require.Equal(t, StatusInactive, bob.Status())
	require.Empty(t, bob.UserIDs())

	require.Equal(t, Epoch(3), alice.Epoch())
	require.Equal(t, []uint64{1, 3}, alice.UserIDs())

	// No key state survives for the departed member.
	late := encodeFrame(randomBytesOrPanic(32), 0)
	_, err = alice.Decrypt(2, MediaTypeAudio, late)
	require.ErrorIs(t, err, ErrNoDecryptorForUser)
}

func TestCommitForWrongEpoch(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	kpBob, err := bob.SerializedKeyPackage()
	require.NoError(t, err)

	// A commit built against epoch 0 replayed at epoch 1.
	stale := newTestSession(t, 9)
	require.NoError(t, stale.SetExternalSender(gw.sender))
	cw, err := stale.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(0, kpBob)), nil)
	require.NoError(t, err)

	require.ErrorIs(t, alice.ProcessCommit(cw.Commit), ErrMessageForDifferentGroup)
}

func TestCommitWithStaleEpochProposal(t *testing.T) {
	gw := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	// A commit at the current epoch smuggling in a proposal signed for
	// an earlier epoch.
	raw, err := syntax.Marshal(Commit{
		GroupID:   testGroupID(),
		Epoch:     1,
		Proposals: []Proposal{gw.removeProposal(0, 2)},
	})
	require.NoError(t, err)

	require.ErrorIs(t, alice.ProcessCommit(raw), ErrMessageForDifferentGroup)
	require.Equal(t, Epoch(1), alice.Epoch())
	require.Equal(t, []uint64{1, 2}, alice.UserIDs())
}

func TestRevokeAllProposals(t *testing.T) {
	gw := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	dave := newTestSession(t, 4)
	require.NoError(t, dave.SetExternalSender(gw.sender))
	kpDave, err := dave.SerializedKeyPackage()
	require.NoError(t, err)

	p := gw.addProposal(1, kpDave)
	cw, err := alice.ProcessProposals(ProposalsAppend, appendPayload(t, p), nil)
	require.NoError(t, err)
	require.NotNil(t, cw)
	require.Equal(t, StatusActive, alice.Status())

	// Revoking the only queued proposal drops the staged commit.
	cw, err = alice.ProcessProposals(ProposalsRevoke, revokePayload(t, refOf(t, p)), nil)
	require.NoError(t, err)
	require.Nil(t, cw)
	require.Equal(t, StatusActive, alice.Status())
	require.Equal(t, Epoch(1), alice.Epoch())
}

func TestEncryptWhileCommitInFlight(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	charlie := newTestSession(t, 3)
	require.NoError(t, charlie.SetExternalSender(gw.sender))
	kpCharlie, err := charlie.SerializedKeyPackage()
	require.NoError(t, err)

	cw, err := alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(1, kpCharlie)), nil)
	require.NoError(t, err)
	require.NotNil(t, cw)

	// Staging a commit must not take an established member off the air.
	require.Equal(t, StatusActive, alice.Status())
	sealed, err := alice.EncryptOpus([]byte("still talking"))
	require.NoError(t, err)
	opened, err := bob.Decrypt(1, MediaTypeAudio, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("still talking"), opened)

	require.NoError(t, alice.ProcessCommit(cw.Commit))
	require.Equal(t, Epoch(2), alice.Epoch())
}

func TestProposalValidation(t *testing.T) {
	gw := newFakeGateway(t)
	rogue := newFakeGateway(t)

	alice := newTestSession(t, 1)
	require.NoError(t, alice.SetExternalSender(gw.sender))

	bob := newTestSession(t, 2)
	require.NoError(t, bob.SetExternalSender(gw.sender))
	kpBob, err := bob.SerializedKeyPackage()
	require.NoError(t, err)

	_, err = alice.ProcessProposals(ProposalsAppend, []byte{0xFF, 0x00}, nil)
	require.ErrorIs(t, err, ErrDeserializeProposal)

	// Signed by the wrong external sender.
	_, err = alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, rogue.addProposal(0, kpBob)), nil)
	require.ErrorIs(t, err, ErrInvalidProposalSignature)

	// Adds a user outside the recognized set.
	_, err = alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(0, kpBob)), []uint64{7})
	require.ErrorIs(t, err, ErrUnexpectedUser)

	// Wrong epoch.
	_, err = alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(5, kpBob)), nil)
	require.ErrorIs(t, err, ErrMessageForDifferentGroup)

	// Nothing queued; state unchanged by the failures above.
	require.Equal(t, StatusPending, alice.Status())

	_, err = newTestSession(t, 5).ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(0, kpBob)), nil)
	require.ErrorIs(t, err, ErrNoGroup)
}

func TestProposalBatchAtomicity(t *testing.T) {
	gw := newFakeGateway(t)
	rogue := newFakeGateway(t)
	alice, _ := establishPair(t, gw)

	dave := newTestSession(t, 4)
	require.NoError(t, dave.SetExternalSender(gw.sender))
	kpDave, err := dave.SerializedKeyPackage()
	require.NoError(t, err)

	// A batch whose second proposal fails validation must leave the
	// queue untouched, including the valid proposal ahead of it.
	_, err = alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(1, kpDave), rogue.addProposal(1, kpDave)), nil)
	require.ErrorIs(t, err, ErrInvalidProposalSignature)

	// An empty revoke would surface any leftover queued proposal as a
	// fresh commit.
	cw, err := alice.ProcessProposals(ProposalsRevoke, revokePayload(t), nil)
	require.NoError(t, err)
	require.Nil(t, cw)
	require.Equal(t, Epoch(1), alice.Epoch())
}

func TestWelcomeValidation(t *testing.T) {
	gw := newFakeGateway(t)
	other := newFakeGateway(t)

	// Build a welcome for bob under gw.
	alice := newTestSession(t, 1)
	require.NoError(t, alice.SetExternalSender(gw.sender))
	bob := newTestSession(t, 2)
	require.NoError(t, bob.SetExternalSender(other.sender))
	kpBob, err := bob.SerializedKeyPackage()
	require.NoError(t, err)

	cw, err := alice.ProcessProposals(ProposalsAppend,
		appendPayload(t, gw.addProposal(0, kpBob)), nil)
	require.NoError(t, err)
	require.NotNil(t, cw.Welcome)

	// Bob is configured with a different external sender.
	require.ErrorIs(t, bob.ProcessWelcome(cw.Welcome), ErrUnexpectedExternalSender)

	// No external sender at all.
	fresh := newTestSession(t, 2)
	require.ErrorIs(t, fresh.ProcessWelcome(cw.Welcome), ErrNoExternalSender)

	// External sender but no issued key package.
	noKP := newTestSession(t, 2)
	require.NoError(t, noKP.SetExternalSender(gw.sender))
	require.ErrorIs(t, noKP.ProcessWelcome(cw.Welcome), ErrNoMatchingKeyPackage)

	require.ErrorIs(t, bob.ProcessWelcome([]byte{0x01}), ErrDeserializeWelcome)
}

///
/// Media path
///

func TestEncryptDecryptRoundTrip(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	for _, mt := range []MediaType{MediaTypeAudio, MediaTypeVideo} {
		frame := randomBytesOrPanic(320)

		sealed, err := alice.Encrypt(mt, CodecUnknown, frame)
		require.NoError(t, err)
		require.Len(t, sealed, len(frame)+frameOverhead)
		require.True(t, isEncryptedFrame(sealed))

		opened, err := bob.Decrypt(1, mt, sealed)
		require.NoError(t, err)
		require.Equal(t, frame, opened)
	}

	// And the reverse direction, via the opus shorthand.
	frame := []byte("bob speaking")
	sealed, err := bob.EncryptOpus(frame)
	require.NoError(t, err)
	opened, err := alice.Decrypt(2, MediaTypeAudio, sealed)
	require.NoError(t, err)
	require.Equal(t, frame, opened)
}

func TestDecryptTamperedFrame(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	sealed, err := alice.EncryptOpus([]byte("audio"))
	require.NoError(t, err)

	sealed[0] ^= 0x01
	_, err = bob.Decrypt(1, MediaTypeAudio, sealed)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// Media type is bound into the AEAD.
	sealed[0] ^= 0x01
	_, err = bob.Decrypt(1, MediaTypeVideo, sealed)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptUnknownUser(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	sealed, err := alice.EncryptOpus([]byte("audio"))
	require.NoError(t, err)

	_, err = bob.Decrypt(77, MediaTypeAudio, sealed)
	require.ErrorIs(t, err, ErrNoDecryptorForUser)
}

func TestGenerationRotation(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	// Jump the frame counter to the generation boundary.
	alice.encryptors[MediaTypeAudio].nonce = 1<<generationShift - 1

	first, err := alice.EncryptOpus([]byte("last of generation 0"))
	require.NoError(t, err)
	second, err := alice.EncryptOpus([]byte("first of generation 1"))
	require.NoError(t, err)

	_, n1, _ := parseFrame(first)
	_, n2, _ := parseFrame(second)
	require.Equal(t, uint16(0), frameGeneration(n1))
	require.Equal(t, uint16(1), frameGeneration(n2))

	// Both open despite arriving out of order.
	opened, err := bob.Decrypt(1, MediaTypeAudio, second)
	require.NoError(t, err)
	require.Equal(t, []byte("first of generation 1"), opened)
	opened, err = bob.Decrypt(1, MediaTypeAudio, first)
	require.NoError(t, err)
	require.Equal(t, []byte("last of generation 0"), opened)
}

func TestDecryptExpiredGeneration(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	alice.encryptors[MediaTypeAudio].nonce = 10 << generationShift
	sealed, err := alice.EncryptOpus([]byte("generation 10"))
	require.NoError(t, err)
	_, err = bob.Decrypt(1, MediaTypeAudio, sealed)
	require.NoError(t, err)

	// A frame claiming a generation behind the retained window.
	stale := encodeFrame(randomBytesOrPanic(32), 2<<generationShift)
	_, err = bob.Decrypt(1, MediaTypeAudio, stale)
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestDecryptNoValidCryptorFound(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	sealed, err := alice.EncryptOpus([]byte("audio"))
	require.NoError(t, err)
	_, err = bob.Decrypt(1, MediaTypeAudio, sealed)
	require.NoError(t, err)

	// A frame claiming a generation implausibly far ahead.
	bogus := encodeFrame(randomBytesOrPanic(32), 500<<generationShift)
	_, err = bob.Decrypt(1, MediaTypeAudio, bogus)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	var nvcf *NoValidCryptorFoundError
	require.ErrorAs(t, err, &nvcf)
	require.Equal(t, MediaTypeAudio, nvcf.MediaType)
	require.Equal(t, len(bogus), nvcf.EncryptedSize)
	require.Equal(t, len(bogus)-frameOverhead, nvcf.PlaintextSize)
	require.Equal(t, 4, nvcf.ManagerCount)
}

func TestStats(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	for i := 0; i < 3; i++ {
		sealed, err := alice.EncryptOpus([]byte("audio"))
		require.NoError(t, err)
		_, err = bob.Decrypt(1, MediaTypeAudio, sealed)
		require.NoError(t, err)
	}

	enc := alice.GetEncryptionStats(MediaTypeAudio)
	require.Equal(t, uint32(3), enc.Successes)
	require.Equal(t, uint32(3), enc.Attempts)
	require.Equal(t, uint32(0), enc.Failures)
	require.Equal(t, EncryptionStats{}, alice.GetEncryptionStats(MediaTypeVideo))

	dec, err := bob.GetDecryptionStats(1, MediaTypeAudio)
	require.NoError(t, err)
	require.NotNil(t, dec)
	require.Equal(t, uint32(3), dec.Successes)
	require.Equal(t, uint32(3), dec.Attempts)

	// A pair with no frames yet has no stats; an unknown sender is an
	// error.
	dec, err = bob.GetDecryptionStats(1, MediaTypeVideo)
	require.NoError(t, err)
	require.Nil(t, dec)

	_, err = bob.GetDecryptionStats(77, MediaTypeAudio)
	require.ErrorIs(t, err, ErrNoDecryptorForUser)
}

///
/// Passthrough
///

func TestPassthroughBeforeGroup(t *testing.T) {
	s := newTestSession(t, 1)

	// No decryptor for the sender yet, but plain media still flows.
	require.False(t, s.CanPassthrough(5))

	frame := []byte("plain audio")
	out, err := s.Decrypt(5, MediaTypeAudio, frame)
	require.NoError(t, err)
	require.Equal(t, frame, out)
}

func TestPassthroughTransition(t *testing.T) {
	mock := clock.NewMock()
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw, WithClock(mock))
	_ = alice

	frame := []byte("plain audio")

	out, err := bob.Decrypt(1, MediaTypeAudio, frame)
	require.NoError(t, err)
	require.Equal(t, frame, out)

	// Disabling arms the default 10 s grace window.
	bob.SetPassthroughMode(false, 0)
	require.True(t, bob.CanPassthrough(1))
	require.False(t, bob.CanPassthrough(77))

	mock.Add(9 * time.Second)
	out, err = bob.Decrypt(1, MediaTypeAudio, frame)
	require.NoError(t, err)
	require.Equal(t, frame, out)

	mock.Add(2 * time.Second)
	require.False(t, bob.CanPassthrough(1))
	_, err = bob.Decrypt(1, MediaTypeAudio, frame)
	require.ErrorIs(t, err, ErrUnencryptedWhenPassthroughDisabled)

	// Unknown senders are refused too once passthrough lapses.
	_, err = bob.Decrypt(77, MediaTypeAudio, frame)
	require.ErrorIs(t, err, ErrNoDecryptorForUser)

	dec, err := bob.GetDecryptionStats(1, MediaTypeAudio)
	require.NoError(t, err)
	require.NotNil(t, dec)
	require.Equal(t, uint32(2), dec.Passthroughs)
	require.Equal(t, uint32(1), dec.Failures)

	// Re-enabling restores passthrough immediately.
	bob.SetPassthroughMode(true, 0)
	require.True(t, bob.CanPassthrough(1))
	_, err = bob.Decrypt(1, MediaTypeAudio, frame)
	require.NoError(t, err)
}

func TestPassthroughRepeatedDisable(t *testing.T) {
	mock := clock.NewMock()
	gw := newFakeGateway(t)
	_, bob := establishPair(t, gw, WithClock(mock))

	frame := []byte("plain audio")

	bob.SetPassthroughMode(false, 10)
	mock.Add(5 * time.Second)

	// Disabling again while already disabled keeps the original grace
	// deadline rather than extending it.
	bob.SetPassthroughMode(false, 100)
	mock.Add(6 * time.Second)

	require.False(t, bob.CanPassthrough(1))
	_, err := bob.Decrypt(1, MediaTypeAudio, frame)
	require.ErrorIs(t, err, ErrUnencryptedWhenPassthroughDisabled)
}

///
/// Verification codes
///

func TestVoicePrivacyCode(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	codeAlice, err := alice.VoicePrivacyCode()
	require.NoError(t, err)
	codeBob, err := bob.VoicePrivacyCode()
	require.NoError(t, err)

	require.Len(t, codeAlice, 30)
	require.Equal(t, codeAlice, codeBob)
	require.NotEqual(t, strings.Repeat("0", 30), codeAlice)
}

func TestVoicePrivacyCodeChangesWithEpoch(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	before, err := alice.VoicePrivacyCode()
	require.NoError(t, err)

	charlie := newTestSession(t, 3)
	addMember(t, gw, bob, charlie, alice)

	after, err := alice.VoicePrivacyCode()
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestSessionPairwiseFingerprint(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	pairAlice, err := alice.PairwiseFingerprint(FingerprintFormatVersion, 2)
	require.NoError(t, err)
	pairBob, err := bob.PairwiseFingerprint(FingerprintFormatVersion, 1)
	require.NoError(t, err)

	// Each side's local fingerprint is the other side's remote one.
	require.Equal(t, pairAlice.Local, pairBob.Remote)
	require.Equal(t, pairAlice.Remote, pairBob.Local)

	_, err = alice.PairwiseFingerprint(FingerprintFormatVersion, 77)
	require.ErrorIs(t, err, ErrUserNotInGroup)
}

func TestVerificationCode(t *testing.T) {
	gw := newFakeGateway(t)
	alice, bob := establishPair(t, gw)

	codeAlice, err := alice.VerificationCode(2)
	require.NoError(t, err)
	codeBob, err := bob.VerificationCode(1)
	require.NoError(t, err)

	require.Len(t, codeAlice, 45)
	require.Equal(t, codeAlice, codeBob)
}
