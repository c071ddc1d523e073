package davey

import (
	"encoding/binary"
	"fmt"
	"sort"

	syntax "github.com/cisco/go-tls-syntax"
	"go.uber.org/zap"
)

// ProposalsOperationType selects how a process_proposals payload is
// interpreted: APPEND carries full proposals to queue, REVOKE carries
// refs of previously queued proposals to drop.
type ProposalsOperationType uint8

const (
	ProposalsAppend ProposalsOperationType = 0
	ProposalsRevoke ProposalsOperationType = 1
)

// CommitWelcome is the serialized output of a process_proposals call
// that produced a commit. Welcome is nil unless the commit adds at
// least one member.
type CommitWelcome struct {
	Commit  []byte
	Welcome []byte
}

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   opaque membership_hash<0..255>;
// } GroupContext;
type groupContext struct {
	GroupID        []byte `tls:"head=1"`
	Epoch          Epoch
	MembershipHash []byte `tls:"head=1"`
}

// stagedCommit is a commit we produced locally and handed to the voice
// gateway; it is merged when the gateway echoes it back.
type stagedCommit struct {
	raw     []byte
	epoch   Epoch
	members map[uint64]*Member
	ownLeaf LeafIndex
	secrets epochSecrets
}

// groupState owns the group membership and epoch key material. It goes
// through three phases: no group, pending group (external sender set,
// bootstrap group of one), and established group. All mutation happens
// under the session's exclusive lock.
type groupState struct {
	suite   CipherSuite
	version uint16
	userID  uint64
	groupID []byte
	sigPriv SignaturePrivateKey

	externalSender *ExternalSender

	pending     bool
	established bool

	epoch   Epoch
	ownLeaf LeafIndex
	members map[uint64]*Member
	secrets epochSecrets

	// ownInitPriv opens path secrets sealed to our current leaf;
	// kpInitPriv belongs to the most recently issued key package and
	// opens welcomes.
	ownInitPriv *HPKEPrivateKey
	kpInitPriv  *HPKEPrivateKey
	kpHash      []byte

	queue  proposalQueue
	staged *stagedCommit

	logger *zap.Logger
}

func newGroupState(suite CipherSuite, version uint16, userID, channelID uint64, sigPriv SignaturePrivateKey, logger *zap.Logger) *groupState {
	groupID := make([]byte, 8)
	binary.BigEndian.PutUint64(groupID, channelID)

	return &groupState{
		suite:   suite,
		version: version,
		userID:  userID,
		groupID: groupID,
		sigPriv: sigPriv,
		logger:  logger,
	}
}

func (g *groupState) hasGroup() bool {
	return g.pending || g.established
}

func (g *groupState) isMember(userID uint64) bool {
	_, ok := g.members[userID]
	return ok
}

func (g *groupState) memberList() []Member {
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out
}

func memberMapFromList(members []Member) map[uint64]*Member {
	out := make(map[uint64]*Member, len(members))
	for i := range members {
		m := members[i]
		out[m.UserID] = &m
	}
	return out
}

func sortedMemberList(members map[uint64]*Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out
}

func nextFreeLeaf(members map[uint64]*Member) LeafIndex {
	used := map[LeafIndex]bool{}
	for _, m := range members {
		used[m.LeafIndex] = true
	}
	for i := LeafIndex(0); ; i++ {
		if !used[i] {
			return i
		}
	}
}

func contextFor(groupID []byte, epoch Epoch, members []Member) []byte {
	membership, err := syntax.Marshal(struct {
		Members []Member `tls:"head=4"`
	}{members})
	if err != nil {
		panic(fmt.Errorf("davey.group: membership marshal failure %v", err))
	}

	suite := X25519_AES128GCM_SHA256_Ed25519
	ctx, err := syntax.Marshal(groupContext{
		GroupID:        groupID,
		Epoch:          epoch,
		MembershipHash: suite.Digest(membership),
	})
	if err != nil {
		panic(fmt.Errorf("davey.group: context marshal failure %v", err))
	}
	return ctx
}

///
/// External sender and pending group bootstrap
///

func (g *groupState) setExternalSender(data []byte) error {
	if g.established {
		return ErrAlreadyInGroup
	}
	if g.pending {
		return ErrPendingGroup
	}

	var sender ExternalSender
	read, err := syntax.Unmarshal(data, &sender)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializeExternalSender, err)
	}
	if read != len(data) {
		return fmt.Errorf("%w: trailing data", ErrDeserializeExternalSender)
	}

	initPriv, err := g.suite.hpke().Generate()
	if err != nil {
		return fmt.Errorf("davey.group: bootstrap init key generation failed: %w", err)
	}

	g.externalSender = &sender
	g.ownInitPriv = &initPriv
	g.ownLeaf = 0
	g.members = map[uint64]*Member{
		g.userID: {
			UserID:       g.userID,
			LeafIndex:    0,
			InitKey:      initPriv.PublicKey,
			SignatureKey: g.sigPriv.PublicKey,
		},
	}
	g.epoch = 0
	g.secrets = newEpochSecrets(g.suite, randomBytesOrPanic(g.suite.Constants().SecretSize),
		contextFor(g.groupID, 0, g.memberList()))
	g.pending = true

	g.logger.Debug("created pending group",
		zap.Uint64("userId", g.userID),
		zap.Binary("groupId", g.groupID))
	return nil
}

///
/// Key packages
///

// createKeyPackage issues a fresh single-use key package. The previous
// one, if any, is discarded along with its private init key.
func (g *groupState) createKeyPackage() ([]byte, error) {
	initPriv, err := g.suite.hpke().Generate()
	if err != nil {
		return nil, fmt.Errorf("davey.group: init key generation failed: %w", err)
	}

	kp, err := newKeyPackage(g.version, g.suite, g.userID, initPriv.PublicKey, g.sigPriv)
	if err != nil {
		return nil, fmt.Errorf("davey.group: key package signing failed: %w", err)
	}

	data, err := syntax.Marshal(*kp)
	if err != nil {
		return nil, fmt.Errorf("davey.group: key package marshal failed: %w", err)
	}

	hash, err := kp.hash(g.suite)
	if err != nil {
		return nil, err
	}

	g.kpInitPriv = &initPriv
	g.kpHash = hash
	return data, nil
}

///
/// Proposal processing
///

func (g *groupState) validateProposal(p Proposal, recognized []uint64) error {
	if !byteSliceEqual(p.GroupID, g.groupID) || p.Epoch != g.epoch {
		return ErrMessageForDifferentGroup
	}

	if !p.verify(g.suite.Scheme(), g.externalSender.SignatureKey) {
		return ErrInvalidProposalSignature
	}

	switch p.Type() {
	case ProposalTypeAdd:
		kp := p.Add.KeyPackage
		if kp.Version != g.version || kp.CipherSuite != g.suite {
			return fmt.Errorf("%w: key package version or suite mismatch", ErrDeserializeProposal)
		}
		if !kp.verify() {
			return fmt.Errorf("davey: key package signature invalid: %w", ErrInvalidProposalSignature)
		}
		if recognized != nil {
			found := false
			for _, id := range recognized {
				if id == kp.Credential.Identity {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("%w: %d", ErrUnexpectedUser, kp.Credential.Identity)
			}
		}
	case ProposalTypeRemove:
		// nothing further to validate
	default:
		return fmt.Errorf("%w: proposal has no body", ErrDeserializeProposal)
	}

	return nil
}

func (g *groupState) processProposals(op ProposalsOperationType, payload []byte, recognized []uint64) (*CommitWelcome, error) {
	if !g.hasGroup() {
		return nil, ErrNoGroup
	}

	switch op {
	case ProposalsAppend:
		var list proposalList
		read, err := syntax.Unmarshal(payload, &list)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserializeProposal, err)
		}
		if read != len(payload) {
			return nil, fmt.Errorf("%w: trailing data", ErrDeserializeProposal)
		}

		// Validate the whole batch before queueing any of it, so a bad
		// proposal cannot leave part of the payload ingested.
		ids := make([]ProposalID, len(list.Proposals))
		for i, p := range list.Proposals {
			if err := g.validateProposal(p, recognized); err != nil {
				return nil, err
			}

			id, err := proposalRef(g.suite, p)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDeserializeProposal, err)
			}
			ids[i] = id
		}
		for i, p := range list.Proposals {
			g.queue.append(ids[i], p, g.epoch)
		}

	case ProposalsRevoke:
		var list proposalRefList
		read, err := syntax.Unmarshal(payload, &list)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserializeProposalRef, err)
		}
		if read != len(payload) {
			return nil, fmt.Errorf("%w: trailing data", ErrDeserializeProposalRef)
		}
		g.queue.revoke(list.Refs)

	default:
		return nil, fmt.Errorf("%w: unknown operation type", ErrDeserializeProposal)
	}

	if g.queue.empty() {
		g.staged = nil
		return nil, nil
	}

	return g.buildCommit()
}

// buildCommit turns the queued proposals into a commit (and a welcome
// when members are added), staging the next epoch locally until the
// gateway echoes the commit back through processCommit.
func (g *groupState) buildCommit() (*CommitWelcome, error) {
	proposals := g.queue.snapshot()

	nextMembers := memberMapFromList(g.memberList())
	var joiners []KeyPackage
	for _, p := range proposals {
		switch p.Type() {
		case ProposalTypeAdd:
			kp := p.Add.KeyPackage
			if kp.Credential.Identity == g.userID {
				continue
			}
			nextMembers[kp.Credential.Identity] = &Member{
				UserID:       kp.Credential.Identity,
				LeafIndex:    nextFreeLeaf(nextMembers),
				InitKey:      kp.InitKey,
				SignatureKey: kp.Credential.PublicKey,
			}
			joiners = append(joiners, kp)
		case ProposalTypeRemove:
			delete(nextMembers, p.Remove.Removed)
		}
	}

	nextEpoch := g.epoch + 1
	ctx := contextFor(g.groupID, nextEpoch, sortedMemberList(nextMembers))
	commitSecret := randomBytesOrPanic(g.suite.Constants().SecretSize)
	nextSecrets := g.secrets.next(commitSecret, ctx)

	commit := Commit{
		GroupID:   g.groupID,
		Epoch:     g.epoch,
		Proposals: proposals,
	}

	// Seal the commit secret to every other surviving current member.
	for _, m := range g.memberList() {
		if m.UserID == g.userID {
			continue
		}
		if _, ok := nextMembers[m.UserID]; !ok {
			continue
		}
		ct, err := g.suite.hpke().Encrypt(m.InitKey, g.groupID, commitSecret)
		if err != nil {
			return nil, fmt.Errorf("davey.group: sealing path secret failed: %w", err)
		}
		commit.PathSecrets = append(commit.PathSecrets, EncryptedPathSecret{
			UserID:     m.UserID,
			Ciphertext: ct,
		})
	}

	rawCommit, err := syntax.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("davey.group: commit marshal failed: %w", err)
	}

	var rawWelcome []byte
	if len(joiners) > 0 {
		rawWelcome, err = g.buildWelcome(joiners, nextEpoch, nextMembers, nextSecrets)
		if err != nil {
			return nil, err
		}
	}

	g.staged = &stagedCommit{
		raw:     rawCommit,
		epoch:   nextEpoch,
		members: nextMembers,
		ownLeaf: g.ownLeaf,
		secrets: nextSecrets,
	}

	g.logger.Debug("staged commit",
		zap.Uint64("epoch", uint64(nextEpoch)),
		zap.Int("proposals", len(proposals)),
		zap.Int("joiners", len(joiners)))

	cw := &CommitWelcome{Commit: rawCommit, Welcome: rawWelcome}
	return cw, nil
}

func (g *groupState) buildWelcome(joiners []KeyPackage, nextEpoch Epoch, nextMembers map[uint64]*Member, nextSecrets epochSecrets) ([]byte, error) {
	groupSecrets, err := syntax.Marshal(GroupSecrets{EpochSecret: nextSecrets.EpochSecret})
	if err != nil {
		return nil, fmt.Errorf("davey.group: group secrets marshal failed: %w", err)
	}

	welcome := Welcome{
		Version:     g.version,
		CipherSuite: g.suite,
	}

	for _, kp := range joiners {
		hash, err := kp.hash(g.suite)
		if err != nil {
			return nil, err
		}
		ct, err := g.suite.hpke().Encrypt(kp.InitKey, g.groupID, groupSecrets)
		if err != nil {
			return nil, fmt.Errorf("davey.group: sealing group secrets failed: %w", err)
		}
		welcome.Secrets = append(welcome.Secrets, EncryptedGroupSecrets{
			KeyPackageHash:        hash,
			EncryptedGroupSecrets: ct,
		})
	}

	gi := GroupInfo{
		GroupID: g.groupID,
		Epoch:   nextEpoch,
		Members: sortedMemberList(nextMembers),
	}
	if err := gi.Extensions.Add(externalSendersExtension{Senders: []ExternalSender{*g.externalSender}}); err != nil {
		return nil, fmt.Errorf("davey.group: external senders extension failed: %w", err)
	}

	if err := welcome.encryptGroupInfo(gi, nextSecrets.EpochSecret); err != nil {
		return nil, fmt.Errorf("davey.group: group info encryption failed: %w", err)
	}

	return syntax.Marshal(welcome)
}

///
/// Welcome processing
///

func (g *groupState) processWelcome(data []byte) error {
	if g.established {
		return ErrAlreadyInGroup
	}
	if g.externalSender == nil {
		return ErrNoExternalSender
	}
	if g.kpInitPriv == nil {
		return ErrNoMatchingKeyPackage
	}

	var welcome Welcome
	read, err := syntax.Unmarshal(data, &welcome)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializeWelcome, err)
	}
	if read != len(data) {
		return fmt.Errorf("%w: trailing data", ErrDeserializeWelcome)
	}
	if !welcome.CipherSuite.supported() {
		return fmt.Errorf("%w: unsupported ciphersuite", ErrDeserializeWelcome)
	}

	var sealed *EncryptedGroupSecrets
	for i := range welcome.Secrets {
		if byteSliceEqual(welcome.Secrets[i].KeyPackageHash, g.kpHash) {
			sealed = &welcome.Secrets[i]
			break
		}
	}
	if sealed == nil {
		return ErrNoMatchingKeyPackage
	}

	groupSecretsData, err := g.suite.hpke().Decrypt(*g.kpInitPriv, g.groupID, sealed.EncryptedGroupSecrets)
	if err != nil {
		return fmt.Errorf("%w: opening group secrets: %v", ErrDeserializeWelcome, err)
	}

	var groupSecrets GroupSecrets
	if _, err := syntax.Unmarshal(groupSecretsData, &groupSecrets); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializeWelcome, err)
	}

	gi, err := welcome.decryptGroupInfo(groupSecrets.EpochSecret)
	if err != nil {
		return fmt.Errorf("%w: opening group info: %v", ErrDeserializeWelcome, err)
	}

	var senders externalSendersExtension
	found, err := gi.Extensions.Find(&senders)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeserializeWelcome, err)
	}
	if !found {
		return ErrExpectedExternalSenderExtension
	}
	if len(senders.Senders) != 1 {
		return ErrExpectedOneExternalSender
	}
	if !senders.Senders[0].Equals(*g.externalSender) {
		return ErrUnexpectedExternalSender
	}

	members := memberMapFromList(gi.Members)
	own, ok := members[g.userID]
	if !ok {
		return fmt.Errorf("%w: welcome does not include us", ErrUserNotInGroup)
	}

	// The welcome supersedes any pending bootstrap group.
	if g.pending {
		g.logger.Debug("discarding pending group in favor of welcome")
	}
	oldSecrets := g.secrets

	g.members = members
	g.ownLeaf = own.LeafIndex
	g.epoch = gi.Epoch
	g.secrets = newEpochSecrets(g.suite, groupSecrets.EpochSecret,
		contextFor(g.groupID, gi.Epoch, gi.Members))
	g.ownInitPriv = g.kpInitPriv
	g.pending = false
	g.established = true
	g.staged = nil
	g.queue.clear()
	oldSecrets.erase()

	g.logger.Info("joined group from welcome",
		zap.Uint64("epoch", uint64(g.epoch)),
		zap.Int("members", len(g.members)))
	return nil
}

///
/// Commit processing
///

// processCommit applies a commit echoed or relayed by the voice
// gateway. It reports whether the commit removed us from the group; in
// that case the group state has been torn down and the caller must drop
// its cipher state.
func (g *groupState) processCommit(data []byte) (selfRemoved bool, err error) {
	if !g.hasGroup() {
		return false, ErrNoGroup
	}

	var commit Commit
	read, err := syntax.Unmarshal(data, &commit)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDeserializeCommit, err)
	}
	if read != len(data) {
		return false, fmt.Errorf("%w: trailing data", ErrDeserializeCommit)
	}

	if !byteSliceEqual(commit.GroupID, g.groupID) || commit.Epoch != g.epoch {
		return false, ErrMessageForDifferentGroup
	}

	// Our own commit coming back from the gateway.
	if g.staged != nil && byteSliceEqual(g.staged.raw, data) {
		oldSecrets := g.secrets
		g.members = g.staged.members
		g.ownLeaf = g.staged.ownLeaf
		g.epoch = g.staged.epoch
		g.secrets = g.staged.secrets
		g.pending = false
		g.established = true
		g.staged = nil
		g.queue.clear()
		oldSecrets.erase()

		g.logger.Info("merged pending commit", zap.Uint64("epoch", uint64(g.epoch)))
		return false, nil
	}

	// A pending group only ever advances through its own commit or a
	// welcome; a foreign commit means we are out of sync.
	if g.pending {
		return false, ErrPendingGroup
	}

	nextMembers := memberMapFromList(g.memberList())
	for _, p := range commit.Proposals {
		if !byteSliceEqual(p.GroupID, g.groupID) || p.Epoch != g.epoch {
			return false, ErrMessageForDifferentGroup
		}
		if !p.verify(g.suite.Scheme(), g.externalSender.SignatureKey) {
			return false, ErrInvalidProposalSignature
		}

		switch p.Type() {
		case ProposalTypeAdd:
			kp := p.Add.KeyPackage
			if kp.Credential.Identity == g.userID {
				continue
			}
			nextMembers[kp.Credential.Identity] = &Member{
				UserID:       kp.Credential.Identity,
				LeafIndex:    nextFreeLeaf(nextMembers),
				InitKey:      kp.InitKey,
				SignatureKey: kp.Credential.PublicKey,
			}
		case ProposalTypeRemove:
			delete(nextMembers, p.Remove.Removed)
		default:
			return false, fmt.Errorf("%w: proposal has no body", ErrDeserializeCommit)
		}
	}

	if _, ok := nextMembers[g.userID]; !ok {
		g.logger.Info("removed from group by commit", zap.Uint64("userId", g.userID))
		g.teardown()
		return true, nil
	}

	var sealed *EncryptedPathSecret
	for i := range commit.PathSecrets {
		if commit.PathSecrets[i].UserID == g.userID {
			sealed = &commit.PathSecrets[i]
			break
		}
	}
	if sealed == nil {
		return false, fmt.Errorf("%w: no path secret addressed to us", ErrMergingCommit)
	}

	commitSecret, err := g.suite.hpke().Decrypt(*g.ownInitPriv, g.groupID, sealed.Ciphertext)
	if err != nil {
		return false, fmt.Errorf("%w: opening path secret: %v", ErrMergingCommit, err)
	}

	nextEpoch := g.epoch + 1
	ctx := contextFor(g.groupID, nextEpoch, sortedMemberList(nextMembers))
	oldSecrets := g.secrets

	g.secrets = g.secrets.next(commitSecret, ctx)
	g.members = nextMembers
	g.epoch = nextEpoch
	g.staged = nil
	g.queue.clear()
	oldSecrets.erase()
	zeroize(commitSecret)

	g.logger.Info("applied commit",
		zap.Uint64("epoch", uint64(g.epoch)),
		zap.Int("members", len(g.members)))
	return false, nil
}

///
/// Teardown
///

func (g *groupState) teardown() {
	g.secrets.erase()
	if g.ownInitPriv != nil {
		zeroize(g.ownInitPriv.Data)
	}
	if g.kpInitPriv != nil && g.kpInitPriv != g.ownInitPriv {
		zeroize(g.kpInitPriv.Data)
	}

	g.externalSender = nil
	g.pending = false
	g.established = false
	g.epoch = 0
	g.ownLeaf = 0
	g.members = nil
	g.secrets = epochSecrets{}
	g.ownInitPriv = nil
	g.kpInitPriv = nil
	g.kpHash = nil
	g.queue.clear()
	g.staged = nil
}

// reset tears the group down unconditionally. It is idempotent.
func (g *groupState) reset() error {
	g.teardown()
	return nil
}
