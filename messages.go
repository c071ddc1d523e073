package davey

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type Epoch uint64

type LeafIndex uint32

///
/// Extensions
///

type ExtensionType uint16

const (
	ExtensionTypeExternalSenders ExtensionType = 0x0003
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("davey.messages: extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

///
/// External sender
///

// struct {
//   SignaturePublicKey signature_key;
//   Credential credential;
// } ExternalSender;
type ExternalSender struct {
	SignatureKey SignaturePublicKey
	Credential   Credential
}

func (es ExternalSender) Equals(o ExternalSender) bool {
	return es.SignatureKey.Equals(o.SignatureKey) &&
		es.Credential.Identity == o.Credential.Identity
}

// struct {
//   ExternalSender external_senders<0..2^32-1>;
// } ExternalSendersExtension;
type externalSendersExtension struct {
	Senders []ExternalSender `tls:"head=4"`
}

func (ese externalSendersExtension) Type() ExtensionType {
	return ExtensionTypeExternalSenders
}

///
/// Credentials
///

// struct {
//   uint64 identity;
//   SignatureScheme scheme;
//   SignaturePublicKey public_key;
// } Credential;
type Credential struct {
	Identity  uint64
	Scheme    SignatureScheme
	PublicKey SignaturePublicKey
}

///
/// Key packages
///

// struct {
//   uint16 version;
//   CipherSuite cipher_suite;
//   HPKEPublicKey init_key;
//   Credential credential;
//   Extension extensions<0..2^16-1>;
//   opaque signature<0..2^16-1>;
// } KeyPackage;
type KeyPackage struct {
	Version     uint16
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		Version     uint16
		CipherSuite CipherSuite
		InitKey     HPKEPublicKey
		Credential  Credential
		Extensions  ExtensionList
	}{kp.Version, kp.CipherSuite, kp.InitKey, kp.Credential, kp.Extensions})
}

func (kp *KeyPackage) sign(priv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = kp.Credential.Scheme.Sign(&priv, tbs)
	return err
}

func (kp KeyPackage) verify() bool {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return false
	}
	return kp.Credential.Scheme.Verify(&kp.Credential.PublicKey, tbs, kp.Signature)
}

func (kp KeyPackage) hash(suite CipherSuite) ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return suite.Digest(data), nil
}

func newKeyPackage(version uint16, suite CipherSuite, userID uint64, initKey HPKEPublicKey, sigPriv SignaturePrivateKey) (*KeyPackage, error) {
	kp := &KeyPackage{
		Version:     version,
		CipherSuite: suite,
		InitKey:     initKey,
		Credential: Credential{
			Identity:  userID,
			Scheme:    suite.Scheme(),
			PublicKey: sigPriv.PublicKey,
		},
	}

	if err := kp.sign(sigPriv); err != nil {
		return nil, err
	}
	return kp, nil
}

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeRemove  ProposalType = 2
)

// struct {
//   KeyPackage key_package;
// } AddProposal;
type AddProposal struct {
	KeyPackage KeyPackage
}

// struct {
//   uint64 removed;
// } RemoveProposal;
type RemoveProposal struct {
	Removed uint64
}

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   optional<AddProposal> add;
//   optional<RemoveProposal> remove;
//   opaque signature<0..2^16-1>;
// } Proposal;
//
// Proposals are issued and signed by the external sender (the voice
// gateway), never by group members.
type Proposal struct {
	GroupID   []byte          `tls:"head=1"`
	Epoch     Epoch
	Add       *AddProposal    `tls:"optional"`
	Remove    *RemoveProposal `tls:"optional"`
	Signature []byte          `tls:"head=2"`
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Remove != nil:
		return ProposalTypeRemove
	}
	return ProposalTypeInvalid
}

func (p Proposal) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		GroupID []byte          `tls:"head=1"`
		Epoch   Epoch
		Add     *AddProposal    `tls:"optional"`
		Remove  *RemoveProposal `tls:"optional"`
	}{p.GroupID, p.Epoch, p.Add, p.Remove})
}

func (p *Proposal) sign(scheme SignatureScheme, priv SignaturePrivateKey) error {
	tbs, err := p.toBeSigned()
	if err != nil {
		return err
	}

	p.Signature, err = scheme.Sign(&priv, tbs)
	return err
}

func (p Proposal) verify(scheme SignatureScheme, pub SignaturePublicKey) bool {
	tbs, err := p.toBeSigned()
	if err != nil {
		return false
	}
	return scheme.Verify(&pub, tbs, p.Signature)
}

// struct {
//   opaque hash<0..255>;
// } ProposalID;
type ProposalID struct {
	Hash []byte `tls:"head=1"`
}

func (pid ProposalID) String() string {
	return fmt.Sprintf("%x", pid.Hash[:4])
}

func (pid ProposalID) Equals(o ProposalID) bool {
	return byteSliceEqual(pid.Hash, o.Hash)
}

func proposalRef(suite CipherSuite, p Proposal) (ProposalID, error) {
	data, err := syntax.Marshal(p)
	if err != nil {
		return ProposalID{}, err
	}
	return ProposalID{Hash: suite.Digest(data)}, nil
}

// Payload of a process_proposals call with the APPEND operation.
type proposalList struct {
	Proposals []Proposal `tls:"head=4"`
}

// Payload of a process_proposals call with the REVOKE operation.
type proposalRefList struct {
	Refs []ProposalID `tls:"head=4"`
}

///
/// Commits
///

// struct {
//   uint64 user_id;
//   HPKECiphertext ciphertext;
// } EncryptedPathSecret;
//
// The commit secret, sealed to one current member's init key.
type EncryptedPathSecret struct {
	UserID     uint64
	Ciphertext HPKECiphertext
}

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   Proposal proposals<0..2^32-1>;
//   EncryptedPathSecret path_secrets<0..2^32-1>;
// } Commit;
type Commit struct {
	GroupID     []byte                `tls:"head=1"`
	Epoch       Epoch
	Proposals   []Proposal            `tls:"head=4"`
	PathSecrets []EncryptedPathSecret `tls:"head=4"`
}

///
/// Welcome
///

// struct {
//   uint64 user_id;
//   uint32 leaf_index;
//   HPKEPublicKey init_key;
//   SignaturePublicKey signature_key;
// } Member;
type Member struct {
	UserID       uint64
	LeafIndex    LeafIndex
	InitKey      HPKEPublicKey
	SignatureKey SignaturePublicKey
}

// struct {
//   opaque group_id<0..255>;
//   uint64 epoch;
//   Member members<0..2^32-1>;
//   Extension extensions<0..2^16-1>;
// } GroupInfo;
type GroupInfo struct {
	GroupID    []byte   `tls:"head=1"`
	Epoch      Epoch
	Members    []Member `tls:"head=4"`
	Extensions ExtensionList
}

// struct {
//   opaque epoch_secret<0..255>;
// } GroupSecrets;
type GroupSecrets struct {
	EpochSecret []byte `tls:"head=1"`
}

// struct {
//   opaque key_package_hash<0..255>;
//   HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	KeyPackageHash        []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

// struct {
//   uint16 version;
//   CipherSuite cipher_suite;
//   EncryptedGroupSecrets secrets<0..2^32-1>;
//   opaque encrypted_group_info<0..2^32-1>;
// } Welcome;
type Welcome struct {
	Version            uint16
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

func welcomeKeyAndNonce(suite CipherSuite, epochSecret []byte) ([]byte, []byte) {
	secretSize := suite.Constants().SecretSize
	keySize := suite.Constants().KeySize
	nonceSize := suite.Constants().NonceSize

	welcomeSecret := suite.hkdfExpandLabel(epochSecret, "welcome", []byte{}, secretSize)
	welcomeKey := suite.hkdfExpandLabel(welcomeSecret, "key", []byte{}, keySize)
	welcomeNonce := suite.hkdfExpandLabel(welcomeSecret, "nonce", []byte{}, nonceSize)

	return welcomeKey, welcomeNonce
}

func (w *Welcome) encryptGroupInfo(gi GroupInfo, epochSecret []byte) error {
	data, err := syntax.Marshal(gi)
	if err != nil {
		return err
	}

	key, nonce := welcomeKeyAndNonce(w.CipherSuite, epochSecret)
	aead, err := w.CipherSuite.NewAEAD(key)
	if err != nil {
		return err
	}

	w.EncryptedGroupInfo = aead.Seal(nil, nonce, data, nil)
	return nil
}

func (w Welcome) decryptGroupInfo(epochSecret []byte) (*GroupInfo, error) {
	key, nonce := welcomeKeyAndNonce(w.CipherSuite, epochSecret)
	aead, err := w.CipherSuite.NewAEAD(key)
	if err != nil {
		return nil, err
	}

	data, err := aead.Open(nil, nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, err
	}

	var gi GroupInfo
	if _, err := syntax.Unmarshal(data, &gi); err != nil {
		return nil, err
	}
	return &gi, nil
}
