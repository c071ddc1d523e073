package davey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	hpke "github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519 CipherSuite = 0x0001
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) supported() bool {
	return cs == X25519_AES128GCM_SHA256_Ed25519
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	}
	return "UnknownCipherSuite"
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    16,
			NonceSize:  12,
			SecretSize: 32,
		}
	}
	panic("Unsupported ciphersuite")
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return Ed25519
	}
	panic("Unsupported ciphersuite")
}

func (cs CipherSuite) NewDigest() hash.Hash {
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.NewDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("davey.crypto: hkdf expand failure %v", err))
	}
	return out
}

// struct {
//   uint16 length;
//   opaque label<0..255>;
//   opaque context<0..2^32-1>;
// } HKDFLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("davey10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("davey.crypto: hkdf label marshal failure %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	contextHash := cs.Digest(context)
	return cs.hkdfExpandLabel(secret, label, contextHash, cs.Constants().SecretSize)
}

///
/// HPKE
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return byteSliceEqual(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite hpke.CipherSuite
	ID        CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
		if err != nil {
			panic(fmt.Errorf("davey.crypto: hpke suite assembly failure %v", err))
		}
		return hpkeInstance{suite, cs}
	}
	panic("Unsupported ciphersuite")
}

func (s hpkeInstance) Generate() (HPKEPrivateKey, error) {
	priv, pub, err := s.BaseSuite.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      s.BaseSuite.KEM.MarshalPrivate(priv),
		PublicKey: HPKEPublicKey{s.BaseSuite.KEM.Marshal(pub)},
	}
	return key, nil
}

func (s hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	// A digest is exactly one X25519 scalar, so unmarshaling it yields
	// a deterministic key pair for the seed.
	digest := s.ID.Digest(seed)
	priv, err := s.BaseSuite.KEM.UnmarshalPrivate(digest)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      s.BaseSuite.KEM.MarshalPrivate(priv),
		PublicKey: HPKEPublicKey{s.BaseSuite.KEM.Marshal(priv.PublicKey())},
	}
	return key, nil
}

func (s hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := s.BaseSuite.KEM.Unmarshal(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(s.BaseSuite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (s hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := s.BaseSuite.KEM.UnmarshalPrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(s.BaseSuite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return byteSliceEqual(k.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) String() string {
	switch ss {
	case Ed25519:
		return "Ed25519"
	}
	return "UnknownSignatureScheme"
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}
	panic("Unsupported signature scheme")
}

func (ss SignatureScheme) Derive(preSeed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		h := sha256.Sum256(preSeed)
		priv := ed25519.NewKeyFromSeed(h[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}
	panic("Unsupported signature scheme")
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case Ed25519:
		priv25519 := ed25519.PrivateKey(priv.Data)
		return ed25519.Sign(priv25519, message), nil
	}
	panic("Unsupported signature scheme")
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		pub25519 := ed25519.PublicKey(pub.Data)
		return ed25519.Verify(pub25519, message, signature)
	}
	panic("Unsupported signature scheme")
}

// SigningKeyPair is an externally supplied Ed25519 key pair used as the
// session identity. When absent the session generates a fresh one.
type SigningKeyPair struct {
	Private []byte
	Public  []byte
}

///
/// Small helpers
///

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func byteSliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func randomBytesOrPanic(size int) []byte {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		panic(fmt.Errorf("davey.crypto: entropy failure %v", err))
	}
	return out
}
