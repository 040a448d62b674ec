package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/corestario/kyber"
	"github.com/corestario/kyber/pairing"
	"github.com/corestario/kyber/pairing/bls12381"
	"github.com/corestario/kyber/sign/bls"
	"github.com/corestario/kyber/util/random"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	secretsKey = "secrets"

	keyFileMode = 0o600
)

// BLSSuite is the pairing suite every component of a deployment must share
// for partial signatures to verify and aggregate across nodes. Keys live on
// G1, signatures on G2.
func BLSSuite() pairing.Suite {
	return bls12381.NewBLS12381Suite(nil).(pairing.Suite)
}

// KeyPair holds the node's long-lived signing keys: a BLS keypair for result
// attestation and an ed25519 keypair authenticating the peer transport.
// The private parts are never serialized outward and never logged.
type KeyPair struct {
	suite pairing.Suite

	blsPriv kyber.Scalar
	blsPub  kyber.Point

	transportPriv ed25519.PrivateKey
	transportPub  ed25519.PublicKey
}

func NewKeyPair() (*KeyPair, error) {
	suite := BLSSuite()
	blsPriv, blsPub := bls.NewKeyPair(suite, random.New())

	transportPub, transportPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transport keypair: %w", err)
	}

	return &KeyPair{
		suite:         suite,
		blsPriv:       blsPriv,
		blsPub:        blsPub,
		transportPriv: transportPriv,
		transportPub:  transportPub,
	}, nil
}

// Sign produces this node's BLS signature over the given message.
func (p *KeyPair) Sign(message []byte) ([]byte, error) {
	return bls.Sign(p.suite, p.blsPriv, message)
}

// TransportSign signs a transport frame with the node's ed25519 key.
func (p *KeyPair) TransportSign(message []byte) []byte {
	return ed25519.Sign(p.transportPriv, message)
}

func (p *KeyPair) BLSPublicKey() kyber.Point {
	return p.blsPub
}

func (p *KeyPair) TransportPublicKey() ed25519.PublicKey {
	return p.transportPub
}

// GetAddr returns the node's transport address identity, the hex of its
// transport public key.
func (p *KeyPair) GetAddr() string {
	return hex.EncodeToString(p.transportPub)
}

// SelfCheck signs and verifies a probe message with both keys. A key file
// that fails this check must not be served with.
func (p *KeyPair) SelfCheck() error {
	probe := []byte("keystore self-consistency probe")

	sig, err := bls.Sign(p.suite, p.blsPriv, probe)
	if err != nil {
		return fmt.Errorf("failed to sign the probe with the BLS key: %w", err)
	}
	if err := bls.Verify(p.suite, p.blsPub, probe, sig); err != nil {
		return fmt.Errorf("BLS keypair is inconsistent: %w", err)
	}

	if !ed25519.Verify(p.transportPub, probe, ed25519.Sign(p.transportPriv, probe)) {
		return fmt.Errorf("transport keypair is inconsistent")
	}

	return nil
}

type keyFile struct {
	BLSPriv       string `json:"bls_priv"`
	BLSPub        string `json:"bls_pub"`
	TransportPriv string `json:"transport_priv"`
	TransportPub  string `json:"transport_pub"`
}

func (p *KeyPair) MarshalJSON() ([]byte, error) {
	blsPrivBz, err := p.blsPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BLS private key: %w", err)
	}
	blsPubBz, err := p.blsPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BLS public key: %w", err)
	}

	return json.Marshal(&keyFile{
		BLSPriv:       hex.EncodeToString(blsPrivBz),
		BLSPub:        hex.EncodeToString(blsPubBz),
		TransportPriv: hex.EncodeToString(p.transportPriv),
		TransportPub:  hex.EncodeToString(p.transportPub),
	})
}

func (p *KeyPair) UnmarshalJSON(data []byte) error {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("failed to unmarshal key file: %w", err)
	}

	suite := BLSSuite()

	blsPrivBz, err := hex.DecodeString(kf.BLSPriv)
	if err != nil {
		return fmt.Errorf("failed to decode BLS private key: %w", err)
	}
	blsPriv := suite.G1().Scalar()
	if err := blsPriv.UnmarshalBinary(blsPrivBz); err != nil {
		return fmt.Errorf("failed to unmarshal BLS private key: %w", err)
	}

	blsPubBz, err := hex.DecodeString(kf.BLSPub)
	if err != nil {
		return fmt.Errorf("failed to decode BLS public key: %w", err)
	}
	blsPub := suite.G1().Point()
	if err := blsPub.UnmarshalBinary(blsPubBz); err != nil {
		return fmt.Errorf("failed to unmarshal BLS public key: %w", err)
	}

	transportPriv, err := hex.DecodeString(kf.TransportPriv)
	if err != nil {
		return fmt.Errorf("failed to decode transport private key: %w", err)
	}
	if len(transportPriv) != ed25519.PrivateKeySize {
		return fmt.Errorf("transport private key has wrong length %d", len(transportPriv))
	}

	transportPub, err := hex.DecodeString(kf.TransportPub)
	if err != nil {
		return fmt.Errorf("failed to decode transport public key: %w", err)
	}
	if len(transportPub) != ed25519.PublicKeySize {
		return fmt.Errorf("transport public key has wrong length %d", len(transportPub))
	}

	p.suite = suite
	p.blsPriv = blsPriv
	p.blsPub = blsPub
	p.transportPriv = ed25519.PrivateKey(transportPriv)
	p.transportPub = ed25519.PublicKey(transportPub)
	return nil
}

// LoadKeyFile loads exactly one keypair from the given path and runs the
// self-consistency check. Any failure here is fatal for the process.
func LoadKeyFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	var keyPair KeyPair
	if err := json.Unmarshal(data, &keyPair); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}

	if err := keyPair.SelfCheck(); err != nil {
		return nil, fmt.Errorf("key file %s failed the self check: %w", path, err)
	}

	return &keyPair, nil
}

// SaveKeyFile writes the keypair to the given path in the daemon's key file
// format.
func SaveKeyFile(path string, keyPair *KeyPair) error {
	data, err := json.Marshal(keyPair)
	if err != nil {
		return fmt.Errorf("failed to marshal keypair: %w", err)
	}

	if err := os.WriteFile(path, data, keyFileMode); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}

	return nil
}

type KeyStore interface {
	PutKeys(nodeName string, keyPair *KeyPair) error
	LoadKeys(nodeName string) (*KeyPair, error)
}

// LevelDBKeyStore keeps generated keypairs for the gen_keys command, so an
// operator can re-export a key file without regenerating the identity.
type LevelDBKeyStore struct {
	keystoreDb *leveldb.DB
}

func NewLevelDBKeyStore(keystorePath string) (KeyStore, error) {
	db, err := leveldb.OpenFile(keystorePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	keystore := &LevelDBKeyStore{
		keystoreDb: db,
	}

	if _, err := keystore.keystoreDb.Get([]byte(secretsKey), nil); err != nil {
		if err := keystore.initJsonKey(secretsKey, map[string]*KeyPair{}); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", secretsKey, err)
		}
	}

	return keystore, nil
}

func (s *LevelDBKeyStore) PutKeys(nodeName string, keyPair *KeyPair) error {
	bz, err := s.keystoreDb.Get([]byte(secretsKey), nil)
	if err != nil {
		return fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyPairs = map[string]json.RawMessage{}
	if err := json.Unmarshal(bz, &keyPairs); err != nil {
		return fmt.Errorf("failed to unmarshal key pairs: %w", err)
	}

	keyPairBz, err := json.Marshal(keyPair)
	if err != nil {
		return fmt.Errorf("failed to marshal key pair: %w", err)
	}
	keyPairs[nodeName] = keyPairBz

	keyPairsBz, err := json.Marshal(keyPairs)
	if err != nil {
		return fmt.Errorf("failed to marshal key pairs: %w", err)
	}

	if err := s.keystoreDb.Put([]byte(secretsKey), keyPairsBz, nil); err != nil {
		return fmt.Errorf("failed to put key pairs: %w", err)
	}

	return nil
}

func (s *LevelDBKeyStore) LoadKeys(nodeName string) (*KeyPair, error) {
	bz, err := s.keystoreDb.Get([]byte(secretsKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyPairs = map[string]json.RawMessage{}
	if err := json.Unmarshal(bz, &keyPairs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key pairs: %w", err)
	}

	keyPairBz, ok := keyPairs[nodeName]
	if !ok {
		return nil, fmt.Errorf("no key pair found for node %s", nodeName)
	}

	var keyPair KeyPair
	if err := json.Unmarshal(keyPairBz, &keyPair); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key pair: %w", err)
	}

	return &keyPair, nil
}

func (s *LevelDBKeyStore) initJsonKey(key string, data interface{}) error {
	dataBz, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal storage structure: %w", err)
	}
	if err := s.keystoreDb.Put([]byte(key), dataBz, nil); err != nil {
		return fmt.Errorf("failed to init keystore state: %w", err)
	}

	return nil
}
