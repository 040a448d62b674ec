package keystore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corestario/kyber/sign/bls"
	"github.com/stretchr/testify/require"

	"github.com/avsguild/contributor/client/modules/keystore"
)

func TestKeyPair_SaveAndLoadKeyFile(t *testing.T) {
	req := require.New(t)
	keyFilePath := filepath.Join(t.TempDir(), "contributor.key")

	keyPair, err := keystore.NewKeyPair()
	req.NoError(err)
	req.NoError(keyPair.SelfCheck())

	err = keystore.SaveKeyFile(keyFilePath, keyPair)
	req.NoError(err)

	loaded, err := keystore.LoadKeyFile(keyFilePath)
	req.NoError(err)
	req.Equal(keyPair.GetAddr(), loaded.GetAddr())
	req.True(keyPair.BLSPublicKey().Equal(loaded.BLSPublicKey()))

	// The loaded key must produce signatures the original key's public part
	// verifies, i.e. it is the same identity.
	message := []byte("same identity probe")
	sig, err := loaded.Sign(message)
	req.NoError(err)
	origSig, err := keyPair.Sign(message)
	req.NoError(err)
	req.Equal(origSig, sig)
}

func TestKeyPair_BLSSignVerify(t *testing.T) {
	req := require.New(t)

	keyPair, err := keystore.NewKeyPair()
	req.NoError(err)

	// Signatures produced with the node's key must verify against its public
	// key under the shared suite, since peers check partials exactly this way.
	message := []byte("result digest under signature")
	sig, err := keyPair.Sign(message)
	req.NoError(err)
	req.NotEmpty(sig)
	req.NoError(bls.Verify(keystore.BLSSuite(), keyPair.BLSPublicKey(), message, sig))

	req.Error(bls.Verify(keystore.BLSSuite(), keyPair.BLSPublicKey(), []byte("another digest"), sig))

	other, err := keystore.NewKeyPair()
	req.NoError(err)
	req.Error(bls.Verify(keystore.BLSSuite(), other.BLSPublicKey(), message, sig))
}

func TestLoadKeyFile_Missing(t *testing.T) {
	req := require.New(t)

	_, err := keystore.LoadKeyFile(filepath.Join(t.TempDir(), "nope.key"))
	req.Error(err)
}

func TestLoadKeyFile_Malformed(t *testing.T) {
	req := require.New(t)
	keyFilePath := filepath.Join(t.TempDir(), "garbage.key")

	req.NoError(os.WriteFile(keyFilePath, []byte("{not json"), 0o600))

	_, err := keystore.LoadKeyFile(keyFilePath)
	req.Error(err)
}

func TestLevelDBKeyStore_PutAndLoadKeys(t *testing.T) {
	req := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "keystore")

	ks, err := keystore.NewLevelDBKeyStore(dbPath)
	req.NoError(err)

	keyPair, err := keystore.NewKeyPair()
	req.NoError(err)

	err = ks.PutKeys("node-0", keyPair)
	req.NoError(err)

	loaded, err := ks.LoadKeys("node-0")
	req.NoError(err)
	req.Equal(keyPair.GetAddr(), loaded.GetAddr())

	_, err = ks.LoadKeys("unknown-node")
	req.Error(err)
}
