package aggregator_test

import (
	"fmt"
	"testing"

	"github.com/corestario/kyber"
	"github.com/corestario/kyber/sign/bls"
	"github.com/corestario/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/avsguild/contributor/aggregator"
	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/types"
)

type testSigner struct {
	id   string
	priv kyber.Scalar
	pub  kyber.Point
}

func newTestSigners(t *testing.T, n int) []testSigner {
	t.Helper()
	suite := keystore.BLSSuite()

	signers := make([]testSigner, n)
	for i := range signers {
		priv, pub := bls.NewKeyPair(suite, random.New())
		signers[i] = testSigner{
			id:   fmt.Sprintf("node-%d", i),
			priv: priv,
			pub:  pub,
		}
	}
	return signers
}

func pubKeysOf(signers []testSigner) map[string]kyber.Point {
	pubKeys := make(map[string]kyber.Point, len(signers))
	for _, signer := range signers {
		pubKeys[signer.id] = signer.pub
	}
	return pubKeys
}

func (s testSigner) partialOver(t *testing.T, taskID string, digest []byte) types.PartialSignature {
	t.Helper()
	sig, err := bls.Sign(keystore.BLSSuite(), s.priv, digest)
	require.NoError(t, err)
	return types.PartialSignature{
		TaskID:       taskID,
		SignerID:     s.id,
		ResultDigest: digest,
		Signature:    sig,
	}
}

func TestSignatureSet_QuorumWithOfflinePeer(t *testing.T) {
	// 3 peers, T=2. A and B compute digest D1, C is offline.
	req := require.New(t)
	signers := newTestSigners(t, 3)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 2, pubKeysOf(signers))
	req.NoError(err)

	outcome, err := set.Add(signers[0].partialOver(t, taskID, digest))
	req.NoError(err)
	req.Equal(aggregator.OutcomeConfirmed, outcome)
	req.False(set.ThresholdReached())

	outcome, err = set.Add(signers[1].partialOver(t, taskID, digest))
	req.NoError(err)
	req.Equal(aggregator.OutcomeConfirmed, outcome)
	req.True(set.ThresholdReached())

	certificate, err := set.BuildCertificate()
	req.NoError(err)
	req.Equal(taskID, certificate.TaskID)
	req.Equal(digest, certificate.ResultDigest)
	req.Equal([]string{"node-0", "node-1"}, certificate.SignerIDs())
	req.NotEmpty(certificate.AggregateProof)

	// Exactly one certificate: a second build returns the stored one.
	again, err := set.BuildCertificate()
	req.NoError(err)
	req.Same(certificate, again)
}

func TestSignatureSet_InvalidSignatureNeverCounted(t *testing.T) {
	req := require.New(t)
	signers := newTestSigners(t, 3)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 2, pubKeysOf(signers))
	req.NoError(err)

	tampered := signers[0].partialOver(t, taskID, digest)
	tampered.Signature[0] ^= 0xff

	_, err = set.Add(tampered)
	req.Error(err)
	var verificationErr *types.VerificationError
	req.ErrorAs(err, &verificationErr)
	req.Equal("node-0", verificationErr.SignerID)
	req.Zero(set.ConfirmingCount())

	// A signature by the wrong key over the right digest is also rejected.
	forged := signers[1].partialOver(t, taskID, digest)
	forged.SignerID = "node-2"
	_, err = set.Add(forged)
	req.Error(err)
	req.Zero(set.ConfirmingCount())
	req.False(set.ThresholdReached())
}

func TestSignatureSet_DuplicateSignerIsIdempotent(t *testing.T) {
	req := require.New(t)
	signers := newTestSigners(t, 3)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 2, pubKeysOf(signers))
	req.NoError(err)

	partial := signers[0].partialOver(t, taskID, digest)

	outcome, err := set.Add(partial)
	req.NoError(err)
	req.Equal(aggregator.OutcomeConfirmed, outcome)

	outcome, err = set.Add(partial)
	req.NoError(err)
	req.Equal(aggregator.OutcomeDuplicate, outcome)
	req.Equal(1, set.ConfirmingCount())
	req.False(set.ThresholdReached())
}

func TestSignatureSet_DivergentDigestMakesQuorumUnreachable(t *testing.T) {
	// 3 peers, T=3, one peer computes a divergent digest.
	req := require.New(t)
	signers := newTestSigners(t, 3)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))
	divergent := types.ResultDigest(taskID, []byte("divergent result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 3, pubKeysOf(signers))
	req.NoError(err)

	_, err = set.Add(signers[0].partialOver(t, taskID, digest))
	req.NoError(err)
	_, err = set.Add(signers[1].partialOver(t, taskID, digest))
	req.NoError(err)

	// Two of three agree; quorum of three is still possible.
	req.False(set.QuorumUnreachable(0))

	outcome, err := set.Add(signers[2].partialOver(t, taskID, divergent))
	req.NoError(err)
	req.Equal(aggregator.OutcomeDisagreement, outcome)
	req.Equal(1, set.DisagreementCount())

	req.False(set.ThresholdReached())
	req.True(set.QuorumUnreachable(0))

	_, err = set.BuildCertificate()
	req.Error(err)
}

func TestSignatureSet_QuorumUnreachableWithSilentPeers(t *testing.T) {
	req := require.New(t)
	signers := newTestSigners(t, 3)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 2, pubKeysOf(signers))
	req.NoError(err)

	_, err = set.Add(signers[0].partialOver(t, taskID, digest))
	req.NoError(err)

	req.False(set.QuorumUnreachable(1))
	req.True(set.QuorumUnreachable(2))
}

func TestSignatureSet_FirstDigestToReachThresholdWins(t *testing.T) {
	req := require.New(t)
	signers := newTestSigners(t, 5)
	taskID := "task-1"
	localDigest := types.ResultDigest(taskID, []byte("local result"))
	otherDigest := types.ResultDigest(taskID, []byte("other result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, localDigest, 2, pubKeysOf(signers))
	req.NoError(err)

	_, err = set.Add(signers[0].partialOver(t, taskID, localDigest))
	req.NoError(err)
	_, err = set.Add(signers[2].partialOver(t, taskID, otherDigest))
	req.NoError(err)
	_, err = set.Add(signers[3].partialOver(t, taskID, otherDigest))
	req.NoError(err)

	req.True(set.ThresholdReached())

	certificate, err := set.BuildCertificate()
	req.NoError(err)
	req.Equal(otherDigest, certificate.ResultDigest)

	// A later quorum over the local digest never revokes the certificate.
	_, err = set.Add(signers[1].partialOver(t, taskID, localDigest))
	req.NoError(err)
	again, err := set.BuildCertificate()
	req.NoError(err)
	req.Same(certificate, again)
	req.Equal(otherDigest, again.ResultDigest)
}

func TestSignatureSet_RejectsForeignTaskAndUnknownSigner(t *testing.T) {
	req := require.New(t)
	signers := newTestSigners(t, 3)
	strangers := newTestSigners(t, 1)
	taskID := "task-1"
	digest := types.ResultDigest(taskID, []byte("result"))

	set, err := aggregator.NewSignatureSet(keystore.BLSSuite(), taskID, digest, 2, pubKeysOf(signers))
	req.NoError(err)

	foreign := signers[0].partialOver(t, "task-2", types.ResultDigest("task-2", []byte("result")))
	_, err = set.Add(foreign)
	req.Error(err)

	stranger := strangers[0]
	stranger.id = "node-99"
	_, err = set.Add(stranger.partialOver(t, taskID, digest))
	req.Error(err)

	req.Zero(set.ConfirmingCount())
}
