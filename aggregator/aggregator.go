// Package aggregator collects partial signatures over task results and forms
// a quorum certificate once one digest gathers the configured threshold of
// valid contributions. Verification, counting and certificate formation are
// kept as separable steps.
package aggregator

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/corestario/kyber"
	"github.com/corestario/kyber/pairing"
	"github.com/corestario/kyber/sign/bls"

	"github.com/avsguild/contributor/client/types"
)

// Outcome reports what Add did with a partial signature.
type Outcome uint8

const (
	// OutcomeConfirmed: valid signature over this node's own digest.
	OutcomeConfirmed Outcome = iota
	// OutcomeDisagreement: valid signature over a digest this node did not
	// compute. Recorded, never merged with other digests.
	OutcomeDisagreement
	// OutcomeDuplicate: the signer already contributed; not double-counted.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDisagreement:
		return "disagreement"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "undefined outcome"
	}
}

// SignatureSet accumulates verified partial signatures for one task, keyed
// by signer id and grouped by result digest. It is owned by a single session
// and is not safe for concurrent use.
type SignatureSet struct {
	suite       pairing.Suite
	taskID      string
	localDigest []byte
	threshold   int
	pubKeys     map[string]kyber.Point

	// byDigest groups contributions per digest; entries of distinct digests
	// are never merged.
	byDigest map[string]map[string]types.PartialSignature
	// digestBySigner enforces one contribution per signer.
	digestBySigner map[string]string
	// reachedDigest remembers which digest reached the threshold first.
	reachedDigest string

	certificate *types.QuorumCertificate
}

func NewSignatureSet(
	suite pairing.Suite,
	taskID string,
	localDigest []byte,
	threshold int,
	pubKeys map[string]kyber.Point,
) (*SignatureSet, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be positive, got %d", threshold)
	}
	if threshold > len(pubKeys) {
		return nil, fmt.Errorf("threshold %d exceeds the number of known signers %d", threshold, len(pubKeys))
	}
	if len(localDigest) == 0 {
		return nil, fmt.Errorf("empty local digest")
	}

	return &SignatureSet{
		suite:          suite,
		taskID:         taskID,
		localDigest:    localDigest,
		threshold:      threshold,
		pubKeys:        pubKeys,
		byDigest:       make(map[string]map[string]types.PartialSignature),
		digestBySigner: make(map[string]string),
	}, nil
}

// Add verifies a partial signature and records it. Invalid contributions
// return a VerificationError and are not counted toward any threshold.
func (s *SignatureSet) Add(partial types.PartialSignature) (Outcome, error) {
	if err := partial.Validate(); err != nil {
		return 0, &types.VerificationError{SignerID: partial.SignerID, Err: err}
	}

	if partial.TaskID != s.taskID {
		return 0, &types.VerificationError{
			SignerID: partial.SignerID,
			Err:      fmt.Errorf("partial signature for task %s added to set for task %s", partial.TaskID, s.taskID),
		}
	}

	pubKey, ok := s.pubKeys[partial.SignerID]
	if !ok {
		return 0, &types.VerificationError{
			SignerID: partial.SignerID,
			Err:      fmt.Errorf("signer is not part of the topology"),
		}
	}

	if _, ok := s.digestBySigner[partial.SignerID]; ok {
		return OutcomeDuplicate, nil
	}

	if err := bls.Verify(s.suite, pubKey, partial.ResultDigest, partial.Signature); err != nil {
		return 0, &types.VerificationError{SignerID: partial.SignerID, Err: err}
	}

	digestKey := hex.EncodeToString(partial.ResultDigest)
	group, ok := s.byDigest[digestKey]
	if !ok {
		group = make(map[string]types.PartialSignature)
		s.byDigest[digestKey] = group
	}
	group[partial.SignerID] = partial
	s.digestBySigner[partial.SignerID] = digestKey

	if s.reachedDigest == "" && len(group) >= s.threshold {
		s.reachedDigest = digestKey
	}

	if bytes.Equal(partial.ResultDigest, s.localDigest) {
		return OutcomeConfirmed, nil
	}
	return OutcomeDisagreement, nil
}

// ConfirmingCount is the number of contributions over this node's digest.
func (s *SignatureSet) ConfirmingCount() int {
	return len(s.byDigest[hex.EncodeToString(s.localDigest)])
}

// DisagreementCount is the number of signers that committed to a digest this
// node did not compute.
func (s *SignatureSet) DisagreementCount() int {
	return len(s.digestBySigner) - s.ConfirmingCount()
}

// HasSigner reports whether the given signer already contributed.
func (s *SignatureSet) HasSigner(signerID string) bool {
	_, ok := s.digestBySigner[signerID]
	return ok
}

// ThresholdReached reports whether some digest has gathered the threshold of
// valid contributions.
func (s *SignatureSet) ThresholdReached() bool {
	return s.reachedDigest != ""
}

// ThresholdReachable is the pure quorum decision: given the strongest
// digest's current count, the number of signers still undecided, and the
// threshold, can a certificate still be formed?
func ThresholdReachable(bestCount, undecided, threshold int) bool {
	return bestCount+undecided >= threshold
}

// QuorumUnreachable reports whether no digest can reach the threshold
// anymore, counting peers that are silent and unreachable as lost.
func (s *SignatureSet) QuorumUnreachable(unreachableSilent int) bool {
	if s.ThresholdReached() {
		return false
	}

	undecided := len(s.pubKeys) - len(s.digestBySigner) - unreachableSilent
	if undecided < 0 {
		undecided = 0
	}

	bestCount := 0
	for _, group := range s.byDigest {
		if len(group) > bestCount {
			bestCount = len(group)
		}
	}

	return !ThresholdReachable(bestCount, undecided, s.threshold)
}

// BuildCertificate assembles the quorum certificate for the digest that
// reached the threshold first. The certificate carries the minimal signer
// set and a BLS aggregate of their signatures, verified before release.
// Once formed it is never rebuilt or revoked.
func (s *SignatureSet) BuildCertificate() (*types.QuorumCertificate, error) {
	if s.certificate != nil {
		return s.certificate, nil
	}

	if !s.ThresholdReached() {
		return nil, fmt.Errorf("threshold of %d not reached", s.threshold)
	}

	group := s.byDigest[s.reachedDigest]

	signerIDs := make([]string, 0, len(group))
	for signerID := range group {
		signerIDs = append(signerIDs, signerID)
	}
	sort.Strings(signerIDs)
	signerIDs = signerIDs[:s.threshold]

	var (
		resultDigest []byte
		signers      = make([]types.SignerEntry, 0, s.threshold)
		signatures   = make([][]byte, 0, s.threshold)
		pubKeys      = make([]kyber.Point, 0, s.threshold)
	)
	for _, signerID := range signerIDs {
		partial := group[signerID]
		resultDigest = partial.ResultDigest
		signers = append(signers, types.SignerEntry{SignerID: signerID, Signature: partial.Signature})
		signatures = append(signatures, partial.Signature)
		pubKeys = append(pubKeys, s.pubKeys[signerID])
	}

	aggregateProof, err := bls.AggregateSignatures(s.suite, signatures...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate signatures: %w", err)
	}

	// All member signatures were verified individually, so this only fails
	// on an aggregation defect. Surface it instead of shipping a bad proof.
	aggregatePubKey := bls.AggregatePublicKeys(s.suite, pubKeys...)
	if err := bls.Verify(s.suite, aggregatePubKey, resultDigest, aggregateProof); err != nil {
		return nil, fmt.Errorf("aggregate proof failed verification: %w", err)
	}

	s.certificate = &types.QuorumCertificate{
		TaskID:         s.taskID,
		ResultDigest:   resultDigest,
		Signers:        signers,
		AggregateProof: aggregateProof,
	}

	return s.certificate, nil
}

// Certificate returns the formed certificate, or nil.
func (s *SignatureSet) Certificate() *types.QuorumCertificate {
	return s.certificate
}
