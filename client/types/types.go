package types

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"
)

// Task is a work item assigned by the orchestrator. Immutable once received.
type Task struct {
	ID       string    `json:"id"`
	Payload  []byte    `json:"payload"`
	Deadline time.Time `json:"deadline"`
}

func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task without an id")
	}

	return nil
}

// PartialSignature is a contributor's BLS signature over the digest of the
// result it computed for a task. A node produces at most one partial
// signature per (task, node) pair.
type PartialSignature struct {
	TaskID       string `json:"task_id"`
	SignerID     string `json:"signer_id"`
	ResultDigest []byte `json:"result_digest"`
	Signature    []byte `json:"signature"`
}

func (p *PartialSignature) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("partial signature without a task id")
	}
	if p.SignerID == "" {
		return fmt.Errorf("partial signature without a signer id")
	}
	if len(p.ResultDigest) == 0 {
		return fmt.Errorf("partial signature without a result digest")
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("partial signature without a signature")
	}
	return nil
}

// SignerEntry is a single contribution inside a quorum certificate.
type SignerEntry struct {
	SignerID  string `json:"signer_id"`
	Signature []byte `json:"signature"`
}

// QuorumCertificate proves that at least T contributors signed the same
// result digest for a task. Immutable once formed; it is the unit submitted
// to the orchestrator.
type QuorumCertificate struct {
	TaskID         string        `json:"task_id"`
	ResultDigest   []byte        `json:"result_digest"`
	Signers        []SignerEntry `json:"signers"`
	AggregateProof []byte        `json:"aggregate_proof"`
}

func (c *QuorumCertificate) SignerIDs() []string {
	ids := make([]string, 0, len(c.Signers))
	for _, entry := range c.Signers {
		ids = append(ids, entry.SignerID)
	}
	sort.Strings(ids)
	return ids
}

func (c *QuorumCertificate) Check(other *QuorumCertificate) error {
	if c.TaskID != other.TaskID {
		return fmt.Errorf("c1.TaskID (%s) != c2.TaskID (%s)", c.TaskID, other.TaskID)
	}

	if !bytes.Equal(c.ResultDigest, other.ResultDigest) {
		return fmt.Errorf("c1.ResultDigest (%x) != c2.ResultDigest (%x)", c.ResultDigest, other.ResultDigest)
	}

	return nil
}

// ResultDigest binds a computed result to its task, so a signature over the
// digest cannot be replayed for a different task.
func ResultDigest(taskID string, result []byte) []byte {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write(result)
	return h.Sum(nil)
}
