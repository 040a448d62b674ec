package peer

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const (
	KindPartialSignature = "partial_signature"
	KindHeartbeat        = "heartbeat"

	// maxFrameSize bounds a single wire frame; partial signatures and
	// heartbeats are small, anything bigger is a broken or hostile peer.
	maxFrameSize = 1 << 20
)

// Envelope is the unit of the peer wire protocol. Every envelope is bound to
// a task id (heartbeats excepted) and signed by the sender's transport key,
// so frames cannot be forged or replayed across tasks.
type Envelope struct {
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	SenderID  string `json:"sender_id"`
	Data      []byte `json:"data,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// Bytes returns the signable encoding of the envelope, the JSON form with
// the signature stripped.
func (e *Envelope) Bytes() []byte {
	unsigned := *e
	unsigned.Signature = nil
	bz, _ := json.Marshal(&unsigned)
	return bz
}

func (e *Envelope) Verify(senderPubKey ed25519.PublicKey) error {
	if len(e.Signature) == 0 {
		return fmt.Errorf("envelope without a signature")
	}
	if !ed25519.Verify(senderPubKey, e.Bytes(), e.Signature) {
		return fmt.Errorf("envelope signature mismatch")
	}
	return nil
}

// Inbound is a verified envelope tagged with the authenticated peer that
// sent it.
type Inbound struct {
	PeerID   string
	Envelope Envelope
}

// LinkEvent reports a peer link going up or down, for liveness and
// quorum-reachability decisions.
type LinkEvent struct {
	PeerID string
	Up     bool
}

// writeFrame writes one length-prefixed JSON frame. Callers must hold the
// link's send mutex, so bytes of distinct frames never interleave.
func writeFrame(conn net.Conn, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(bz) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the limit", len(bz))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(bz)))

	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := conn.Write(bz); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}

	return nil
}

func readFrame(conn net.Conn, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("failed to read frame body: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	return nil
}
