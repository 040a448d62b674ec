package types

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/corestario/kyber"
)

// Peer is one contributor of the deployment, as declared by the orchestrator
// config. Addresses and keys are static for the process lifetime.
type Peer struct {
	ID              string
	Address         string
	BLSPubKey       kyber.Point
	TransportPubKey ed25519.PublicKey
}

// Topology is an immutable snapshot of the contributor set and the quorum
// threshold. Membership changes require a restart with a new config.
type Topology struct {
	Threshold int
	Peers     []*Peer

	byID map[string]*Peer
}

func NewTopology(threshold int, peers []*Peer) (*Topology, error) {
	if len(peers) == 0 {
		return nil, NewConfigurationError("topology without peers")
	}

	if threshold > len(peers) {
		return nil, NewConfigurationError("threshold %d exceeds the number of peers %d", threshold, len(peers))
	}

	// Byzantine tolerance requires strictly more than a simple majority.
	if threshold <= len(peers)/2 {
		return nil, NewConfigurationError("threshold %d is not greater than a simple majority of %d peers", threshold, len(peers))
	}

	byID := make(map[string]*Peer, len(peers))
	addrs := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		if peer.ID == "" {
			return nil, NewConfigurationError("peer without an id")
		}
		if _, ok := byID[peer.ID]; ok {
			return nil, NewConfigurationError("duplicate peer id %s", peer.ID)
		}
		if _, ok := addrs[peer.Address]; ok {
			return nil, NewConfigurationError("duplicate peer address %s", peer.Address)
		}
		if peer.BLSPubKey == nil {
			return nil, NewConfigurationError("peer %s without a BLS public key", peer.ID)
		}
		if len(peer.TransportPubKey) != ed25519.PublicKeySize {
			return nil, NewConfigurationError("peer %s with a malformed transport public key", peer.ID)
		}
		byID[peer.ID] = peer
		addrs[peer.Address] = struct{}{}
	}

	// Stable contributor order, so every node derives the same indices.
	ordered := make([]*Peer, len(peers))
	copy(ordered, peers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	return &Topology{
		Threshold: threshold,
		Peers:     ordered,
		byID:      byID,
	}, nil
}

func (t *Topology) PeerByID(id string) (*Peer, bool) {
	peer, ok := t.byID[id]
	return peer, ok
}

// SelfID finds this node in the topology by its transport public key.
func (t *Topology) SelfID(transportPub ed25519.PublicKey) (string, error) {
	for _, peer := range t.Peers {
		if bytes.Equal(peer.TransportPubKey, transportPub) {
			return peer.ID, nil
		}
	}
	return "", NewConfigurationError("this node's transport key is not present in the topology")
}

// Others returns all peers except the given one.
func (t *Topology) Others(selfID string) []*Peer {
	others := make([]*Peer, 0, len(t.Peers)-1)
	for _, peer := range t.Peers {
		if peer.ID != selfID {
			others = append(others, peer)
		}
	}
	return others
}

func (t *Topology) Size() int {
	return len(t.Peers)
}

// BLSPubKeys returns the signer verification keys keyed by peer id.
func (t *Topology) BLSPubKeys() map[string]kyber.Point {
	keys := make(map[string]kyber.Point, len(t.Peers))
	for _, peer := range t.Peers {
		keys[peer.ID] = peer.BLSPubKey
	}
	return keys
}

func (t *Topology) String() string {
	ids := make([]string, 0, len(t.Peers))
	for _, peer := range t.Peers {
		ids = append(ids, peer.ID)
	}
	return fmt.Sprintf("topology{threshold: %d, peers: %v}", t.Threshold, ids)
}
