package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/fslock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/avsguild/contributor/client/types"
)

const (
	terminalSessionPrefix = "terminal_session/"
	certificatePrefix     = "certificate/"

	lockSuffix = ".lock"
)

// TerminalSessionRecord is what survives of a session after it reaches a
// terminal state. It exists for replay protection only: a task id found here
// is acknowledged as already handled instead of being signed again.
type TerminalSessionRecord struct {
	TaskID       string    `json:"task_id"`
	State        string    `json:"state"`
	ResultDigest []byte    `json:"result_digest,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// State is the node's durable state: the terminal-session table and the
// formed quorum certificates.
type State interface {
	SaveTerminalSession(record *TerminalSessionRecord) error
	GetTerminalSession(taskID string) (*TerminalSessionRecord, error)

	SaveCertificate(certificate *types.QuorumCertificate) error
	GetCertificate(taskID string) (*types.QuorumCertificate, error)
	GetCertificates() ([]*types.QuorumCertificate, error)

	Reset(stateDbPath string) (string, error)
	Close() error
}

type LevelDBState struct {
	sync.Mutex
	stateDb     *leveldb.DB
	stateDbPath string
	lock        *fslock.Lock
}

// NewLevelDBState opens the state database and takes an exclusive lock on
// it, so two daemons never share one state directory.
func NewLevelDBState(stateDbPath string) (*LevelDBState, error) {
	lock := fslock.New(stateDbPath + lockSuffix)
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("failed to lock state directory %s: %w", stateDbPath, err)
	}

	db, err := leveldb.OpenFile(stateDbPath, nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open stateDB: %w", err)
	}

	return &LevelDBState{
		stateDb:     db,
		stateDbPath: stateDbPath,
		lock:        lock,
	}, nil
}

// Reset switches the node to a fresh state database, leaving the old one on
// disk for the operator.
func (s *LevelDBState) Reset(stateDbPath string) (string, error) {
	s.Lock()
	defer s.Unlock()

	if len(stateDbPath) < 1 {
		stateDbPath = fmt.Sprintf("%s_%d", s.stateDbPath, time.Now().Unix())
	}

	newState, err := NewLevelDBState(stateDbPath)
	if err != nil {
		return stateDbPath, fmt.Errorf("failed to open new stateDB: %w", err)
	}

	_ = s.stateDb.Close()
	_ = s.lock.Unlock()

	s.stateDb = newState.stateDb
	s.stateDbPath = stateDbPath
	s.lock = newState.lock

	return stateDbPath, nil
}

func (s *LevelDBState) Close() error {
	s.Lock()
	defer s.Unlock()

	if err := s.stateDb.Close(); err != nil {
		return fmt.Errorf("failed to close stateDB: %w", err)
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock state directory: %w", err)
	}

	return nil
}

func (s *LevelDBState) SaveTerminalSession(record *TerminalSessionRecord) error {
	s.Lock()
	defer s.Unlock()

	bz, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal terminal session record: %w", err)
	}

	key := []byte(terminalSessionPrefix + record.TaskID)
	if err := s.stateDb.Put(key, bz, nil); err != nil {
		return fmt.Errorf("failed to save terminal session record: %w", err)
	}

	return nil
}

// GetTerminalSession returns nil without an error when the task id has no
// terminal record.
func (s *LevelDBState) GetTerminalSession(taskID string) (*TerminalSessionRecord, error) {
	s.Lock()
	defer s.Unlock()

	bz, err := s.stateDb.Get([]byte(terminalSessionPrefix+taskID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get terminal session record: %w", err)
	}

	var record TerminalSessionRecord
	if err := json.Unmarshal(bz, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal terminal session record: %w", err)
	}

	return &record, nil
}

func (s *LevelDBState) SaveCertificate(certificate *types.QuorumCertificate) error {
	s.Lock()
	defer s.Unlock()

	bz, err := json.Marshal(certificate)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate: %w", err)
	}

	key := []byte(certificatePrefix + certificate.TaskID)
	if err := s.stateDb.Put(key, bz, nil); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}

	return nil
}

func (s *LevelDBState) GetCertificate(taskID string) (*types.QuorumCertificate, error) {
	s.Lock()
	defer s.Unlock()

	bz, err := s.stateDb.Get([]byte(certificatePrefix+taskID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}

	var certificate types.QuorumCertificate
	if err := json.Unmarshal(bz, &certificate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal certificate: %w", err)
	}

	return &certificate, nil
}

func (s *LevelDBState) GetCertificates() ([]*types.QuorumCertificate, error) {
	s.Lock()
	defer s.Unlock()

	var certificates []*types.QuorumCertificate

	iter := s.stateDb.NewIterator(util.BytesPrefix([]byte(certificatePrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var certificate types.QuorumCertificate
		if err := json.Unmarshal(iter.Value(), &certificate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal certificate %s: %w", string(iter.Key()), err)
		}
		certificates = append(certificates, &certificate)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate certificates: %w", err)
	}

	return certificates, nil
}
