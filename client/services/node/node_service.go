// Package node runs the contributor's session machinery: it receives tasks
// from the orchestrator, drives one signing session per task and exchanges
// partial signatures with the other contributors until a quorum certificate
// is formed or the session fails.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avsguild/contributor/aggregator"
	"github.com/avsguild/contributor/client/api/dto"
	"github.com/avsguild/contributor/client/modules/keystore"
	"github.com/avsguild/contributor/client/modules/logger"
	"github.com/avsguild/contributor/client/modules/state"
	"github.com/avsguild/contributor/client/types"
	"github.com/avsguild/contributor/fsm"
	"github.com/avsguild/contributor/fsm/session_fsm"
	"github.com/avsguild/contributor/orchestrator"
	"github.com/avsguild/contributor/peer"
	"github.com/avsguild/contributor/processor"
)

const (
	defaultHeartbeatPeriod = 10 * time.Second

	partialBacklog = 16

	// Peers that compute fast may broadcast before this node received the
	// task. Their contributions wait here until the session starts.
	maxPendingTasks         = 64
	maxPendingContributions = 16
)

// SessionInfo is a read-only snapshot of a session for the operator API.
type SessionInfo struct {
	TaskID        string    `json:"task_id"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	Deadline      time.Time `json:"deadline"`
	Confirming    int       `json:"confirming"`
	Disagreements int       `json:"disagreements"`
}

type NodeService interface {
	Run(ctx context.Context) error

	GetNodeID() string
	GetPubKey() (string, error)
	GetSessions() []SessionInfo
	GetSessionInfo(request *dto.TaskIdDTO) (*SessionInfo, error)
	GetCertificates() ([]*types.QuorumCertificate, error)
	GetCertificateByTaskID(request *dto.TaskIdDTO) (*types.QuorumCertificate, error)
	AbortSession(request *dto.TaskIdDTO) error
	ResetState(request *dto.ResetStateDTO) (string, error)
}

// session is the live state of one task being serviced. The session goroutine
// owns the machine and the signature set; the mutex only covers reads from
// the API and writes from the goroutine.
type session struct {
	mu sync.Mutex

	task      *types.Task
	machine   *fsm.FSM
	set       *aggregator.SignatureSet
	startedAt time.Time
	deadline  time.Time

	partials  chan types.PartialSignature
	linkDown  chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
}

func (s *session) requestAbort() {
	s.abortOnce.Do(func() {
		close(s.abort)
	})
}

func (s *session) kickLinkDown() {
	select {
	case s.linkDown <- struct{}{}:
	default:
	}
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		TaskID:    s.task.ID,
		State:     s.machine.State().String(),
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
	}
	if s.set != nil {
		info.Confirming = s.set.ConfirmingCount()
		info.Disagreements = s.set.DisagreementCount()
	}
	return info
}

type BaseNodeService struct {
	nodeID   string
	keyPair  *keystore.KeyPair
	topology *types.Topology

	channel      peer.Channel
	orchestrator orchestrator.Client
	processor    processor.Processor
	state        state.State
	logger       logger.Logger

	taskDeadline    time.Duration
	heartbeatPeriod time.Duration

	sessionsMu sync.Mutex
	sessions   map[string]*session
	// pending holds contributions that arrived before their task did.
	pending map[string][]types.PartialSignature

	// downPeers tracks peers whose link dropped after being up. A peer that
	// was never seen is treated optimistically until the deadline decides.
	downMu    sync.Mutex
	downPeers map[string]bool

	wg sync.WaitGroup
}

func NewNodeService(
	nodeID string,
	keyPair *keystore.KeyPair,
	topology *types.Topology,
	channel peer.Channel,
	orchestratorClient orchestrator.Client,
	proc processor.Processor,
	nodeState state.State,
	log logger.Logger,
	taskDeadline time.Duration,
) (*BaseNodeService, error) {
	if _, ok := topology.PeerByID(nodeID); !ok {
		return nil, types.NewConfigurationError("node %s is not part of the topology", nodeID)
	}
	if taskDeadline <= 0 {
		return nil, types.NewConfigurationError("task deadline must be positive, got %s", taskDeadline)
	}

	return &BaseNodeService{
		nodeID:          nodeID,
		keyPair:         keyPair,
		topology:        topology,
		channel:         channel,
		orchestrator:    orchestratorClient,
		processor:       proc,
		state:           nodeState,
		logger:          log,
		taskDeadline:    taskDeadline,
		heartbeatPeriod: defaultHeartbeatPeriod,
		sessions:        make(map[string]*session),
		pending:         make(map[string][]types.PartialSignature),
		downPeers:       make(map[string]bool),
	}, nil
}

// Run starts the peer channel and the node's loops, then blocks until the
// context is cancelled or the orchestrator link fails for good.
func (s *BaseNodeService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start peer channel: %w", err)
	}
	defer s.channel.Close()

	s.wg.Add(3)
	go s.dispatchLoop(ctx)
	go s.eventLoop(ctx)
	go s.heartbeatLoop(ctx)

	err := s.receiveLoop(ctx)

	cancel()
	s.wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// receiveLoop pulls tasks from the orchestrator. A receive failure that is
// not a cancellation is unrecoverable, the daemon exits on it.
func (s *BaseNodeService) receiveLoop(ctx context.Context) error {
	for {
		task, err := s.orchestrator.ReceiveTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to receive task: %w", err)
		}

		if err := s.handleTask(ctx, task); err != nil {
			s.logger.Log("failed to handle task %s: %v", task.ID, err)
		}
	}
}

// handleTask applies replay protection and starts a session for a fresh task.
// A task that already reached a terminal state is acknowledged from the
// durable record; the node never signs it again.
func (s *BaseNodeService) handleTask(ctx context.Context, task *types.Task) error {
	record, err := s.state.GetTerminalSession(task.ID)
	if err != nil {
		return fmt.Errorf("failed to check terminal sessions: %w", err)
	}
	if record != nil {
		return s.replayTerminal(ctx, task.ID, record)
	}

	sess := &session{
		task:      task,
		machine:   sessionTemplate.MustCopyWithState(""),
		startedAt: time.Now(),
		deadline:  task.Deadline,
		partials:  make(chan types.PartialSignature, partialBacklog),
		linkDown:  make(chan struct{}, 1),
		abort:     make(chan struct{}),
	}
	if sess.deadline.IsZero() {
		sess.deadline = sess.startedAt.Add(s.taskDeadline)
	}

	s.sessionsMu.Lock()
	if _, ok := s.sessions[task.ID]; ok {
		s.sessionsMu.Unlock()
		s.logger.Log("task %s is already being serviced, dropping duplicate dispatch", task.ID)
		return nil
	}
	s.sessions[task.ID] = sess
	for _, partial := range s.pending[task.ID] {
		sess.partials <- partial
	}
	delete(s.pending, task.ID)
	s.sessionsMu.Unlock()

	s.logger.Log("starting session for task %s (deadline %s)", task.ID, sess.deadline.Format(time.RFC3339))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(ctx, sess)
	}()

	return nil
}

// replayTerminal re-acknowledges a task the node already finished. For a
// finalized task the stored certificate is submitted again; anything else is
// reported as failed with the recorded state.
func (s *BaseNodeService) replayTerminal(ctx context.Context, taskID string, record *state.TerminalSessionRecord) error {
	s.logger.Log("task %s was already handled (state %s), replaying the outcome", taskID, record.State)

	s.sessionsMu.Lock()
	delete(s.pending, taskID)
	s.sessionsMu.Unlock()

	if record.State != session_fsm.StateSessionFinalized.String() {
		return s.orchestrator.SubmitFailure(ctx, taskID, fmt.Sprintf("session already terminal: %s", record.State))
	}

	certificate, err := s.state.GetCertificate(taskID)
	if err != nil {
		return fmt.Errorf("failed to load stored certificate: %w", err)
	}
	if certificate == nil {
		return fmt.Errorf("task %s is finalized but has no stored certificate", taskID)
	}
	return s.orchestrator.Submit(ctx, certificate)
}

// dispatchLoop routes inbound peer envelopes to their sessions. Envelopes
// for unknown or already terminal sessions are dropped.
func (s *BaseNodeService) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case inbound := <-s.channel.Inbound():
			s.dispatch(inbound)
		}
	}
}

func (s *BaseNodeService) dispatch(inbound peer.Inbound) {
	switch inbound.Envelope.Kind {
	case peer.KindHeartbeat:
		return
	case peer.KindPartialSignature:
	default:
		s.logger.Log("dropped envelope of unknown kind %s from peer %s", inbound.Envelope.Kind, inbound.PeerID)
		return
	}

	var partial types.PartialSignature
	if err := json.Unmarshal(inbound.Envelope.Data, &partial); err != nil {
		s.logger.Log("dropped malformed partial signature from peer %s: %v", inbound.PeerID, err)
		return
	}

	// The transport already authenticated the sender; a partial signature
	// claiming another signer does not belong on this link.
	if partial.SignerID != inbound.PeerID {
		s.logger.Log("dropped partial signature of signer %s relayed by peer %s", partial.SignerID, inbound.PeerID)
		return
	}
	if partial.TaskID != inbound.Envelope.TaskID {
		s.logger.Log("dropped partial signature with mismatched task id from peer %s", inbound.PeerID)
		return
	}

	s.sessionsMu.Lock()
	sess, ok := s.sessions[partial.TaskID]
	if !ok {
		s.bufferPending(partial)
		s.sessionsMu.Unlock()
		return
	}
	s.sessionsMu.Unlock()

	// Never block on a session that may have just gone terminal; the buffer
	// holds more contributions than the topology can produce.
	select {
	case sess.partials <- partial:
	default:
		s.logger.Log("dropped partial signature for task %s: session backlog is full", partial.TaskID)
	}
}

// bufferPending queues a contribution for a task this node has not received
// yet. Contributions for tasks that already reached a terminal state are
// dropped when the buffer is drained. Caller holds sessionsMu.
func (s *BaseNodeService) bufferPending(partial types.PartialSignature) {
	queue := s.pending[partial.TaskID]
	if len(queue) >= maxPendingContributions {
		s.logger.Log("dropped partial signature for unknown session %s: pending queue is full", partial.TaskID)
		return
	}
	if _, ok := s.pending[partial.TaskID]; !ok && len(s.pending) >= maxPendingTasks {
		s.logger.Log("dropped partial signature for unknown session %s: too many pending tasks", partial.TaskID)
		return
	}
	s.pending[partial.TaskID] = append(queue, partial)
}

// eventLoop tracks link state per peer and nudges live sessions to re-check
// quorum reachability when a peer goes away.
func (s *BaseNodeService) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.channel.Events():
			s.downMu.Lock()
			s.downPeers[event.PeerID] = !event.Up
			s.downMu.Unlock()

			if event.Up {
				s.logger.Log("link to peer %s is up", event.PeerID)
				continue
			}
			s.logger.Log("link to peer %s is down", event.PeerID)

			s.sessionsMu.Lock()
			for _, sess := range s.sessions {
				sess.kickLinkDown()
			}
			s.sessionsMu.Unlock()
		}
	}
}

func (s *BaseNodeService) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.channel.Broadcast(ctx, peer.Envelope{Kind: peer.KindHeartbeat}); err != nil {
				s.logger.Log("failed to broadcast heartbeat: %v", err)
			}
		}
	}
}

// runSession drives one task from compute to a terminal state.
func (s *BaseNodeService) runSession(ctx context.Context, sess *session) {
	defer s.removeSession(sess.task.ID)

	if _, err := sess.machine.Do(session_fsm.EventComputeStart); err != nil {
		s.logger.Log("session %s: %v", sess.task.ID, err)
		return
	}

	own, err := s.computeAndSign(sess)
	if err != nil {
		s.logger.Log("session %s: compute failed: %v", sess.task.ID, err)
		s.moveTo(sess, session_fsm.EventComputeFailed)
		s.failSession(ctx, sess, fmt.Sprintf("failed to compute result: %v", err))
		return
	}

	set, err := aggregator.NewSignatureSet(
		keystore.BLSSuite(),
		sess.task.ID,
		own.ResultDigest,
		s.topology.Threshold,
		s.topology.BLSPubKeys(),
	)
	if err != nil {
		s.logger.Log("session %s: %v", sess.task.ID, err)
		s.moveTo(sess, session_fsm.EventComputeFailed)
		s.failSession(ctx, sess, fmt.Sprintf("failed to init signature set: %v", err))
		return
	}

	sess.mu.Lock()
	sess.set = set
	if _, err := set.Add(*own); err != nil {
		sess.mu.Unlock()
		s.logger.Log("session %s: own partial signature rejected: %v", sess.task.ID, err)
		s.moveTo(sess, session_fsm.EventComputeFailed)
		s.failSession(ctx, sess, fmt.Sprintf("own partial signature rejected: %v", err))
		return
	}
	sess.mu.Unlock()

	s.moveTo(sess, session_fsm.EventResultComputed)

	if err := s.broadcastPartial(ctx, own); err != nil {
		s.logger.Log("session %s: failed to broadcast partial signature: %v", sess.task.ID, err)
	}

	s.collect(ctx, sess)
}

// computeAndSign runs the processor over the task payload and signs the
// result digest. This is the only place a partial signature for the task is
// produced.
func (s *BaseNodeService) computeAndSign(sess *session) (*types.PartialSignature, error) {
	result, err := s.processor.Process(sess.task.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to process payload: %w", err)
	}

	digest := types.ResultDigest(sess.task.ID, result)
	signature, err := s.keyPair.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign result digest: %w", err)
	}

	return &types.PartialSignature{
		TaskID:       sess.task.ID,
		SignerID:     s.nodeID,
		ResultDigest: digest,
		Signature:    signature,
	}, nil
}

func (s *BaseNodeService) broadcastPartial(ctx context.Context, partial *types.PartialSignature) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal partial signature: %w", err)
	}

	return s.channel.Broadcast(ctx, peer.Envelope{
		Kind:   peer.KindPartialSignature,
		TaskID: partial.TaskID,
		Data:   data,
	})
}

// collect waits for peer contributions until a quorum forms, the quorum
// becomes unreachable, the deadline elapses or the session is aborted.
func (s *BaseNodeService) collect(ctx context.Context, sess *session) {
	deadlineTimer := time.NewTimer(time.Until(sess.deadline))
	defer deadlineTimer.Stop()

	if s.tryFinish(ctx, sess) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case partial := <-sess.partials:
			sess.mu.Lock()
			outcome, err := sess.set.Add(partial)
			sess.mu.Unlock()
			if err != nil {
				s.logger.Log("session %s: discarded contribution of %s: %v", sess.task.ID, partial.SignerID, err)
				continue
			}
			s.logger.Log("session %s: contribution of %s is a %s", sess.task.ID, partial.SignerID, outcome)
			s.moveTo(sess, session_fsm.EventPartialSignatureReceived)

			if s.tryFinish(ctx, sess) {
				return
			}

		case <-sess.linkDown:
			if s.quorumUnreachable(sess) {
				s.moveTo(sess, session_fsm.EventQuorumUnreachable)
				s.failSession(ctx, sess, (&types.QuorumUnreachableError{
					TaskID: sess.task.ID,
					Reason: "too many peers unreachable or disagreeing",
				}).Error())
				return
			}

		case <-deadlineTimer.C:
			s.moveTo(sess, session_fsm.EventDeadlineElapsed)
			s.failSession(ctx, sess, "deadline elapsed before quorum")
			return

		case <-sess.abort:
			s.moveTo(sess, session_fsm.EventSessionAbort)
			s.recordTerminal(sess, nil)
			s.logger.Log("session %s aborted", sess.task.ID)
			return
		}
	}
}

// tryFinish forms and submits the certificate once a quorum is present, or
// fails the session when the quorum can no longer be reached. Returns true
// when the session reached a terminal state.
func (s *BaseNodeService) tryFinish(ctx context.Context, sess *session) bool {
	sess.mu.Lock()
	reached := sess.set.ThresholdReached()
	sess.mu.Unlock()

	if !reached {
		if s.quorumUnreachable(sess) {
			s.moveTo(sess, session_fsm.EventQuorumUnreachable)
			s.failSession(ctx, sess, (&types.QuorumUnreachableError{
				TaskID: sess.task.ID,
				Reason: "too many peers unreachable or disagreeing",
			}).Error())
			return true
		}
		return false
	}

	s.moveTo(sess, session_fsm.EventQuorumReached)

	sess.mu.Lock()
	certificate, err := sess.set.BuildCertificate()
	sess.mu.Unlock()
	if err != nil {
		s.logger.Log("session %s: failed to build certificate: %v", sess.task.ID, err)
		s.moveTo(sess, session_fsm.EventQuorumUnreachable)
		s.failSession(ctx, sess, fmt.Sprintf("failed to build certificate: %v", err))
		return true
	}

	if err := s.orchestrator.Submit(ctx, certificate); err != nil {
		s.logger.Log("session %s: failed to submit certificate: %v", sess.task.ID, err)
		s.moveTo(sess, session_fsm.EventSubmissionFailed)
		s.recordTerminal(sess, certificate.ResultDigest)
		return true
	}

	s.moveTo(sess, session_fsm.EventCertificateSubmitted)

	if err := s.state.SaveCertificate(certificate); err != nil {
		s.logger.Log("session %s: failed to store certificate: %v", sess.task.ID, err)
	}
	s.recordTerminal(sess, certificate.ResultDigest)

	s.logger.Log("session %s finalized with %d signers", sess.task.ID, len(certificate.Signers))
	return true
}

// quorumUnreachable counts peers that are down and have not contributed as
// lost and asks the signature set whether a quorum is still possible.
func (s *BaseNodeService) quorumUnreachable(sess *session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.downMu.Lock()
	unreachableSilent := 0
	for peerID, down := range s.downPeers {
		if down && !sess.set.HasSigner(peerID) {
			unreachableSilent++
		}
	}
	s.downMu.Unlock()

	return sess.set.QuorumUnreachable(unreachableSilent)
}

// failSession reports the negative outcome to the orchestrator and records
// the terminal state for replay protection.
func (s *BaseNodeService) failSession(ctx context.Context, sess *session, reason string) {
	if err := s.orchestrator.SubmitFailure(ctx, sess.task.ID, reason); err != nil {
		s.logger.Log("session %s: failed to submit failure: %v", sess.task.ID, err)
	}
	s.recordTerminal(sess, nil)
	s.logger.Log("session %s failed: %s", sess.task.ID, reason)
}

func (s *BaseNodeService) recordTerminal(sess *session, resultDigest []byte) {
	record := &state.TerminalSessionRecord{
		TaskID:       sess.task.ID,
		State:        sess.machine.State().String(),
		ResultDigest: resultDigest,
		FinishedAt:   time.Now().UTC(),
	}
	if err := s.state.SaveTerminalSession(record); err != nil {
		s.logger.Log("session %s: failed to record terminal state: %v", sess.task.ID, err)
	}
}

// moveTo applies a machine event, logging transitions the machine refuses
// instead of failing the session over them.
func (s *BaseNodeService) moveTo(sess *session, event fsm.Event) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := sess.machine.Do(event); err != nil {
		s.logger.Log("session %s: %v", sess.task.ID, err)
	}
}

func (s *BaseNodeService) removeSession(taskID string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, taskID)
}

func (s *BaseNodeService) GetNodeID() string {
	return s.nodeID
}

func (s *BaseNodeService) GetPubKey() (string, error) {
	pubKeyBz, err := s.keyPair.BLSPublicKey().MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal BLS public key: %w", err)
	}
	return fmt.Sprintf("%x", pubKeyBz), nil
}

func (s *BaseNodeService) GetSessions() []SessionInfo {
	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TaskID < infos[j].TaskID })
	return infos
}

func (s *BaseNodeService) GetSessionInfo(request *dto.TaskIdDTO) (*SessionInfo, error) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[request.TaskID]
	s.sessionsMu.Unlock()

	if ok {
		info := sess.snapshot()
		return &info, nil
	}

	record, err := s.state.GetTerminalSession(request.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up terminal sessions: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("no session found for task %s", request.TaskID)
	}

	return &SessionInfo{
		TaskID: record.TaskID,
		State:  record.State,
	}, nil
}

func (s *BaseNodeService) GetCertificates() ([]*types.QuorumCertificate, error) {
	return s.state.GetCertificates()
}

func (s *BaseNodeService) GetCertificateByTaskID(request *dto.TaskIdDTO) (*types.QuorumCertificate, error) {
	certificate, err := s.state.GetCertificate(request.TaskID)
	if err != nil {
		return nil, err
	}
	if certificate == nil {
		return nil, fmt.Errorf("no certificate found for task %s", request.TaskID)
	}
	return certificate, nil
}

// AbortSession cooperatively stops a live session. The session records the
// aborted state and never signs the task again.
func (s *BaseNodeService) AbortSession(request *dto.TaskIdDTO) error {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[request.TaskID]
	s.sessionsMu.Unlock()

	if !ok {
		return fmt.Errorf("no live session found for task %s", request.TaskID)
	}

	sess.requestAbort()
	return nil
}

func (s *BaseNodeService) ResetState(request *dto.ResetStateDTO) (string, error) {
	s.sessionsMu.Lock()
	live := len(s.sessions)
	s.sessionsMu.Unlock()
	if live > 0 {
		return "", fmt.Errorf("cannot reset state with %d live sessions", live)
	}

	return s.state.Reset(request.NewStateDBDSN)
}

// sessionTemplate is the shared machine definition; sessions run copies.
var sessionTemplate = session_fsm.New()
