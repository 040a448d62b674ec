// Package session_fsm defines the per-task session lifecycle:
//
//	pending -> computing -> awaiting_quorum -> finalized | failed | aborted
//
// Finalized, failed and aborted are terminal; a session never leaves them.
package session_fsm

import (
	"github.com/avsguild/contributor/fsm"
)

const (
	FsmName = "session_fsm"

	StateSessionPending        = fsm.State("state_session_pending")
	StateSessionComputing      = fsm.State("state_session_computing")
	StateSessionAwaitingQuorum = fsm.State("state_session_awaiting_quorum")

	// Terminal
	StateSessionFinalized = fsm.State("state_session_finalized")
	StateSessionFailed    = fsm.State("state_session_failed")
	StateSessionAborted   = fsm.State("state_session_aborted")

	// Events

	EventComputeStart             = fsm.Event("event_session_compute_start")
	EventResultComputed           = fsm.Event("event_session_result_computed")
	EventComputeFailed            = fsm.Event("event_session_compute_failed")
	EventPartialSignatureReceived = fsm.Event("event_session_partial_signature_received")
	EventQuorumReached            = fsm.Event("event_session_quorum_reached")
	EventCertificateSubmitted     = fsm.Event("event_session_certificate_submitted")
	EventDeadlineElapsed          = fsm.Event("event_session_deadline_elapsed")
	EventQuorumUnreachable        = fsm.Event("event_session_quorum_unreachable")
	EventSubmissionFailed         = fsm.Event("event_session_submission_failed")
	EventSessionAbort             = fsm.Event("event_session_abort")
)

// New returns the session machine template. Each session runs its own copy
// obtained via MustCopyWithState.
func New() *fsm.FSM {
	return fsm.MustNewFSM(
		FsmName,
		StateSessionPending,
		[]fsm.EventDesc{
			// Compute own result
			{Name: EventComputeStart, SrcState: []fsm.State{StateSessionPending}, DstState: StateSessionComputing},
			{Name: EventResultComputed, SrcState: []fsm.State{StateSessionComputing}, DstState: StateSessionAwaitingQuorum},
			{Name: EventComputeFailed, SrcState: []fsm.State{StateSessionComputing}, DstState: StateSessionFailed},

			// Collect peer contributions
			{Name: EventPartialSignatureReceived, SrcState: []fsm.State{StateSessionAwaitingQuorum}, DstState: StateSessionAwaitingQuorum},
			{Name: EventQuorumReached, SrcState: []fsm.State{StateSessionAwaitingQuorum}, DstState: StateSessionAwaitingQuorum},
			{Name: EventCertificateSubmitted, SrcState: []fsm.State{StateSessionAwaitingQuorum}, DstState: StateSessionFinalized},

			// Failures
			{Name: EventDeadlineElapsed, SrcState: []fsm.State{StateSessionPending, StateSessionComputing, StateSessionAwaitingQuorum}, DstState: StateSessionFailed},
			{Name: EventQuorumUnreachable, SrcState: []fsm.State{StateSessionAwaitingQuorum}, DstState: StateSessionFailed},
			{Name: EventSubmissionFailed, SrcState: []fsm.State{StateSessionAwaitingQuorum}, DstState: StateSessionFailed},

			// Cooperative abort
			{Name: EventSessionAbort, SrcState: []fsm.State{StateSessionPending, StateSessionComputing, StateSessionAwaitingQuorum}, DstState: StateSessionAborted},
		},
		fsm.Callbacks{},
	)
}
