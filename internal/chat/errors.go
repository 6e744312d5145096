package chat

import "errors"

// Error kinds surfaced by the orchestrator. Raw store errors never escape;
// they are mapped onto one of these before reaching a transport layer.
var (
	// ErrSelfDialog rejects opening a dialog with oneself.
	ErrSelfDialog = errors.New("chat: cannot create a dialog with yourself")

	// ErrDialogExists signals a dialog already exists for the pair, in
	// either orientation.
	ErrDialogExists = errors.New("chat: dialog already exists")

	// ErrNotParticipant covers both "not a member of this dialog" and
	// "no such dialog" — callers must not be able to tell them apart.
	ErrNotParticipant = errors.New("chat: not a dialog participant")

	// ErrNotFound signals a referenced user or dialog is absent.
	ErrNotFound = errors.New("chat: not found")

	// ErrInvalidMessage rejects message text that fails content checks.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrInternal wraps store and directory failures.
	ErrInternal = errors.New("chat: internal error")

	// ErrGreetingNotSent is the partial-success outcome of dialog
	// creation: the dialog row exists but the greeting message does not.
	// Callers can retry the message without re-creating the dialog.
	ErrGreetingNotSent = errors.New("chat: dialog created, message not sent")
)
