// Package chat is the use-case layer of the messaging core. It sequences
// membership checks, store writes, and notification dispatch for every
// inbound request or socket event. Within one call the steps are strictly
// ordered; unrelated dialogs proceed fully in parallel.
package chat

import (
	"context"
	"fmt"
	"log"

	"github.com/samber/lo"

	"github.com/parley/chat-backend/internal/dialog"
	"github.com/parley/chat-backend/internal/message"
	"github.com/parley/chat-backend/internal/metrics"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/user"
)

// greetingFormat is the deterministic first message of every dialog,
// addressed to the partner and authored by the dialog's creator.
const greetingFormat = "Hi %s, saw you here. Let's chat."

// User-visible error texts delivered via message_error.
const (
	errTextNotInDialog   = "You are not in this dialog"
	errTextCreateMessage = "An error occurred while creating the message"
	errTextReadStatus    = "An error occurred while updating read status"

	newMessageNotifyText = "You have a new message"
)

// DialogStore is the durable dialog mapping consulted and mutated by the
// orchestrator.
type DialogStore interface {
	Create(ctx context.Context, authorID, partnerID int64, lastMessage string) (int64, error)
	Get(ctx context.Context, dialogID int64) (*dialog.Dialog, error)
	GetByPair(ctx context.Context, a, b int64) (*dialog.Dialog, error)
	IsParticipant(ctx context.Context, dialogID, userID int64) (bool, error)
	UpdateLastMessage(ctx context.Context, dialogID int64, text string) error
	ListByUser(ctx context.Context, viewerID int64) ([]dialog.Info, error)
	InfoByPair(ctx context.Context, a, b, viewerID int64) (*dialog.Info, error)
}

// MessageStore is the durable ordered message log.
type MessageStore interface {
	Create(ctx context.Context, dialogID, authorID int64, text string) (int64, error)
	ListByDialog(ctx context.Context, dialogID int64) ([]message.Message, error)
	MarkRead(ctx context.Context, dialogID, authorID int64) (int64, error)
	Composite(ctx context.Context, messageID int64) (*message.Composite, error)
}

// Directory resolves user identities to public profiles.
type Directory interface {
	Resolve(ctx context.Context, id int64) (*user.Profile, error)
	ListOthers(ctx context.Context, excludeID int64, excludeIDs []int64) ([]user.Profile, error)
}

// Notifier dispatches outbound events. Both modes are fire-and-forget.
type Notifier interface {
	Broadcast(event string, payload interface{})
	Notify(userID int64, event string, payload interface{})
}

// NewDialogNotify is the payload of server:new_dialog:notify.
type NewDialogNotify struct {
	UserID int64        `json:"userId"`
	Dialog *dialog.Info `json:"dialog"`
}

// Service is the chat orchestrator.
type Service struct {
	dialogs  DialogStore
	messages MessageStore
	users    Directory
	notifier Notifier
}

// NewService wires the orchestrator with its collaborators.
func NewService(dialogs DialogStore, messages MessageStore, users Directory, notifier Notifier) *Service {
	return &Service{
		dialogs:  dialogs,
		messages: messages,
		users:    users,
		notifier: notifier,
	}
}

// CreateDialog opens a dialog between author and partner and seeds it
// with the greeting message. The dialog insert and the greeting insert
// are two separate writes: when the second fails the dialog still exists
// and ErrGreetingNotSent reports the partial success so the caller can
// retry the message without re-creating the dialog.
func (s *Service) CreateDialog(ctx context.Context, authorID, partnerID int64) (int64, error) {
	if authorID == partnerID {
		return 0, ErrSelfDialog
	}

	existing, err := s.dialogs.GetByPair(ctx, authorID, partnerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if existing != nil {
		return 0, ErrDialogExists
	}

	if _, err := s.users.Resolve(ctx, authorID); err != nil {
		return 0, fmt.Errorf("%w: author: %v", ErrInternal, err)
	}
	partner, err := s.users.Resolve(ctx, partnerID)
	if err != nil {
		return 0, fmt.Errorf("%w: partner: %v", ErrInternal, err)
	}

	greeting := fmt.Sprintf(greetingFormat, partner.FirstName)

	dialogID, err := s.dialogs.Create(ctx, authorID, partnerID, greeting)
	if err != nil {
		if err == dialog.ErrExists {
			return 0, ErrDialogExists
		}
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	metrics.DialogsCreated.Inc()

	if _, err := s.messages.Create(ctx, dialogID, authorID, greeting); err != nil {
		log.Printf("chat: greeting insert failed dialog=%d: %v", dialogID, err)
		return dialogID, ErrGreetingNotSent
	}
	return dialogID, nil
}

// PostMessage persists a message and fans it out. The membership check,
// the persist, the preview update, and the notifications run strictly in
// that order; any failure before the broadcast reports a targeted
// message_error to the author and nothing is broadcast.
func (s *Service) PostMessage(ctx context.Context, dialogID, authorID int64, text string) error {
	ok, err := s.dialogs.IsParticipant(ctx, dialogID, authorID)
	if err != nil {
		s.messageError(authorID, errTextCreateMessage)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.messageError(authorID, errTextNotInDialog)
		return ErrNotParticipant
	}

	if err := ValidateText(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.messageError(authorID, err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	messageID, err := s.messages.Create(ctx, dialogID, authorID, text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		s.messageError(authorID, errTextCreateMessage)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if err := s.dialogs.UpdateLastMessage(ctx, dialogID, text); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		s.messageError(authorID, errTextCreateMessage)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	composite, err := s.messages.Composite(ctx, messageID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		s.messageError(authorID, errTextCreateMessage)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	s.notifier.Broadcast(protocol.EventNewMessage, composite)

	partnerID := composite.Dialog.PartnerID
	if composite.Dialog.AuthorID != authorID {
		partnerID = composite.Dialog.AuthorID
	}
	s.notifier.Notify(partnerID, protocol.EventNewMessageNotify, protocol.NewMessageNotify{
		UserID: partnerID,
		Text:   newMessageNotifyText,
	})

	metrics.MessagesTotal.WithLabelValues("posted").Inc()
	return nil
}

// MarkRead flips every unread partner-authored message in the dialog to
// read. The bulk update is idempotent: with nothing left to flip it
// succeeds without broadcasting, so repeated calls produce no duplicate
// notifications.
func (s *Service) MarkRead(ctx context.Context, dialogID, readerID int64) error {
	ok, err := s.dialogs.IsParticipant(ctx, dialogID, readerID)
	if err != nil {
		s.messageError(readerID, errTextReadStatus)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		s.messageError(readerID, errTextNotInDialog)
		return ErrNotParticipant
	}

	d, err := s.dialogs.Get(ctx, dialogID)
	if err != nil {
		s.messageError(readerID, errTextReadStatus)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	partnerID, _ := d.Partner(readerID)

	changed, err := s.messages.MarkRead(ctx, dialogID, partnerID)
	if err != nil {
		s.messageError(readerID, errTextReadStatus)
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if changed > 0 {
		s.notifier.Broadcast(protocol.EventReadMessage, protocol.ReadMessage{
			DialogID: dialogID,
			UserID:   readerID,
		})
	}
	return nil
}

// NotifyDialogCreated sends the enriched dialog to the partner's live
// sessions after the author created it over HTTP. Unknown pairs are
// reported as ErrNotFound and nothing is sent.
func (s *Service) NotifyDialogCreated(ctx context.Context, authorID, partnerID int64) error {
	info, err := s.dialogs.InfoByPair(ctx, authorID, partnerID, partnerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if info == nil {
		return ErrNotFound
	}

	s.notifier.Notify(partnerID, protocol.EventNewDialogNotify, NewDialogNotify{
		UserID: partnerID,
		Dialog: info,
	})
	return nil
}

// Dialogs lists the viewer's dialogs, most recently active first, each
// enriched with the other participant's profile and the viewer's unread
// count.
func (s *Service) Dialogs(ctx context.Context, viewerID int64) ([]dialog.Info, error) {
	infos, err := s.dialogs.ListByUser(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return infos, nil
}

// Messages lists a dialog's messages in creation order. Non-participants
// get ErrNotParticipant whether or not the dialog exists.
func (s *Service) Messages(ctx context.Context, viewerID, dialogID int64) ([]message.Message, error) {
	ok, err := s.dialogs.IsParticipant(ctx, dialogID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	msgs, err := s.messages.ListByDialog(ctx, dialogID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return msgs, nil
}

// PartnerInfo returns the full profile of the other participant of a
// dialog the viewer belongs to.
func (s *Service) PartnerInfo(ctx context.Context, viewerID, dialogID int64) (*user.Profile, error) {
	ok, err := s.dialogs.IsParticipant(ctx, dialogID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	d, err := s.dialogs.Get(ctx, dialogID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	partnerID, _ := d.Partner(viewerID)

	profile, err := s.users.Resolve(ctx, partnerID)
	if err != nil {
		if err == user.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return profile, nil
}

// AvailableUsers lists users the viewer has no dialog with yet.
func (s *Service) AvailableUsers(ctx context.Context, viewerID int64) ([]user.Profile, error) {
	infos, err := s.dialogs.ListByUser(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	taken := lo.Uniq(lo.FlatMap(infos, func(info dialog.Info, _ int) []int64 {
		return []int64{info.Author.ID, info.Partner.ID}
	}))

	profiles, err := s.users.ListOthers(ctx, viewerID, taken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return profiles, nil
}

// messageError reports a failure to the acting user's own sessions only.
func (s *Service) messageError(userID int64, text string) {
	s.notifier.Notify(userID, protocol.EventMessageError, protocol.MessageError{
		UserID:  userID,
		Message: text,
	})
}
