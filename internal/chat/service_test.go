package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parley/chat-backend/internal/dialog"
	"github.com/parley/chat-backend/internal/message"
	"github.com/parley/chat-backend/internal/protocol"
	"github.com/parley/chat-backend/internal/user"
)

// memBackend is an in-memory stand-in for the dialog store, message store,
// and user directory, sharing state the way the real Postgres schema does.
type memBackend struct {
	mu            sync.Mutex
	nextDialogID  int64
	nextMessageID int64
	dialogs       map[int64]*dialog.Dialog
	dialogTimes   map[int64]time.Time
	messages      []*memMessage
	users         map[int64]user.Profile
	clock         time.Time

	failMessageCreate bool
	failLastMessage   bool
}

type memMessage struct {
	id        int64
	dialogID  int64
	authorID  int64
	text      string
	read      bool
	createdAt time.Time
}

func newMemBackend(users ...user.Profile) *memBackend {
	b := &memBackend{
		dialogs:     make(map[int64]*dialog.Dialog),
		dialogTimes: make(map[int64]time.Time),
		users:       make(map[int64]user.Profile),
		clock:       time.Unix(1700000000, 0),
	}
	for _, u := range users {
		b.users[u.ID] = u
	}
	return b
}

func (b *memBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

// --- chat.DialogStore ---

func (b *memBackend) Create(_ context.Context, authorID, partnerID int64, lastMessage string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dialogs {
		if (d.AuthorID == authorID && d.PartnerID == partnerID) ||
			(d.AuthorID == partnerID && d.PartnerID == authorID) {
			return 0, dialog.ErrExists
		}
	}
	b.nextDialogID++
	b.dialogs[b.nextDialogID] = &dialog.Dialog{
		ID: b.nextDialogID, AuthorID: authorID, PartnerID: partnerID, LastMessage: lastMessage,
	}
	b.dialogTimes[b.nextDialogID] = b.tick()
	return b.nextDialogID, nil
}

func (b *memBackend) Get(_ context.Context, dialogID int64) (*dialog.Dialog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dialogs[dialogID]
	if !ok {
		return nil, dialog.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (b *memBackend) GetByPair(_ context.Context, x, y int64) (*dialog.Dialog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dialogs {
		if (d.AuthorID == x && d.PartnerID == y) || (d.AuthorID == y && d.PartnerID == x) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (b *memBackend) IsParticipant(_ context.Context, dialogID, userID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dialogs[dialogID]
	if !ok {
		return false, nil
	}
	return d.AuthorID == userID || d.PartnerID == userID, nil
}

func (b *memBackend) UpdateLastMessage(_ context.Context, dialogID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failLastMessage {
		return errors.New("store down")
	}
	d, ok := b.dialogs[dialogID]
	if !ok {
		return dialog.ErrNotFound
	}
	d.LastMessage = text
	return nil
}

func (b *memBackend) ListByUser(_ context.Context, viewerID int64) ([]dialog.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type entry struct {
		info     dialog.Info
		activity time.Time
	}
	entries := make([]entry, 0)
	for _, d := range b.dialogs {
		if d.AuthorID != viewerID && d.PartnerID != viewerID {
			continue
		}
		e := entry{info: b.infoLocked(d, viewerID), activity: b.dialogTimes[d.ID]}
		for _, m := range b.messages {
			if m.dialogID == d.ID && m.createdAt.After(e.activity) {
				e.activity = m.createdAt
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].activity.Equal(entries[j].activity) {
			return entries[i].activity.After(entries[j].activity)
		}
		return entries[i].info.ID > entries[j].info.ID
	})

	infos := make([]dialog.Info, len(entries))
	for i, e := range entries {
		infos[i] = e.info
	}
	return infos, nil
}

func (b *memBackend) InfoByPair(_ context.Context, x, y, viewerID int64) (*dialog.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dialogs {
		if (d.AuthorID == x && d.PartnerID == y) || (d.AuthorID == y && d.PartnerID == x) {
			info := b.infoLocked(d, viewerID)
			return &info, nil
		}
	}
	return nil, nil
}

func (b *memBackend) infoLocked(d *dialog.Dialog, viewerID int64) dialog.Info {
	unread := 0
	for _, m := range b.messages {
		if m.dialogID == d.ID && m.authorID != viewerID && !m.read {
			unread++
		}
	}
	return dialog.Info{
		ID:          d.ID,
		LastMessage: d.LastMessage,
		Author:      b.users[d.AuthorID],
		Partner:     b.users[d.PartnerID],
		UnreadCount: unread,
	}
}

// --- chat.MessageStore ---

func (b *memBackend) CreateMessage(_ context.Context, dialogID, authorID int64, text string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failMessageCreate {
		return 0, errors.New("store down")
	}
	b.nextMessageID++
	b.messages = append(b.messages, &memMessage{
		id: b.nextMessageID, dialogID: dialogID, authorID: authorID,
		text: text, createdAt: b.tick(),
	})
	return b.nextMessageID, nil
}

func (b *memBackend) ListByDialog(_ context.Context, dialogID int64) ([]message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]message.Message, 0)
	for _, m := range b.messages {
		if m.dialogID != dialogID {
			continue
		}
		out = append(out, message.Message{
			ID: m.id, Text: m.text, Read: m.read, CreatedAt: m.createdAt,
			Author: b.users[m.authorID],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *memBackend) MarkRead(_ context.Context, dialogID, authorID int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, m := range b.messages {
		if m.dialogID == dialogID && m.authorID == authorID && !m.read {
			m.read = true
			n++
		}
	}
	return n, nil
}

func (b *memBackend) Composite(_ context.Context, messageID int64) (*message.Composite, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if m.id != messageID {
			continue
		}
		d := b.dialogs[m.dialogID]
		return &message.Composite{
			Dialog: message.DialogRef{DialogID: d.ID, AuthorID: d.AuthorID, PartnerID: d.PartnerID},
			Message: message.Message{
				ID: m.id, Text: m.text, Read: m.read, CreatedAt: m.createdAt,
				Author: b.users[m.authorID],
			},
		}, nil
	}
	return nil, message.ErrNotFound
}

// --- chat.Directory ---

func (b *memBackend) Resolve(_ context.Context, id int64) (*user.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &p, nil
}

func (b *memBackend) ListOthers(_ context.Context, excludeID int64, excludeIDs []int64) ([]user.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	skip := map[int64]bool{excludeID: true}
	for _, id := range excludeIDs {
		skip[id] = true
	}
	out := make([]user.Profile, 0)
	for id, p := range b.users {
		if !skip[id] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// messageStoreAdapter renames CreateMessage to the interface's Create
// without colliding with the dialog store's Create on memBackend.
type messageStoreAdapter struct{ *memBackend }

func (a messageStoreAdapter) Create(ctx context.Context, dialogID, authorID int64, text string) (int64, error) {
	return a.CreateMessage(ctx, dialogID, authorID, text)
}

// recorder captures dispatched notifications.
type recorder struct {
	mu         sync.Mutex
	broadcasts []recorded
	targeted   []recorded
}

type recorded struct {
	userID  int64
	event   string
	payload interface{}
}

func (r *recorder) Broadcast(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, recorded{event: event, payload: payload})
}

func (r *recorder) Notify(userID int64, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targeted = append(r.targeted, recorded{userID: userID, event: event, payload: payload})
}

func (r *recorder) broadcastsOf(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, 0)
	for _, n := range r.broadcasts {
		if n.event == event {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) targetedTo(userID int64) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, 0)
	for _, n := range r.targeted {
		if n.userID == userID {
			out = append(out, n)
		}
	}
	return out
}

func newTestService(b *memBackend) (*Service, *recorder) {
	rec := &recorder{}
	return NewService(b, messageStoreAdapter{b}, b, rec), rec
}

func profile(id int64, first string) user.Profile {
	return user.Profile{ID: id, FirstName: first, LastName: "Test", Photo: user.Photo{Filename: fmt.Sprintf("u%d.jpg", id)}}
}

func TestCreateDialogRejectsSelf(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(newMemBackend(profile(1, "Ann")))

	_, err := svc.CreateDialog(context.Background(), 1, 1)
	req.ErrorIs(err, ErrSelfDialog)
}

func TestCreateDialogConflictEitherOrder(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(newMemBackend(profile(1, "Ann"), profile(2, "Bob")))

	_, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	_, err = svc.CreateDialog(context.Background(), 1, 2)
	req.ErrorIs(err, ErrDialogExists)

	_, err = svc.CreateDialog(context.Background(), 2, 1)
	req.ErrorIs(err, ErrDialogExists, "reversed pair must conflict too")
}

func TestCreateDialogSeedsGreeting(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	msgs, err := svc.Messages(context.Background(), 1, dialogID)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(int64(1), msgs[0].Author.ID, "greeting is authored by the dialog creator")
	req.Contains(msgs[0].Text, "Bob", "greeting addresses the partner")
	req.False(msgs[0].Read)

	d, err := backend.Get(context.Background(), dialogID)
	req.NoError(err)
	req.Equal(msgs[0].Text, d.LastMessage)
}

func TestCreateDialogUnknownPartner(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(newMemBackend(profile(1, "Ann")))

	_, err := svc.CreateDialog(context.Background(), 1, 99)
	req.ErrorIs(err, ErrInternal)
}

func TestCreateDialogPartialSuccess(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	backend.failMessageCreate = true
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.ErrorIs(err, ErrGreetingNotSent)
	req.NotZero(dialogID, "the dialog id is returned so the message can be retried")

	d, err := backend.Get(context.Background(), dialogID)
	req.NoError(err)
	req.Equal(int64(1), d.AuthorID)
}

func TestPostMessageNonParticipant(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"), profile(3, "Eve"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	err = svc.PostMessage(context.Background(), dialogID, 3, "let me in")
	req.ErrorIs(err, ErrNotParticipant)

	notes := rec.targetedTo(3)
	req.Len(notes, 1)
	req.Equal(protocol.EventMessageError, notes[0].event)

	req.Empty(rec.broadcastsOf(protocol.EventNewMessage))
	msgs, err := svc.Messages(context.Background(), 1, dialogID)
	req.NoError(err)
	req.Len(msgs, 1, "only the greeting may exist")
}

func TestPostMessageAbsentDialogLooksTheSame(t *testing.T) {
	req := require.New(t)
	svc, rec := newTestService(newMemBackend(profile(3, "Eve")))

	err := svc.PostMessage(context.Background(), 99, 3, "hello?")
	req.ErrorIs(err, ErrNotParticipant, "absent dialog and foreign dialog are indistinguishable")
	req.Len(rec.targetedTo(3), 1)
}

func TestPostMessageFanOut(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	err = svc.PostMessage(context.Background(), dialogID, 2, "hi")
	req.NoError(err)

	broadcasts := rec.broadcastsOf(protocol.EventNewMessage)
	req.Len(broadcasts, 1)
	composite, ok := broadcasts[0].payload.(*message.Composite)
	req.True(ok, "broadcast payload is the message composite")
	req.Equal("hi", composite.Message.Text)
	req.Equal(dialogID, composite.Dialog.DialogID)

	// The "new message" ping goes to the author's partner only.
	notes := rec.targetedTo(1)
	req.Len(notes, 1)
	req.Equal(protocol.EventNewMessageNotify, notes[0].event)
	req.Empty(rec.targetedTo(2))

	d, err := backend.Get(context.Background(), dialogID)
	req.NoError(err)
	req.Equal("hi", d.LastMessage)
}

func TestPostMessagePersistFailure(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	backend.failMessageCreate = true
	err = svc.PostMessage(context.Background(), dialogID, 2, "hi")
	req.ErrorIs(err, ErrInternal)

	req.Empty(rec.broadcastsOf(protocol.EventNewMessage), "no broadcast after a failed persist")
	notes := rec.targetedTo(2)
	req.Len(notes, 1)
	req.Equal(protocol.EventMessageError, notes[0].event)
}

func TestPostMessageRejectsInvalidText(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	err = svc.PostMessage(context.Background(), dialogID, 2, "")
	req.ErrorIs(err, ErrInvalidMessage)
	req.Len(rec.targetedTo(2), 1)
	req.Empty(rec.broadcastsOf(protocol.EventNewMessage))
}

func TestMarkReadIdempotent(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)
	req.NoError(svc.PostMessage(context.Background(), dialogID, 2, "one"))
	req.NoError(svc.PostMessage(context.Background(), dialogID, 2, "two"))

	infos, err := svc.Dialogs(context.Background(), 1)
	req.NoError(err)
	req.Len(infos, 1)
	req.Equal(2, infos[0].UnreadCount)

	req.NoError(svc.MarkRead(context.Background(), dialogID, 1))
	req.Len(rec.broadcastsOf(protocol.EventReadMessage), 1)

	infos, err = svc.Dialogs(context.Background(), 1)
	req.NoError(err)
	req.Equal(0, infos[0].UnreadCount, "unread count drops to zero immediately")

	// Second call: same state, no further broadcast.
	req.NoError(svc.MarkRead(context.Background(), dialogID, 1))
	req.Len(rec.broadcastsOf(protocol.EventReadMessage), 1, "re-marking emits no duplicate broadcast")
}

func TestMarkReadNonParticipant(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"), profile(3, "Eve"))
	svc, rec := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	err = svc.MarkRead(context.Background(), dialogID, 3)
	req.ErrorIs(err, ErrNotParticipant)
	req.Len(rec.targetedTo(3), 1)
	req.Empty(rec.broadcastsOf(protocol.EventReadMessage))
}

func TestMarkReadOnlyFlipsPartnerMessages(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)
	req.NoError(svc.PostMessage(context.Background(), dialogID, 2, "from bob"))

	// Ann reads: only Bob's message flips; Ann's own greeting stays unread
	// from Bob's perspective.
	req.NoError(svc.MarkRead(context.Background(), dialogID, 1))

	infos, err := svc.Dialogs(context.Background(), 2)
	req.NoError(err)
	req.Equal(1, infos[0].UnreadCount, "Bob still has Ann's greeting unread")
}

func TestMessagesOrderedByCreation(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)
	for i := 0; i < 5; i++ {
		author := int64(1 + i%2)
		req.NoError(svc.PostMessage(context.Background(), dialogID, author, fmt.Sprintf("msg-%d", i)))
	}

	msgs, err := svc.Messages(context.Background(), 1, dialogID)
	req.NoError(err)
	req.Len(msgs, 6)
	for i := 1; i < len(msgs); i++ {
		req.False(msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "non-decreasing created_at")
	}
}

func TestMessagesNonParticipant(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"), profile(3, "Eve"))
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	_, err = svc.Messages(context.Background(), 3, dialogID)
	req.ErrorIs(err, ErrNotParticipant)

	_, err = svc.Messages(context.Background(), 3, 12345)
	req.ErrorIs(err, ErrNotParticipant, "absent dialog yields the same outcome")
}

func TestPartnerInfo(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, _ := newTestService(backend)

	dialogID, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	p, err := svc.PartnerInfo(context.Background(), 1, dialogID)
	req.NoError(err)
	req.Equal(int64(2), p.ID)

	p, err = svc.PartnerInfo(context.Background(), 2, dialogID)
	req.NoError(err)
	req.Equal(int64(1), p.ID)

	_, err = svc.PartnerInfo(context.Background(), 3, dialogID)
	req.ErrorIs(err, ErrNotParticipant)
}

func TestAvailableUsersExcludesExistingDialogs(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"), profile(3, "Eve"), profile(4, "Mia"))
	svc, _ := newTestService(backend)

	_, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	profiles, err := svc.AvailableUsers(context.Background(), 1)
	req.NoError(err)
	ids := make([]int64, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	req.Equal([]int64{3, 4}, ids)
}

func TestNotifyDialogCreated(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"))
	svc, rec := newTestService(backend)

	_, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)

	req.NoError(svc.NotifyDialogCreated(context.Background(), 1, 2))

	notes := rec.targetedTo(2)
	req.Len(notes, 1)
	req.Equal(protocol.EventNewDialogNotify, notes[0].event)
	payload, ok := notes[0].payload.(NewDialogNotify)
	req.True(ok)
	req.Equal(int64(2), payload.UserID)
	req.NotNil(payload.Dialog)

	err = svc.NotifyDialogCreated(context.Background(), 1, 99)
	req.ErrorIs(err, ErrNotFound)
	req.Len(rec.targetedTo(99), 0)
}

func TestDialogsOrderedByRecency(t *testing.T) {
	req := require.New(t)
	backend := newMemBackend(profile(1, "Ann"), profile(2, "Bob"), profile(3, "Eve"))
	svc, _ := newTestService(backend)

	first, err := svc.CreateDialog(context.Background(), 1, 2)
	req.NoError(err)
	second, err := svc.CreateDialog(context.Background(), 1, 3)
	req.NoError(err)

	// A new message in the older dialog moves it back to the top.
	req.NoError(svc.PostMessage(context.Background(), first, 2, "bump"))

	infos, err := svc.Dialogs(context.Background(), 1)
	req.NoError(err)
	req.Len(infos, 2)
	req.Equal(first, infos[0].ID)
	req.Equal(second, infos[1].ID)
}
