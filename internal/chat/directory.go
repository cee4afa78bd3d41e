package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/metrics"
	"wellness-chat/internal/realtime"
)

type ConversationStore interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindByDedupeKey(ctx context.Context, key string) (*Conversation, error)
	// CreateWithParticipants reports created=false and returns the existing row when
	// another conversation already holds conv.DedupeKey.
	CreateWithParticipants(ctx context.Context, conv NewConversation, members []NewParticipant) (*Conversation, bool, error)
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	Leave(ctx context.Context, conversationID, userID uuid.UUID) error
	ActiveParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	IsActiveParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

type NewConversation struct {
	Name              *string
	Kind              Kind
	CreatedBy         uuid.UUID
	OrganizationID    *uuid.UUID
	CoachingContextID *string
	DedupeKey         *string
}

type NewParticipant struct {
	UserID uuid.UUID
	Role   MemberRole
}

type ListFilter struct {
	Kinds []Kind
}

func (f ListFilter) allows(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Directory answers "which conversations am I in" and creates direct, coaching and
// group conversations.
type Directory struct {
	store     ConversationStore
	publisher realtime.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewDirectory(store ConversationStore, publisher realtime.Publisher, log zerolog.Logger) *Directory {
	return &Directory{
		store:     store,
		publisher: publisher,
		log:       log.With().Str("component", "directory").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Directory) ListForUser(ctx context.Context, who identity.Identity, filter ListFilter) ([]Conversation, error) {
	all, err := d.store.ListForUser(ctx, who.UserID)
	if err != nil {
		d.log.Error().Err(err).Stringer("user_id", who.UserID).Msg("list conversations")
		return nil, apperror.Wrap(apperror.CodeUnavailable, "could not load your conversations", err)
	}

	out := make([]Conversation, 0, len(all))
	for _, c := range all {
		if filter.allows(c.Kind) {
			out = append(out, c)
		}
	}
	if who.IsCoach() {
		boostCoaching(out, who.UserID)
	}
	return out, nil
}

// boostCoaching moves coaching conversations the caller coaches to the front, keeping
// activity order within each group.
func boostCoaching(convs []Conversation, coachID uuid.UUID) {
	rank := func(c Conversation) int {
		if c.Kind != KindCoaching {
			return 1
		}
		for _, p := range c.Participants {
			if p.UserID == coachID && p.Role == MemberCoach {
				return 0
			}
		}
		return 1
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return rank(convs[i]) < rank(convs[j])
	})
}

// DirectKey is the same for both orderings of a pair.
func DirectKey(a, b uuid.UUID) string {
	lo, hi := orderPair(a, b)
	return "direct:" + lo + ":" + hi
}

// CoachingKey identifies a coaching relationship by the pair plus its enrollment when one
// is known, else by the pair plus the program title.
func CoachingKey(a, b uuid.UUID, programTitle, enrollmentRef string) string {
	lo, hi := orderPair(a, b)
	if ref := strings.TrimSpace(enrollmentRef); ref != "" {
		return "coaching:" + lo + ":" + hi + ":enrollment:" + ref
	}
	return "coaching:" + lo + ":" + hi + ":title:" + strings.ToLower(strings.TrimSpace(programTitle))
}

func orderPair(a, b uuid.UUID) (string, string) {
	as, bs := a.String(), b.String()
	if bs < as {
		return bs, as
	}
	return as, bs
}

func (d *Directory) FindOrCreateDirect(ctx context.Context, who identity.Identity, otherID uuid.UUID) (*Conversation, error) {
	if otherID == uuid.Nil {
		return nil, apperror.InvalidArg("choose someone to message")
	}
	if otherID == who.UserID {
		return nil, apperror.InvalidArg("you can't start a conversation with yourself")
	}

	key := DirectKey(who.UserID, otherID)
	return d.findOrCreate(ctx, key, NewConversation{
		Kind:           KindDirect,
		CreatedBy:      who.UserID,
		OrganizationID: who.OrganizationID,
		DedupeKey:      &key,
	}, []NewParticipant{
		{UserID: who.UserID, Role: MemberAdmin},
		{UserID: otherID, Role: MemberMember},
	}, "could not start the conversation")
}

func (d *Directory) FindOrCreateCoaching(
	ctx context.Context,
	who identity.Identity,
	otherID uuid.UUID,
	programTitle, enrollmentRef string,
) (*Conversation, error) {
	title := strings.TrimSpace(programTitle)
	switch {
	case otherID == uuid.Nil:
		return nil, apperror.InvalidArg("choose who to coach with")
	case otherID == who.UserID:
		return nil, apperror.InvalidArg("you can't start a conversation with yourself")
	case title == "":
		return nil, apperror.InvalidArg("a program title is required")
	}

	callerRole, otherRole := MemberStudent, MemberCoach
	if who.IsCoach() {
		callerRole, otherRole = MemberCoach, MemberStudent
	}

	key := CoachingKey(who.UserID, otherID, title, enrollmentRef)
	conv := NewConversation{
		Name:           &title,
		Kind:           KindCoaching,
		CreatedBy:      who.UserID,
		OrganizationID: who.OrganizationID,
		DedupeKey:      &key,
	}
	if ref := strings.TrimSpace(enrollmentRef); ref != "" {
		conv.CoachingContextID = &ref
	}
	return d.findOrCreate(ctx, key, conv, []NewParticipant{
		{UserID: who.UserID, Role: callerRole},
		{UserID: otherID, Role: otherRole},
	}, "could not start the coaching conversation")
}

func (d *Directory) findOrCreate(
	ctx context.Context,
	key string,
	conv NewConversation,
	members []NewParticipant,
	failMsg string,
) (*Conversation, error) {
	existing, err := d.store.FindByDedupeKey(ctx, key)
	if err != nil {
		d.log.Error().Err(err).Str("dedupe_key", key).Msg("find conversation")
		return nil, apperror.Wrap(apperror.CodeUnavailable, failMsg, err)
	}
	if existing != nil {
		return d.requirePair(ctx, existing, members, failMsg)
	}

	created, isNew, err := d.store.CreateWithParticipants(ctx, conv, members)
	if err != nil {
		d.log.Error().Err(err).Str("dedupe_key", key).Msg("create conversation")
		return nil, apperror.Wrap(apperror.CodeUnavailable, failMsg, err)
	}
	if !isNew {
		return d.requirePair(ctx, created, members, failMsg)
	}
	d.announce(ctx, created, members)
	return created, nil
}

// requirePair hands back an existing keyed conversation only when every requested member
// is still an active participant of it.
func (d *Directory) requirePair(ctx context.Context, conv *Conversation, members []NewParticipant, failMsg string) (*Conversation, error) {
	ids, err := d.store.ActiveParticipantIDs(ctx, conv.ID)
	if err != nil {
		d.log.Error().Err(err).Stringer("conversation_id", conv.ID).Msg("check participants")
		return nil, apperror.Wrap(apperror.CodeUnavailable, failMsg, err)
	}
	active := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}
	for _, m := range members {
		if _, ok := active[m.UserID]; !ok {
			d.log.Warn().
				Stringer("conversation_id", conv.ID).
				Stringer("user_id", m.UserID).
				Msg("keyed conversation is missing a participant")
			return nil, apperror.Forbidden("this conversation is not available to you")
		}
	}
	return conv, nil
}

func (d *Directory) CreateGroup(ctx context.Context, who identity.Identity, name string, memberIDs []uuid.UUID) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.InvalidArg("a group needs a name")
	}

	members := []NewParticipant{{UserID: who.UserID, Role: MemberAdmin}}
	seen := map[uuid.UUID]struct{}{who.UserID: {}}
	for _, id := range memberIDs {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, NewParticipant{UserID: id, Role: MemberMember})
	}
	if len(members) < 2 {
		return nil, apperror.InvalidArg("add at least one other member")
	}

	conv, _, err := d.store.CreateWithParticipants(ctx, NewConversation{
		Name:           &name,
		Kind:           KindGroup,
		CreatedBy:      who.UserID,
		OrganizationID: who.OrganizationID,
	}, members)
	if err != nil {
		d.log.Error().Err(err).Stringer("user_id", who.UserID).Msg("create group")
		return nil, apperror.Wrap(apperror.CodeUnavailable, "could not create the group", err)
	}
	d.announce(ctx, conv, members)
	return conv, nil
}

func (d *Directory) MarkRead(ctx context.Context, who identity.Identity, conversationID uuid.UUID) error {
	err := d.store.MarkRead(ctx, conversationID, who.UserID, d.now())
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("conversation not found")
	}
	if err != nil {
		d.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("mark read")
		return apperror.Wrap(apperror.CodeUnavailable, "could not update read status", err)
	}
	d.publish(ctx, realtime.ChangeEvent{
		Table:          realtime.TableParticipants,
		Type:           realtime.EventUpdate,
		RowID:          who.UserID.String(),
		ConversationID: conversationID,
		UserIDs:        []uuid.UUID{who.UserID},
	})
	return nil
}

// Leave deactivates the caller's membership. Only group conversations can be left;
// direct and coaching conversations always keep both participants.
func (d *Directory) Leave(ctx context.Context, who identity.Identity, conversationID uuid.UUID) error {
	member, err := d.store.IsActiveParticipant(ctx, conversationID, who.UserID)
	if err != nil {
		d.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("check membership")
		return apperror.Wrap(apperror.CodeUnavailable, "could not leave the conversation", err)
	}
	if !member {
		return apperror.NotFound("conversation not found")
	}

	conv, err := d.store.Get(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("conversation not found")
	}
	if err != nil {
		d.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("load conversation")
		return apperror.Wrap(apperror.CodeUnavailable, "could not leave the conversation", err)
	}
	if conv.Kind != KindGroup {
		return apperror.InvalidArg("only group conversations can be left")
	}

	err = d.store.Leave(ctx, conversationID, who.UserID)
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("conversation not found")
	}
	if err != nil {
		d.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("leave conversation")
		return apperror.Wrap(apperror.CodeUnavailable, "could not leave the conversation", err)
	}
	d.publish(ctx, realtime.ChangeEvent{
		Table:          realtime.TableParticipants,
		Type:           realtime.EventUpdate,
		RowID:          who.UserID.String(),
		ConversationID: conversationID,
		UserIDs:        []uuid.UUID{who.UserID},
	})
	return nil
}

func (d *Directory) announce(ctx context.Context, conv *Conversation, members []NewParticipant) {
	metrics.ConversationsCreated.WithLabelValues(string(conv.Kind)).Inc()
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	d.log.Info().
		Stringer("conversation_id", conv.ID).
		Str("kind", string(conv.Kind)).
		Int("participants", len(ids)).
		Msg("conversation created")
	d.publish(ctx, realtime.ChangeEvent{
		Table:          realtime.TableConversations,
		Type:           realtime.EventInsert,
		RowID:          conv.ID.String(),
		ConversationID: conv.ID,
		UserIDs:        ids,
	})
}

// publish never fails the caller; a lost event is recovered by the next RESYNC.
func (d *Directory) publish(ctx context.Context, ev realtime.ChangeEvent) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("table", string(ev.Table)).Msg("publish change")
	}
}
