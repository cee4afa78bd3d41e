package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/realtime"
)

func newTestDirectory(t *testing.T) (*Directory, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore()
	pub := &recordingPublisher{}
	return NewDirectory(store, pub, zerolog.Nop()), store, pub
}

func employee() identity.Identity {
	return identity.Identity{UserID: uuid.New(), Role: identity.RoleEmployee}
}

func coach() identity.Identity {
	return identity.Identity{UserID: uuid.New(), Role: identity.RoleCoach}
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, DirectKey(a, b), DirectKey(b, a))
	assert.NotEqual(t, DirectKey(a, b), DirectKey(a, uuid.New()))
}

func TestCoachingKey(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	assert.Equal(t, CoachingKey(a, b, "Budgeting 101", " enr-42 "), CoachingKey(b, a, "Other title", "enr-42"))
	assert.NotEqual(t, CoachingKey(a, b, "", "enr-42"), CoachingKey(a, uuid.New(), "", "enr-42"))
	assert.Contains(t, CoachingKey(a, b, "", "enr-42"), ":enrollment:enr-42")
	assert.NotEqual(t, CoachingKey(a, b, "enr-42", ""), CoachingKey(a, b, "", "enr-42"))
	assert.Equal(t, CoachingKey(a, b, "Budgeting 101", ""), CoachingKey(b, a, " budgeting 101", ""))
	assert.NotEqual(t, CoachingKey(a, b, "Budgeting 101", ""), CoachingKey(a, b, "Debt Payoff", ""))
}

func TestFindOrCreateDirectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, store, pub := newTestDirectory(t)
	alice, bob := employee(), employee()

	first, err := d.FindOrCreateDirect(ctx, alice, bob.UserID)
	require.NoError(t, err)
	second, err := d.FindOrCreateDirect(ctx, bob, alice.UserID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, KindDirect, first.Kind)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, []realtime.Table{realtime.TableConversations}, pub.tables())

	ids, err := store.ActiveParticipantIDs(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice.UserID, bob.UserID}, ids)

	roles := map[uuid.UUID]MemberRole{}
	for _, p := range store.participants[first.ID] {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, MemberAdmin, roles[alice.UserID])
	assert.Equal(t, MemberMember, roles[bob.UserID])
}

func TestFindOrCreateDirectConcurrentCallsConverge(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	alice, bob := employee(), employee()

	const callers = 16
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who, other := alice, bob.UserID
			if i%2 == 1 {
				who, other = bob, alice.UserID
			}
			conv, err := d.FindOrCreateDirect(ctx, who, other)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.creates)
}

func TestFindOrCreateDirectRejectsBadTargets(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	alice := employee()

	_, err := d.FindOrCreateDirect(ctx, alice, alice.UserID)
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))

	_, err = d.FindOrCreateDirect(ctx, alice, uuid.Nil)
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestFindOrCreateCoachingRoles(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	c, student := coach(), employee()

	conv, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Budgeting 101", "")
	require.NoError(t, err)
	require.NotNil(t, conv.Name)
	assert.Equal(t, "Budgeting 101", *conv.Name)
	assert.Equal(t, KindCoaching, conv.Kind)

	roles := map[uuid.UUID]MemberRole{}
	for _, p := range store.participants[conv.ID] {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, MemberCoach, roles[c.UserID])
	assert.Equal(t, MemberStudent, roles[student.UserID])

	// The student opening the same program lands in the same conversation.
	again, err := d.FindOrCreateCoaching(ctx, student, c.UserID, "budgeting 101", "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, store.participants[conv.ID], 2)
}

func TestFindOrCreateCoachingByEnrollment(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	c, student := coach(), employee()

	first, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Budgeting 101", "enr-7")
	require.NoError(t, err)
	require.NotNil(t, first.CoachingContextID)
	assert.Equal(t, "enr-7", *first.CoachingContextID)

	// A renamed program still resolves through its enrollment.
	renamed, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Budgeting Basics", "enr-7")
	require.NoError(t, err)
	assert.Equal(t, first.ID, renamed.ID)

	other, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Budgeting 101", "enr-8")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestFindOrCreateCoachingEnrollmentIsScopedToThePair(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	c, student, stranger := coach(), employee(), employee()

	theirs, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Debt-Free Journey", "enr-1")
	require.NoError(t, err)

	mine, err := d.FindOrCreateCoaching(ctx, stranger, c.UserID, "Something else", "enr-1")
	require.NoError(t, err)
	assert.NotEqual(t, theirs.ID, mine.ID)

	ok, err := store.IsActiveParticipant(ctx, mine.ID, stranger.UserID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsActiveParticipant(ctx, theirs.ID, stranger.UserID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindOrCreateRefusesKeyedConversationWithoutCaller(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	alice, bob, carol := employee(), employee(), employee()

	conv, err := d.FindOrCreateDirect(ctx, alice, bob.UserID)
	require.NoError(t, err)

	// A row carrying carol's key that she is not part of must never be handed to her.
	store.mu.Lock()
	store.dedupe[DirectKey(carol.UserID, bob.UserID)] = conv.ID
	store.mu.Unlock()

	_, err = d.FindOrCreateDirect(ctx, carol, bob.UserID)
	assert.Equal(t, apperror.CodePermissionDenied, apperror.CodeOf(err))
}

func TestFindOrCreateCoachingRequiresTitle(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	_, err := d.FindOrCreateCoaching(context.Background(), coach(), uuid.New(), "  ", "")
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestListForUserBoostsCoachingForCoaches(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	c := coach()
	peer, student := employee(), employee()

	coaching, err := d.FindOrCreateCoaching(ctx, c, student.UserID, "Retirement", "")
	require.NoError(t, err)
	direct, err := d.FindOrCreateDirect(ctx, c, peer.UserID)
	require.NoError(t, err)

	got, err := d.ListForUser(ctx, c, ListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, coaching.ID, got[0].ID)
	assert.Equal(t, direct.ID, got[1].ID)

	// Non-coaches see plain activity order.
	got, err = d.ListForUser(ctx, student, ListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = d.ListForUser(ctx, c, ListFilter{Kinds: []Kind{KindDirect}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, direct.ID, got[0].ID)
}

func TestListForUserStoreFailure(t *testing.T) {
	d, store, _ := newTestDirectory(t)
	store.listErr = errors.New("connection refused")

	_, err := d.ListForUser(context.Background(), employee(), ListFilter{})

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.CodeUnavailable, appErr.Code)
	assert.NotContains(t, appErr.Message, "connection refused")
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	owner, a, b := employee(), uuid.New(), uuid.New()

	conv, err := d.CreateGroup(ctx, owner, " Savings club ", []uuid.UUID{a, b, a, owner.UserID})
	require.NoError(t, err)
	assert.Equal(t, KindGroup, conv.Kind)
	assert.Equal(t, "Savings club", *conv.Name)
	assert.Len(t, store.participants[conv.ID], 3)

	_, err = d.CreateGroup(ctx, owner, "", []uuid.UUID{a})
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
	_, err = d.CreateGroup(ctx, owner, "Solo", []uuid.UUID{owner.UserID})
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	d, store, pub := newTestDirectory(t)
	alice, bob := employee(), employee()
	conv, err := d.FindOrCreateDirect(ctx, alice, bob.UserID)
	require.NoError(t, err)

	require.NoError(t, d.MarkRead(ctx, bob, conv.ID))
	for _, p := range store.participants[conv.ID] {
		if p.UserID == bob.UserID {
			assert.NotNil(t, p.LastReadAt)
		} else {
			assert.Nil(t, p.LastReadAt)
		}
	}
	assert.Contains(t, pub.tables(), realtime.TableParticipants)

	err = d.MarkRead(ctx, employee(), conv.ID)
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newTestDirectory(t)
	owner, member := employee(), employee()

	group, err := d.CreateGroup(ctx, owner, "Budget buddies", []uuid.UUID{member.UserID})
	require.NoError(t, err)
	require.NoError(t, d.Leave(ctx, member, group.ID))

	ids, err := store.ActiveParticipantIDs(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{owner.UserID}, ids)

	direct, err := d.FindOrCreateDirect(ctx, owner, member.UserID)
	require.NoError(t, err)
	err = d.Leave(ctx, member, direct.ID)
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestLeaveHidesConversationsFromNonMembers(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	alice, bob := employee(), employee()

	direct, err := d.FindOrCreateDirect(ctx, alice, bob.UserID)
	require.NoError(t, err)

	err = d.Leave(ctx, employee(), direct.ID)
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))

	err = d.Leave(ctx, alice, uuid.New())
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	d, _, pub := newTestDirectory(t)
	pub.err = errors.New("redis down")

	conv, err := d.FindOrCreateDirect(context.Background(), employee(), uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, conv.ID)
}
