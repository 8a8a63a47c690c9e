package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// flakyStore fails SaveMessage a configured number of times before
// delegating to the wrapped store.
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) SaveMessage(ctx context.Context, userID, sessionID string, m models.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient store failure")
	}
	return f.Store.SaveMessage(ctx, userID, sessionID, m)
}

func testGateway(s Store) *Gateway {
	g := NewGateway(s, zerolog.Nop())
	g.SetBackoff(time.Millisecond)
	return g
}

func TestSaveMessageRetriesThenSucceeds(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateSession(ctx, newSession("u1", "s1")))

	flaky := &flakyStore{Store: mem, failures: 2}
	g := testGateway(flaky)

	err := g.SaveMessage(ctx, "u1", "s1", msg("user-1", models.RoleUser, "hi", 0))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)

	messages, err := mem.LoadSessionMessages(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSaveMessageGivesUpAfterThreeAttempts(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateSession(ctx, newSession("u1", "s1")))

	flaky := &flakyStore{Store: mem, failures: 10}
	g := testGateway(flaky)

	err := g.SaveMessage(ctx, "u1", "s1", msg("user-1", models.RoleUser, "hi", 0))
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestGenerateSessionSummaryRequiresThreeMessages(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	session := newSession("u1", "s1")
	session.Messages = []models.Message{
		msg("ai-1", models.RoleAI, "hi", 0),
		msg("user-2", models.RoleUser, "hello", 1),
	}
	require.NoError(t, mem.CreateSession(ctx, session))

	g := testGateway(mem)
	_, err := g.GenerateSessionSummary(ctx, "u1", "s1", func(context.Context, string) (string, error) {
		t.Fatal("completion should not be called")
		return "", nil
	})
	assert.ErrorIs(t, err, ErrNotEnoughMessages)
}

func TestGenerateSessionSummaryPersistsTruncated(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	session := newSession("u1", "s1")
	session.Messages = []models.Message{
		msg("ai-1", models.RoleAI, "hi", 0),
		msg("user-2", models.RoleUser, "I feel stressed about exams", 1),
		msg("ai-3", models.RoleAI, "that sounds heavy", 2),
	}
	require.NoError(t, mem.CreateSession(ctx, session))

	g := testGateway(mem)

	var prompt string
	long := strings.Repeat("x", 200)
	summary, err := g.GenerateSessionSummary(ctx, "u1", "s1", func(_ context.Context, p string) (string, error) {
		prompt = p
		return long, nil
	})
	require.NoError(t, err)
	assert.Len(t, []rune(summary), 150)
	assert.Contains(t, prompt, "I feel stressed about exams")

	stored, err := mem.LoadSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, summary, stored.Summary)
}

func TestCloseSessionMarksInactive(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	session := newSession("u1", "s1")
	for i := 0; i < 4; i++ {
		session.Messages = append(session.Messages, msg(fmt.Sprintf("user-%d", i), models.RoleUser, "hi", i))
	}
	require.NoError(t, mem.CreateSession(ctx, session))

	g := testGateway(mem)
	err := g.CloseSession(ctx, "u1", "s1", func(context.Context, string) (string, error) {
		return "a steady conversation about exam stress", nil
	})
	require.NoError(t, err)

	stored, err := mem.LoadSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.ClosedAt)
	assert.Equal(t, "a steady conversation about exam stress", stored.Summary)
}

func TestCloseSessionSurvivesSummaryFailure(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	session := newSession("u1", "s1")
	for i := 0; i < 3; i++ {
		session.Messages = append(session.Messages, msg(fmt.Sprintf("user-%d", i), models.RoleUser, "hi", i))
	}
	require.NoError(t, mem.CreateSession(ctx, session))

	g := testGateway(mem)
	err := g.CloseSession(ctx, "u1", "s1", func(context.Context, string) (string, error) {
		return "", errors.New("model down")
	})
	require.NoError(t, err)

	stored, err := mem.LoadSession(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.Summary)
}
