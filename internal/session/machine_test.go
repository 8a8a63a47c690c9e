package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sukoon-app/sukoon-backend/internal/identity"
	"github.com/sukoon-app/sukoon-backend/internal/models"
	"github.com/sukoon-app/sukoon-backend/internal/services"
	"github.com/sukoon-app/sukoon-backend/internal/store"
)

// scriptedEngine records requests and answers from a configurable reply
// function, defaulting to a plain supportive reply.
type scriptedEngine struct {
	mu       sync.Mutex
	requests []services.Request
	replyFn  func(services.Request) (*services.Reply, error)
}

func (e *scriptedEngine) GenerateResponse(_ context.Context, req services.Request) (*services.Reply, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	fn := e.replyFn
	e.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &services.Reply{Message: "I hear you.", Emotion: "neutral"}, nil
}

func (e *scriptedEngine) CallCompletion(context.Context, string) (string, error) {
	return "A gentle conversation about how the user is doing.", nil
}

func (e *scriptedEngine) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *scriptedEngine) lastRequest() services.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

type spyVector struct {
	mu    sync.Mutex
	calls []string
}

func (v *spyVector) ResetContext(_ context.Context, userID string) services.Result {
	v.mu.Lock()
	v.calls = append(v.calls, userID)
	v.mu.Unlock()
	return services.Result{Success: true}
}

type noopContextStore struct{ err error }

func (c *noopContextStore) Clear(context.Context, string) error { return c.err }

// failingStore rejects every SaveMessage while delegating the rest.
type failingStore struct {
	store.Store
}

func (f *failingStore) SaveMessage(context.Context, string, string, models.Message) error {
	return errors.New("store down")
}

type fixture struct {
	machine *Machine
	engine  *scriptedEngine
	memory  *store.Memory
	vector  *spyVector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemory())
}

func newFixtureWithStore(t *testing.T, backing store.Store) *fixture {
	t.Helper()

	memory, _ := backing.(*store.Memory)
	gateway := store.NewGateway(backing, zerolog.Nop())
	gateway.SetBackoff(time.Millisecond)

	engine := &scriptedEngine{}
	vector := &spyVector{}
	machine := NewMachine("u1", gateway, engine, vector, &noopContextStore{}, identity.NewGenerator(), zerolog.Nop())
	machine.summaryDelay = time.Millisecond

	return &fixture{machine: machine, engine: engine, memory: memory, vector: vector}
}

func TestCreateNewSessionGreetsInChosenLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.machine.CreateNewSession(ctx, models.ChoiceHindi, false)
	require.NoError(t, err)
	assert.True(t, sess.IntroSent)
	assert.Equal(t, PhaseActive, f.machine.Phase())

	messages := f.machine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleAI, messages[0].Type)
	assert.Equal(t, greetings[models.ChoiceHindi], messages[0].Content)

	_, locked := f.machine.LanguageState()
	assert.Equal(t, models.LanguageHindi, locked)
}

func TestCreateNewSessionAutoStaysUnlocked(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.CreateNewSession(context.Background(), models.ChoiceAuto, false)
	require.NoError(t, err)

	messages := f.machine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, greetings[models.ChoiceAuto], messages[0].Content)

	choice, locked := f.machine.LanguageState()
	assert.Equal(t, models.ChoiceAuto, choice)
	assert.Empty(t, locked)
}

func TestCreateNewSessionSkipIntro(t *testing.T) {
	f := newFixture(t)

	sess, err := f.machine.CreateNewSession(context.Background(), models.ChoiceEnglish, true)
	require.NoError(t, err)
	assert.False(t, sess.IntroSent)
	assert.Empty(t, f.machine.Messages())
}

func TestGreetingSentOnlyOncePerChatFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)

	// A second session in the same flow does not greet again.
	sess, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)
	assert.False(t, sess.IntroSent)
	assert.Empty(t, f.machine.Messages())

	// Clearing resets the flow, so the next session greets.
	f.machine.ClearSession(ctx)
	sess, err = f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)
	assert.True(t, sess.IntroSent)
}

func TestSendMessageWithoutSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSendMessageEmptyRejectedBeforeAnything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "   \t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	assert.Len(t, f.machine.Messages(), 1)
	assert.Equal(t, 0, f.engine.requestCount())
}

func TestSendMessageAppendsUserThenReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	result, err := f.machine.SendMessage(ctx, "I had a rough day")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, result.UserMessage.Type)
	assert.Equal(t, models.RoleAI, result.Reply.Type)
	assert.Equal(t, "I hear you.", result.Reply.Content)

	messages := f.machine.Messages()
	require.Len(t, messages, 2)
	assert.Less(t, messages[0].Seq, messages[1].Seq)

	// The engine saw the just-appended user message in the history.
	req := f.engine.lastRequest()
	require.Len(t, req.History, 1)
	assert.Equal(t, "I had a rough day", req.History[0].Content)
}

func TestMessagesStrictlyOrderedWithUniqueIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.machine.SendMessage(ctx, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	messages := f.machine.Messages()
	require.Len(t, messages, 11)

	seen := make(map[string]struct{})
	for i, msg := range messages {
		_, dup := seen[msg.ID]
		assert.False(t, dup, "duplicate id %s", msg.ID)
		seen[msg.ID] = struct{}{}
		assert.Equal(t, i, msg.Seq)
	}
}

func TestDuplicateAppendIgnored(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.CreateNewSession(context.Background(), models.ChoiceEnglish, true)
	require.NoError(t, err)

	f.machine.mu.Lock()
	msg := f.machine.newMessageLocked(models.RoleUser, "once")
	assert.True(t, f.machine.appendLocked(msg))
	assert.False(t, f.machine.appendLocked(msg))
	f.machine.mu.Unlock()

	assert.Len(t, f.machine.Messages(), 1)
}

func TestAutoModeLocksFromFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "मुझे नींद नहीं आ रही है")
	require.NoError(t, err)

	_, locked := f.machine.LanguageState()
	assert.Equal(t, models.LanguageHindi, locked)
	assert.Equal(t, models.LanguageHindi, f.engine.lastRequest().Language)

	// A later Latin-script message does not unlock or change it.
	_, err = f.machine.SendMessage(ctx, "still cannot sleep")
	require.NoError(t, err)

	_, locked = f.machine.LanguageState()
	assert.Equal(t, models.LanguageHindi, locked)
	assert.Equal(t, models.LanguageHindi, f.engine.lastRequest().Language)
}

func TestAutoModeMixedScriptLocksHinglish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "नमस्ते, kya haal hai")
	require.NoError(t, err)

	_, locked := f.machine.LanguageState()
	assert.Equal(t, models.LanguageHinglish, locked)
}

func TestExplicitSwitchRequestOverridesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.replyFn = func(req services.Request) (*services.Reply, error) {
		reply := &services.Reply{Message: "sure"}
		if req.LanguageSwitchRequest != "" {
			reply.ShouldSwitchLanguage = req.LanguageSwitchRequest
		}
		return reply, nil
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "मुझे बहुत चिंता हो रही है")
	require.NoError(t, err)
	_, locked := f.machine.LanguageState()
	require.Equal(t, models.LanguageHindi, locked)

	_, err = f.machine.SendMessage(ctx, "please reply in english from now")
	require.NoError(t, err)

	req := f.engine.lastRequest()
	assert.Equal(t, models.LanguageEnglish, req.LanguageSwitchRequest)
	assert.Equal(t, models.LanguageHindi, req.Language)

	choice, locked := f.machine.LanguageState()
	assert.Equal(t, models.LanguageEnglish, locked)
	assert.Equal(t, models.ChoiceEnglish, choice)
}

func TestDropdownLocksImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	f.machine.SetUILanguageChoice(ctx, models.ChoiceHindi)

	choice, locked := f.machine.LanguageState()
	assert.Equal(t, models.ChoiceHindi, choice)
	assert.Equal(t, models.LanguageHindi, locked)
}

func TestDropdownUnlocksOnlyBeforeFirstUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	f.machine.SetUILanguageChoice(ctx, models.ChoiceHindi)
	f.machine.SetUILanguageChoice(ctx, models.ChoiceAuto)
	_, locked := f.machine.LanguageState()
	assert.Empty(t, locked)

	_, err = f.machine.SendMessage(ctx, "मैं ठीक हूँ")
	require.NoError(t, err)

	// Auto after a user message keeps the current session's lock.
	f.machine.SetUILanguageChoice(ctx, models.ChoiceAuto)
	_, locked = f.machine.LanguageState()
	assert.Equal(t, models.LanguageHindi, locked)
}

func TestDropdownWinsOverInFlightDirective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.replyFn = func(req services.Request) (*services.Reply, error) {
		// The user changes the dropdown while the reply is being generated.
		f.machine.SetUILanguageChoice(ctx, models.ChoiceHindi)
		return &services.Reply{Message: "ok", ShouldSwitchLanguage: models.LanguageEnglish}, nil
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceAuto, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "hello there")
	require.NoError(t, err)

	choice, locked := f.machine.LanguageState()
	assert.Equal(t, models.ChoiceHindi, choice)
	assert.Equal(t, models.LanguageHindi, locked)
}

func TestEngineFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.replyFn = func(services.Request) (*services.Reply, error) {
		return nil, errors.New("model unreachable")
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "are you there?")
	require.Error(t, err)
	assert.Equal(t, PhaseError, f.machine.Phase())

	messages := f.machine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "are you there?", messages[0].Content)

	// Resending recovers the session.
	f.engine.replyFn = nil
	_, err = f.machine.SendMessage(ctx, "are you there?")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, f.machine.Phase())
	assert.Len(t, f.machine.Messages(), 3)
}

func TestPersistenceFailureDoesNotSurface(t *testing.T) {
	backing := &failingStore{Store: store.NewMemory()}
	f := newFixtureWithStore(t, backing)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	_, err = f.machine.SendMessage(ctx, "keep me visible")
	require.NoError(t, err)

	f.machine.Flush()

	messages := f.machine.Messages()
	require.Len(t, messages, 2)
	assert.False(t, messages[0].Saved)
	assert.False(t, messages[1].Saved)
	assert.Error(t, f.machine.Err())
}

func TestOverlappingSendRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.engine.replyFn = func(services.Request) (*services.Reply, error) {
		<-release
		return &services.Reply{Message: "done"}, nil
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.SendMessage(ctx, "first")
		done <- err
	}()

	// Wait for the first send to reach the engine.
	require.Eventually(t, func() bool { return f.engine.requestCount() == 1 },
		time.Second, time.Millisecond)

	_, err = f.machine.SendMessage(ctx, "second")
	assert.ErrorIs(t, err, ErrReplyInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestClearDuringSendDropsReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.engine.replyFn = func(services.Request) (*services.Reply, error) {
		<-release
		return &services.Reply{Message: "too late", ShouldSwitchLanguage: models.LanguageHindi}, nil
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.SendMessage(ctx, "still there?")
		done <- err
	}()

	// Wait for the send to reach the engine, then clear underneath it.
	require.Eventually(t, func() bool { return f.engine.requestCount() == 1 },
		time.Second, time.Millisecond)
	f.machine.ClearSession(ctx)
	close(release)

	assert.ErrorIs(t, <-done, ErrNoActiveSession)
	assert.Equal(t, PhaseCleared, f.machine.Phase())
	assert.Empty(t, f.machine.Messages())
	assert.Nil(t, f.machine.Session())

	// The machine is still usable afterwards.
	_, err = f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)
	_, err = f.machine.SendMessage(ctx, "hello again")
	require.NoError(t, err)
}

func TestNewSessionDuringSendDropsStaleReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.engine.replyFn = func(services.Request) (*services.Reply, error) {
		<-release
		return &services.Reply{Message: "from the old session"}, nil
	}

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.SendMessage(ctx, "first session turn")
		done <- err
	}()

	require.Eventually(t, func() bool { return f.engine.requestCount() == 1 },
		time.Second, time.Millisecond)

	f.engine.replyFn = nil
	replacement, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)
	close(release)

	// The stale reply never lands in the replacement session.
	assert.ErrorIs(t, <-done, ErrNoActiveSession)
	assert.Empty(t, f.machine.Messages())
	sess := f.machine.Session()
	require.NotNil(t, sess)
	assert.Equal(t, replacement.SessionID, sess.SessionID)
}

func TestSummaryScheduledOncePerDecade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)

	started := func() int {
		f.machine.mu.Lock()
		defer f.machine.mu.Unlock()
		return f.machine.summariesStarted
	}

	// Counts 2, 4, 6, 8: nothing scheduled yet.
	for i := 0; i < 4; i++ {
		_, err := f.machine.SendMessage(ctx, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, started())

	// Count 10: scheduled exactly once.
	_, err = f.machine.SendMessage(ctx, "turn 4")
	require.NoError(t, err)
	assert.Equal(t, 1, started())

	// Counts 12..18: no re-scheduling inside the same decade.
	for i := 5; i < 9; i++ {
		_, err := f.machine.SendMessage(ctx, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, started())

	// Count 20: the next decade schedules again.
	_, err = f.machine.SendMessage(ctx, "turn 9")
	require.NoError(t, err)
	assert.Equal(t, 2, started())

	f.machine.Flush()
	stored, err := f.memory.LoadSession(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Summary)
}

func TestRoundTripThroughStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)
	_, err = f.machine.SendMessage(ctx, "hi")
	require.NoError(t, err)

	want := f.machine.Messages()
	f.machine.Flush()

	gateway := store.NewGateway(f.memory, zerolog.Nop())
	other := NewMachine("u1", gateway, f.engine, f.vector, &noopContextStore{}, identity.NewGenerator(), zerolog.Nop())
	other.Init(ctx)

	got, err := other.LoadSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)

	reloaded := other.Messages()
	require.Len(t, reloaded, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, reloaded[i].ID)
		assert.Equal(t, want[i].Content, reloaded[i].Content)
		assert.True(t, reloaded[i].Saved)
	}
}

func TestLoadSessionWithoutAnyDegradesToCreate(t *testing.T) {
	f := newFixture(t)

	sess, err := f.machine.LoadSession(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.IsActive)
	assert.Equal(t, PhaseActive, f.machine.Phase())
}

func TestClearSessionResetsStateAndFiresContextResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)
	_, err = f.machine.SendMessage(ctx, "hello")
	require.NoError(t, err)

	f.machine.ClearSession(ctx)
	f.machine.Flush()

	assert.Equal(t, PhaseCleared, f.machine.Phase())
	assert.Empty(t, f.machine.Messages())
	assert.Nil(t, f.machine.Session())

	f.vector.mu.Lock()
	calls := len(f.vector.calls)
	f.vector.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestResetSessionClearsSoftError(t *testing.T) {
	f := newFixture(t)

	f.machine.noteSoftError(errors.New("stale failure"))
	require.Error(t, f.machine.Err())

	f.machine.ResetSession(context.Background())
	f.machine.Flush()
	assert.NoError(t, f.machine.Err())
}

func TestClearSurvivesContextResetFailure(t *testing.T) {
	memory := store.NewMemory()
	gateway := store.NewGateway(memory, zerolog.Nop())
	gateway.SetBackoff(time.Millisecond)

	engine := &scriptedEngine{}
	machine := NewMachine("u1", gateway, engine, &spyVector{}, &noopContextStore{err: errors.New("context store down")},
		identity.NewGenerator(), zerolog.Nop())

	ctx := context.Background()
	_, err := machine.CreateNewSession(ctx, models.ChoiceEnglish, false)
	require.NoError(t, err)

	machine.ClearSession(ctx)
	machine.Flush()
	assert.Equal(t, PhaseCleared, machine.Phase())
	assert.Empty(t, machine.Messages())
}

func TestPreferencesSurviveAcrossMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.SetUILanguageChoice(ctx, models.ChoiceHindi)
	f.machine.Flush()

	gateway := store.NewGateway(f.memory, zerolog.Nop())
	other := NewMachine("u1", gateway, f.engine, f.vector, &noopContextStore{}, identity.NewGenerator(), zerolog.Nop())
	other.Init(ctx)

	choice, locked := other.LanguageState()
	assert.Equal(t, models.ChoiceHindi, choice)
	assert.Equal(t, models.LanguageHindi, locked)
}

func TestSavedFlagFlipsAfterPersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.CreateNewSession(ctx, models.ChoiceEnglish, true)
	require.NoError(t, err)
	_, err = f.machine.SendMessage(ctx, "persist me")
	require.NoError(t, err)

	f.machine.Flush()

	for _, msg := range f.machine.Messages() {
		assert.True(t, msg.Saved, "message %s", msg.ID)
	}
}
