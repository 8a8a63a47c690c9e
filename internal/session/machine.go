package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sukoon-app/sukoon-backend/internal/identity"
	"github.com/sukoon-app/sukoon-backend/internal/language"
	"github.com/sukoon-app/sukoon-backend/internal/models"
	"github.com/sukoon-app/sukoon-backend/internal/services"
	"github.com/sukoon-app/sukoon-backend/internal/store"
)

// Phase is the machine's lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseActive        Phase = "active"
	PhaseError         Phase = "error"
	PhaseCleared       Phase = "cleared"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrReplyInFlight   = errors.New("a reply is already being generated")
)

// VectorResetter drops a user's vector recall context on session clear.
type VectorResetter interface {
	ResetContext(ctx context.Context, userID string) services.Result
}

// ContextStore clears the auxiliary conversation context on session clear.
type ContextStore interface {
	Clear(ctx context.Context, userID string) error
}

const persistTimeout = 15 * time.Second

// SendResult is what a completed send hands back to the caller: the
// optimistically appended user message and the generated reply.
type SendResult struct {
	UserMessage models.Message
	Reply       models.Message
	Language    models.Language
}

// Machine owns one user's in-memory session state: the language-lock
// protocol, optimistic message appends with dedup, and the persistence and
// summary side effects. The UI blocks only on the engine call inside
// SendMessage; every store write is fire-and-forget with retries handled by
// the gateway.
type Machine struct {
	userID       string
	gateway      *store.Gateway
	engine       services.Engine
	vector       VectorResetter
	contextStore ContextStore
	ids          *identity.Generator
	log          zerolog.Logger
	now          func() time.Time
	initOnce     sync.Once

	mu              sync.Mutex
	phase           Phase
	session         *models.Session
	messages        []models.Message
	seen            map[string]struct{}
	nextSeq         int
	uiChoice        models.LanguageChoice
	sessionLanguage models.Language
	langVersion     uint64
	greeted         bool
	hasUserMessage  bool
	inFlight        bool
	softErr         error

	summaryDelay     time.Duration
	summarizedBlock  int
	summariesStarted int
	persistWG        sync.WaitGroup
	sideEffectWG     sync.WaitGroup
}

func NewMachine(userID string, gateway *store.Gateway, engine services.Engine, vector VectorResetter, contextStore ContextStore, ids *identity.Generator, log zerolog.Logger) *Machine {
	return &Machine{
		userID:       userID,
		gateway:      gateway,
		engine:       engine,
		vector:       vector,
		contextStore: contextStore,
		ids:          ids,
		log:          log.With().Str("component", "session").Str("userId", userID).Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		phase:        PhaseUninitialized,
		seen:         make(map[string]struct{}),
		uiChoice:     models.ChoiceAuto,
		summaryDelay: 2 * time.Second,
	}
}

// Init restores the durable language keys. It runs at most once; concurrent
// callers block until the first call has finished.
func (m *Machine) Init(ctx context.Context) {
	m.initOnce.Do(func() {
		prefs, err := m.gateway.LoadPreferences(ctx, m.userID)
		if err != nil {
			m.log.Warn().Err(err).Msg("could not load language preferences")
			return
		}
		if prefs == nil {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if prefs.UILanguage != "" {
			m.uiChoice = prefs.UILanguage
		}
		m.sessionLanguage = prefs.SessionLanguage
	})
}

// CreateNewSession closes any open session best-effort, optionally greets,
// and starts a fresh session. choice of "" keeps the current dropdown value.
func (m *Machine) CreateNewSession(ctx context.Context, choice models.LanguageChoice, skipIntro bool) (*models.Session, error) {
	m.mu.Lock()

	if m.session != nil && m.session.IsActive {
		m.closePreviousLocked(m.session.SessionID)
	}

	if choice != "" {
		m.uiChoice = choice
		m.langVersion++
	}
	if lang, ok := m.uiChoice.Language(); ok {
		m.sessionLanguage = lang
	} else {
		// Auto mode: the lock stays open until the first user message.
		m.sessionLanguage = ""
	}

	m.phase = PhaseLoading
	m.messages = nil
	m.seen = make(map[string]struct{})
	m.nextSeq = 0
	m.hasUserMessage = false
	m.summarizedBlock = 0

	now := m.now()
	session := &models.Session{
		SessionID:          m.ids.NewSessionID(),
		UserID:             m.userID,
		CreatedAt:          now,
		LastUpdated:        now,
		LanguagePreference: m.sessionLanguage,
		IsActive:           true,
	}
	m.session = session

	if !skipIntro && !m.greeted {
		greeting := m.newMessageLocked(models.RoleAI, greetingFor(m.uiChoice))
		m.appendLocked(greeting)
		m.greeted = true
		session.IntroSent = true
		session.Messages = []models.Message{greeting}
	}

	m.phase = PhaseActive
	snapshot := *session
	greetingID := ""
	if len(m.messages) == 1 {
		greetingID = m.messages[0].ID
	}
	m.mu.Unlock()

	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.gateway.CreateSession(pctx, snapshot); err != nil {
			m.noteSoftError(err)
			return
		}
		if greetingID != "" {
			m.markSaved(greetingID)
		}
	}()
	m.savePreferencesAsync()

	m.log.Info().Str("sessionId", session.SessionID).Str("language", string(m.sessionLanguage)).Msg("session created")
	result := snapshot
	return &result, nil
}

// LoadSession resumes a session by id, or the most recent one when id is
// empty. With no session to resume it degrades to CreateNewSession.
func (m *Machine) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	m.phase = PhaseLoading
	m.mu.Unlock()

	var (
		session *models.Session
		err     error
	)
	if sessionID == "" {
		session, err = m.gateway.GetLatestSession(ctx, m.userID)
		if errors.Is(err, store.ErrSessionNotFound) {
			return m.CreateNewSession(ctx, "", false)
		}
	} else {
		session, err = m.gateway.LoadSession(ctx, m.userID, sessionID)
	}
	if err != nil {
		m.mu.Lock()
		m.phase = PhaseError
		m.softErr = err
		m.mu.Unlock()
		return nil, err
	}

	messages, err := m.gateway.LoadSessionMessages(ctx, m.userID, session.SessionID)
	if err != nil {
		m.mu.Lock()
		m.phase = PhaseError
		m.softErr = err
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.messages = make([]models.Message, 0, len(messages))
	m.seen = make(map[string]struct{})
	m.nextSeq = 0
	m.hasUserMessage = false
	for _, msg := range messages {
		msg.Saved = true
		m.messages = append(m.messages, msg)
		m.seen[msg.ID] = struct{}{}
		if msg.Seq >= m.nextSeq {
			m.nextSeq = msg.Seq + 1
		}
		if msg.Type == models.RoleUser {
			m.hasUserMessage = true
		}
	}
	session.MessageCount = len(m.messages)
	m.session = session
	m.greeted = session.IntroSent
	m.summarizedBlock = len(m.messages) / 10
	if m.sessionLanguage == "" && session.LanguagePreference != "" {
		m.sessionLanguage = session.LanguagePreference
	}
	m.phase = PhaseActive
	snapshot := *session
	m.mu.Unlock()

	m.log.Info().Str("sessionId", session.SessionID).Int("messages", len(messages)).Msg("session resumed")
	return &snapshot, nil
}

// SendMessage runs one conversation turn: lock the language if this is the
// first user message in Auto mode, optimistically append the user message,
// await the engine reply, apply any language-switch directive, append the
// reply, and schedule summary generation when the count crosses a multiple
// of ten. This is the only operation the caller blocks on.
func (m *Machine) SendMessage(ctx context.Context, text string) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if m.inFlight {
		m.mu.Unlock()
		return nil, ErrReplyInFlight
	}
	m.inFlight = true

	// The lock decision must land before the engine call is issued.
	if !m.hasUserMessage && m.uiChoice == models.ChoiceAuto && m.sessionLanguage == "" {
		detected := language.Detect(text)
		m.sessionLanguage = detected
		m.session.LanguagePreference = detected
		m.log.Info().Str("language", string(detected)).Msg("session language locked from first message")
		m.updateSessionLanguageAsync(detected)
		m.savePreferencesAsync()
	}

	switchReq, _ := language.DetectExplicitSwitchRequest(text)

	userMsg := m.newMessageLocked(models.RoleUser, text)
	m.appendLocked(userMsg)
	m.hasUserMessage = true
	m.persistAsyncLocked(userMsg)

	effective := m.effectiveLanguageLocked()
	history := append([]models.Message(nil), m.messages...)
	version := m.langVersion
	sessionID := m.session.SessionID
	m.mu.Unlock()

	reply, err := m.engine.GenerateResponse(ctx, services.Request{
		UserMessage:           text,
		UserID:                m.userID,
		Language:              effective,
		History:               history,
		LanguageSwitchRequest: switchReq,
	})

	m.mu.Lock()
	m.inFlight = false
	if m.session == nil || m.session.SessionID != sessionID {
		// The session was cleared (or replaced) while the reply was in
		// flight. Drop the reply; the user message is already gone.
		m.mu.Unlock()
		m.log.Info().Str("sessionId", sessionID).Msg("reply dropped, session cleared mid-turn")
		return nil, ErrNoActiveSession
	}
	if err != nil {
		// The user's message stays appended; resending retries the turn.
		m.phase = PhaseError
		m.mu.Unlock()
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	if reply.ShouldSwitchLanguage != "" && m.langVersion == version {
		// The engine-confirmed switch is the one mid-session lock change
		// outside first-message detection. An explicit dropdown change made
		// while the reply was in flight bumps the version and wins instead.
		m.sessionLanguage = reply.ShouldSwitchLanguage
		m.uiChoice = choiceFor(reply.ShouldSwitchLanguage)
		m.session.LanguagePreference = reply.ShouldSwitchLanguage
		m.log.Info().Str("language", string(reply.ShouldSwitchLanguage)).Msg("session language switched by engine directive")
		m.updateSessionLanguageAsync(reply.ShouldSwitchLanguage)
		m.savePreferencesAsync()
	}

	aiMsg := m.newMessageLocked(models.RoleAI, reply.Message)
	aiMsg.Emotion = reply.Emotion
	aiMsg.Suggestions = reply.Suggestions
	aiMsg.JournalPrompt = reply.JournalPrompt
	aiMsg.MoodContext = reply.MoodContext
	aiMsg.CrisisResponse = reply.CrisisDetected
	m.appendLocked(aiMsg)
	m.persistAsyncLocked(aiMsg)

	if block := len(m.messages) / 10; len(m.messages) >= 10 && block > m.summarizedBlock {
		m.summarizedBlock = block
		m.scheduleSummaryLocked(sessionID)
	}

	m.phase = PhaseActive
	result := &SendResult{
		UserMessage: userMsg,
		Reply:       aiMsg,
		Language:    m.sessionLanguage,
	}
	m.mu.Unlock()
	return result, nil
}

// SetUILanguageChoice applies a dropdown selection. A concrete language
// locks immediately, taking precedence over any future auto-detection. Auto
// unlocks only while no user message has been sent; an established lock
// stays for the current session and detection re-arms on the next one.
func (m *Machine) SetUILanguageChoice(ctx context.Context, choice models.LanguageChoice) {
	m.mu.Lock()
	m.uiChoice = choice
	m.langVersion++

	if lang, ok := choice.Language(); ok {
		m.sessionLanguage = lang
		if m.session != nil {
			m.session.LanguagePreference = lang
			m.updateSessionLanguageAsync(lang)
		}
	} else if !m.hasUserMessage {
		m.sessionLanguage = ""
		if m.session != nil {
			m.session.LanguagePreference = ""
		}
	}
	m.savePreferencesAsync()
	m.mu.Unlock()
}

// ClearSession discards in-memory state and fires the external context
// resets. Local state clears even when those calls fail.
func (m *Machine) ClearSession(ctx context.Context) {
	m.clear()
}

// ResetSession is ClearSession plus clearing any soft error state.
func (m *Machine) ResetSession(ctx context.Context) {
	m.clear()
	m.mu.Lock()
	m.softErr = nil
	m.mu.Unlock()
}

func (m *Machine) clear() {
	m.mu.Lock()
	m.phase = PhaseCleared
	m.session = nil
	m.messages = nil
	m.seen = make(map[string]struct{})
	m.nextSeq = 0
	m.greeted = false
	m.hasUserMessage = false
	m.summarizedBlock = 0
	m.mu.Unlock()

	m.sideEffectWG.Add(1)
	go func() {
		defer m.sideEffectWG.Done()
		rctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if res := m.vector.ResetContext(rctx, m.userID); !res.Success {
			m.log.Warn().Str("error", res.Error).Msg("vector context reset failed")
		}
		if err := m.contextStore.Clear(rctx, m.userID); err != nil {
			m.log.Warn().Err(err).Msg("context store clear failed")
		}
	}()
}

// CloseSession generates a final summary and marks the session inactive.
func (m *Machine) CloseSession(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || !m.session.IsActive {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := m.session.SessionID
	m.session.IsActive = false
	m.mu.Unlock()

	return m.gateway.CloseSession(ctx, m.userID, sessionID, m.engine.CallCompletion)
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Session returns a copy of the current session, or nil.
func (m *Machine) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Messages returns the display-ordered message list.
func (m *Machine) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// LanguageState reports the dropdown value and the locked session language
// (empty while unlocked).
func (m *Machine) LanguageState() (models.LanguageChoice, models.Language) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uiChoice, m.sessionLanguage
}

// Err returns the soft error left by absorbed persistence failures.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softErr
}

// Flush waits for in-flight persistence and side-effect goroutines. Used on
// graceful shutdown and in tests.
func (m *Machine) Flush() {
	m.persistWG.Wait()
	m.sideEffectWG.Wait()
}

func (m *Machine) newMessageLocked(role models.Role, content string) models.Message {
	msg := models.Message{
		ID:        m.ids.NewMessageID(role),
		Type:      role,
		Content:   content,
		Timestamp: m.now(),
		Seq:       m.nextSeq,
	}
	m.nextSeq++
	return msg
}

// appendLocked adds a message to the display list, rejecting duplicate ids.
func (m *Machine) appendLocked(msg models.Message) bool {
	if _, dup := m.seen[msg.ID]; dup {
		m.log.Warn().Str("messageId", msg.ID).Msg("duplicate message append ignored")
		return false
	}
	m.seen[msg.ID] = struct{}{}
	m.messages = append(m.messages, msg)
	if m.session != nil {
		m.session.MessageCount = len(m.messages)
		m.session.LastUpdated = msg.Timestamp
	}
	return true
}

func (m *Machine) effectiveLanguageLocked() models.Language {
	if m.sessionLanguage != "" {
		return m.sessionLanguage
	}
	if lang, ok := m.uiChoice.Language(); ok {
		return lang
	}
	return models.LanguageEnglish
}

// persistAsyncLocked saves one message in the background. A failed save
// leaves the message visible with saved=false and sets the soft error.
func (m *Machine) persistAsyncLocked(msg models.Message) {
	sessionID := m.session.SessionID
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := m.gateway.SaveMessage(pctx, m.userID, sessionID, msg); err != nil {
			m.log.Warn().Err(err).Str("messageId", msg.ID).Msg("message left unsaved")
			m.noteSoftError(err)
			return
		}
		m.markSaved(msg.ID)
	}()
}

func (m *Machine) markSaved(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].Saved = true
			return
		}
	}
}

func (m *Machine) noteSoftError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softErr = err
}

func (m *Machine) savePreferencesAsync() {
	prefs := models.Preferences{
		UserID:          m.userID,
		UILanguage:      m.uiChoice,
		SessionLanguage: m.sessionLanguage,
	}
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = m.gateway.SavePreferences(pctx, prefs)
	}()
}

func (m *Machine) updateSessionLanguageAsync(lang models.Language) {
	sessionID := m.session.SessionID
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = m.gateway.UpdateSessionMetadata(pctx, m.userID, sessionID, map[string]any{"languagePreference": lang})
	}()
}

func (m *Machine) closePreviousLocked(sessionID string) {
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.gateway.CloseSession(pctx, m.userID, sessionID, m.engine.CallCompletion); err != nil {
			m.log.Warn().Err(err).Str("sessionId", sessionID).Msg("best-effort close failed")
		}
	}()
}

func (m *Machine) scheduleSummaryLocked(sessionID string) {
	m.summariesStarted++
	m.sideEffectWG.Add(1)
	time.AfterFunc(m.summaryDelay, func() {
		defer m.sideEffectWG.Done()
		sctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := m.gateway.GenerateSessionSummary(sctx, m.userID, sessionID, m.engine.CallCompletion); err != nil {
			m.log.Warn().Err(err).Str("sessionId", sessionID).Msg("scheduled summary failed")
		}
	})
}

func choiceFor(lang models.Language) models.LanguageChoice {
	switch lang {
	case models.LanguageHindi:
		return models.ChoiceHindi
	case models.LanguageHinglish:
		return models.ChoiceHinglish
	default:
		return models.ChoiceEnglish
	}
}
