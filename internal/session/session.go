// Package session wires the chat engine together: identity, cache,
// transport, realtime channel, message store and flow engine. One Session
// is constructed per embedded widget instance and passed by reference to
// everything that needs it; there are no package-level mutable globals.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"talkbox/internal/cache"
	"talkbox/internal/config"
	"talkbox/internal/flow"
	"talkbox/internal/identity"
	"talkbox/internal/messages"
	"talkbox/internal/model"
	"talkbox/internal/realtime"
	"talkbox/internal/transport"
)

const (
	userInfoKey    = "user_info"
	initializedKey = "initialized"
)

// UI receives the session's user-facing state changes. Unset callbacks are
// skipped; the view is a disposable projection, never a source of truth.
type UI struct {
	RenderMessages func(bubbles []messages.Bubble)
	ShowUserForm   func()
	ShowChatInput  func()
	ShowChoices    func(prompt string, choices []string)
	ShowTyping     func(state model.TypingState)
	ShowError      func(text string)
	ShowInfo       func(text string)
	UpdateUnread   func(count int)
}

// Session is the orchestrator for one conversation.
type Session struct {
	cfg   config.Config
	log   *zap.Logger
	cache *cache.Cache
	ident *identity.Identity
	api   *transport.Client
	ui    UI

	mu      sync.Mutex
	store   *messages.Store
	channel *realtime.Channel
	engine  *flow.Engine
	flowDef *model.FlowDefinition
	user    *model.UserInfo
	visible bool

	typingExpiry   *time.Timer
	typingDebounce *time.Timer
	lastTypingSent bool
}

func New(cfg config.Config, api *transport.Client, c *cache.Cache, ident *identity.Identity, ui UI, log *zap.Logger) *Session {
	return &Session{
		cfg:   cfg,
		log:   log,
		cache: c,
		ident: ident,
		api:   api,
		ui:    ui,
	}
}

// Init runs the startup sequence. Order matters: the existence check must
// precede the flow fetch and channel open so a stale conversation is reset
// before anything subscribes to its channel.
func (s *Session) Init(ctx context.Context) {
	id := s.ident.ID()
	s.bindConversation(id)

	var user model.UserInfo
	if s.cache.Get(cache.GlobalKey(userInfoKey), &user) && user.Name != "" {
		s.mu.Lock()
		s.user = &user
		s.mu.Unlock()
	}

	wasInitialized := false
	s.cache.Get(cache.ConversationKey(id, initializedKey), &wasInitialized)

	if wasInitialized {
		exists, err := s.api.ConversationExists(ctx, id)
		if err != nil {
			// Could not ask; assume the conversation is fine rather than
			// destroying local state on a flaky network.
			s.log.Warn("Existence check failed, continuing", zap.Error(err))
		} else if !exists {
			s.log.Info("Conversation gone server-side, resetting", zap.String("conversationId", id))
			id = s.ident.Reset()
			s.bindConversation(id)
			wasInitialized = false
		}
	}

	s.initFromFlow(ctx, id, wasInitialized)
}

// initFromFlow runs steps 3-6 of the startup sequence: flow fetch, initial
// view, realtime channel, history restore. Reset re-enters here.
func (s *Session) initFromFlow(ctx context.Context, id string, wasInitialized bool) {
	def := s.api.GetFlow(ctx)
	s.mu.Lock()
	s.flowDef = def
	user := s.user
	s.mu.Unlock()

	switch {
	case user != nil:
		s.call(s.ui.ShowChatInput)
		s.render()
	case def != nil:
		s.startFlow(def)
	default:
		s.call(s.ui.ShowUserForm)
	}

	s.openChannel(id)

	if wasInitialized {
		s.restoreHistory(ctx, id)
	}
	s.cache.Set(cache.ConversationKey(id, initializedKey), true, 0)
}

// SendText submits a visitor message: rendered immediately under a
// temporary id, confirmed asynchronously. The temp entry is re-keyed in
// place when the server id arrives, so the bubble never flickers or drops.
func (s *Session) SendText(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	id := s.ident.ID()
	temp := tempID()
	s.mu.Lock()
	store := s.store
	user := s.user
	s.mu.Unlock()

	store.AddPending(model.Message{
		ID:        temp,
		Text:      text,
		Type:      model.MessageTypeClient,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	s.render()

	go func() {
		result, err := s.api.SendMessage(ctx, text, model.MessageTypeClient, user, id)
		if err != nil {
			s.call1(s.ui.ShowError, "Your message could not be sent. Please try again.")
			return
		}
		// The conversation may have been reset while the request was in
		// flight; the stale store was discarded along with the temp entry.
		if s.ident.ID() != id {
			return
		}
		store.Replace(temp, result.Message)
		s.render()
	}()
}

// SubmitUserInfo captures the visitor's identity once and auto-sends the
// welcome message. User info is immutable for the session's lifetime.
func (s *Session) SubmitUserInfo(ctx context.Context, name, email string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	if s.user != nil {
		s.mu.Unlock()
		return
	}
	user := &model.UserInfo{Name: name, Email: strings.TrimSpace(email)}
	s.user = user
	store := s.store
	s.mu.Unlock()

	s.cache.Set(cache.GlobalKey(userInfoKey), user, 0)
	s.call(s.ui.ShowChatInput)

	welcome := resolveTemplate(s.cfg.WelcomeTemplate, name)
	if welcome == "" {
		return
	}
	id := s.ident.ID()
	temp := tempID()
	store.Add(model.Message{
		ID:        temp,
		Text:      welcome,
		Type:      model.MessageTypeAdmin,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, false)
	s.render()

	go func() {
		result, err := s.api.SendMessage(ctx, welcome, model.MessageTypeAdmin, user, id)
		if err != nil || s.ident.ID() != id {
			return
		}
		store.Replace(temp, result.Message)
		s.render()
	}()
}

// Choose forwards a flow choice selection to the engine.
func (s *Session) Choose(index int) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine != nil {
		engine.Choose(index)
	}
}

// Open shows the widget: re-check the conversation still exists, restore
// history, clear the unread badge.
func (s *Session) Open(ctx context.Context) {
	id := s.ident.ID()
	s.mu.Lock()
	s.visible = true
	store := s.store
	s.mu.Unlock()
	store.SetVisible(true)

	exists, err := s.api.ConversationExists(ctx, id)
	if err == nil && !exists {
		s.log.Info("Conversation gone server-side on open, resetting")
		s.Reset(ctx)
		return
	}

	s.restoreHistory(ctx, id)
	store.ClearUnread()
	s.call1int(s.ui.UpdateUnread, 0)
	s.render()
}

// Hide marks the widget closed; remote messages now bump the unread badge.
func (s *Session) Hide() {
	s.mu.Lock()
	s.visible = false
	store := s.store
	s.mu.Unlock()
	store.SetVisible(false)
}

// Reset tears the conversation down and starts a fresh one. User info is
// kept so the visitor is not asked their name again.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.engine != nil {
		s.engine.Stop()
		s.engine = nil
	}
	s.mu.Unlock()

	id := s.ident.Reset()
	s.bindConversation(id)
	s.render()
	s.initFromFlow(ctx, id, false)
}

// End deletes the conversation server-side. The resulting ChatDeleted event
// (observed by every subscriber, including us) performs the local reset.
func (s *Session) End(ctx context.Context) {
	_ = s.api.DeleteConversation(ctx, s.ident.ID())
}

// Close releases the session's resources without resetting anything.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.engine != nil {
		s.engine.Stop()
		s.engine = nil
	}
	stopTimer(s.typingExpiry)
	stopTimer(s.typingDebounce)
}

// Messages exposes the store's current contents, mainly for the harness.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	return store.Messages()
}

// Unread reports the current unread count.
func (s *Session) Unread() int {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	return store.Unread()
}

func (s *Session) bindConversation(id string) {
	store := messages.NewStore(id, s.cache, s.log)
	store.SetWelcomeTemplate(s.cfg.WelcomeTemplate)
	s.mu.Lock()
	store.SetVisible(s.visible)
	s.store = store
	s.mu.Unlock()
}

func (s *Session) startFlow(def *model.FlowDefinition) {
	engine := flow.NewEngine(def, flow.Config{
		MessageDelay:   s.cfg.MessageDelay,
		HandoffDelay:   s.cfg.HandoffDelay,
		HandoffMessage: s.cfg.HandoffMessage,
	}, flow.Callbacks{
		OnBotMessage: func(text string) {
			s.addLocal(text, model.MessageTypeAdmin)
		},
		OnChoices: func(prompt string, choices []string) {
			if prompt != "" {
				s.addLocal(prompt, model.MessageTypeAdmin)
			}
			s.call2(s.ui.ShowChoices, prompt, choices)
		},
		OnUserChoice: func(text string) {
			s.SendText(context.Background(), text)
		},
		OnHandoff: func() {
			s.mu.Lock()
			user := s.user
			s.mu.Unlock()
			if user != nil {
				s.call(s.ui.ShowChatInput)
			} else {
				s.call(s.ui.ShowUserForm)
			}
		},
	}, s.log)

	if !engine.Start() {
		s.call(s.ui.ShowUserForm)
		return
	}
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
}

func (s *Session) openChannel(id string) {
	s.mu.Lock()
	if s.channel != nil {
		s.channel.Close()
	}
	s.mu.Unlock()

	ch := realtime.NewChannel(realtime.Config{
		URL:               s.cfg.WSURL,
		ConversationID:    id,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		ResubscribeDelay:  s.cfg.ResubscribeDelay,
		Reconnect:         realtime.ConstantBackoff{Delay: s.cfg.ReconnectDelay},
	}, realtime.Handlers{
		OnMessage: func(msg model.Message) {
			if s.ident.ID() != id {
				return
			}
			s.mu.Lock()
			store := s.store
			s.mu.Unlock()
			if store.Add(msg, true) {
				s.render()
			}
		},
		OnTyping: s.handlePeerTyping,
		OnDeleted: func(conversationID string) {
			if conversationID != id || s.ident.ID() != id {
				return
			}
			s.call1(s.ui.ShowInfo, "This conversation has ended.")
			s.Reset(context.Background())
		},
	}, s.log)
	ch.Connect()

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

// restoreHistory prefers the backend's copy and falls back to the local
// cache only when the fetch itself failed. Everything goes through the
// dedup path, so restoring over live messages is harmless.
func (s *Session) restoreHistory(ctx context.Context, id string) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()

	msgs, ok := s.api.GetHistory(ctx, id)
	if !ok {
		if store.LoadCached() {
			s.log.Info("Restored history from local cache", zap.String("conversationId", id))
		}
	} else {
		store.Rehydrate(msgs)
	}
	s.render()
}

func (s *Session) addLocal(text string, typ model.MessageType) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	store.Add(model.Message{
		ID:        "flow_" + strings.ToLower(ulid.Make().String()),
		Text:      text,
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, false)
	s.render()
}

func (s *Session) render() {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return
	}
	s.call1bubbles(s.ui.RenderMessages, store.Render())
	s.call1int(s.ui.UpdateUnread, store.Unread())
}

func resolveTemplate(template, name string) string {
	resolved := strings.ReplaceAll(template, "{{name}}", name)
	return strings.TrimSpace(resolved)
}

func tempID() string {
	return "tmp_" + strings.ToLower(ulid.Make().String())
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nil-safe callback helpers

func (s *Session) call(fn func()) {
	if fn != nil {
		fn()
	}
}

func (s *Session) call1(fn func(string), arg string) {
	if fn != nil {
		fn(arg)
	}
}

func (s *Session) call2(fn func(string, []string), a string, b []string) {
	if fn != nil {
		fn(a, b)
	}
}

func (s *Session) call1int(fn func(int), arg int) {
	if fn != nil {
		fn(arg)
	}
}

func (s *Session) call1bubbles(fn func([]messages.Bubble), arg []messages.Bubble) {
	if fn != nil {
		fn(arg)
	}
}
