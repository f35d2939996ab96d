// Package messages owns the conversation's message set. The id-keyed map is
// the single source of truth; the rendered view is a pure projection of it
// and can be rebuilt at any time. Inserts are serialized and idempotent, so
// replayed realtime events and out-of-order arrivals converge to the same
// final state.
package messages

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"talkbox/internal/cache"
	"talkbox/internal/model"
)

const historyTTL = 24 * time.Hour

var placeholderRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)
var spaceRe = regexp.MustCompile(`\s+`)

// welcomeMatcher compiles a template like "Hi {{name}}!" into a matcher
// that treats each placeholder as a wildcard, so the resolved text for any
// visitor counts as the same welcome.
func welcomeMatcher(template string) *regexp.Regexp {
	template = normalize(template)
	if template == "" {
		return nil
	}
	parts := placeholderRe.Split(template, -1)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil
	}
	return re
}

type record struct {
	msg model.Message
	// preserveOriginal marks a user-authored pending message whose entry
	// must be re-keyed in place when the server id arrives, never removed
	// and re-appended.
	preserveOriginal bool
}

// Store holds one conversation's messages.
type Store struct {
	cache *cache.Cache
	log   *zap.Logger

	mu             sync.Mutex
	conversationID string
	byID           map[string]*record
	order          []string         // insertion order of ids
	welcome        *regexp.Regexp   // welcome template matcher, nil = no dedup
	visible        bool
	unread         int
}

func NewStore(conversationID string, c *cache.Cache, log *zap.Logger) *Store {
	return &Store{
		cache:          c,
		log:            log,
		conversationID: conversationID,
		byID:           make(map[string]*record),
	}
}

// SetWelcomeTemplate configures the welcome-message template used by the
// duplicate-welcome merge rule. Placeholders like {{name}} are ignored in
// the comparison.
func (s *Store) SetWelcomeTemplate(template string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcome = welcomeMatcher(template)
}

// SetVisible records whether the widget is currently shown. Remote messages
// arriving while hidden bump the unread counter.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = visible
}

// Unread returns the number of remote messages received while hidden.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// ClearUnread zeroes the unread counter.
func (s *Store) ClearUnread() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = 0
}

// Add inserts a message idempotently. Duplicate ids are a no-op, as is an
// empty or whitespace-only text. A remote admin message matching the
// welcome template merges into an already-present welcome instead of
// duplicating it. Returns true if the set changed.
func (s *Store) Add(msg model.Message, fromRemote bool) bool {
	s.mu.Lock()
	changed := s.add(msg, fromRemote, false)
	s.mu.Unlock()
	if changed {
		s.persist()
	}
	return changed
}

// AddPending inserts a user-authored message under its temporary id and
// marks it preserve-original for the eventual id swap.
func (s *Store) AddPending(msg model.Message) bool {
	s.mu.Lock()
	changed := s.add(msg, false, true)
	s.mu.Unlock()
	if changed {
		s.persist()
	}
	return changed
}

func (s *Store) add(msg model.Message, fromRemote, preserve bool) bool {
	if strings.TrimSpace(msg.Text) == "" {
		s.log.Debug("Ignoring empty message", zap.String("id", msg.ID))
		return false
	}
	if _, exists := s.byID[msg.ID]; exists {
		return false
	}
	if fromRemote && msg.Type == model.MessageTypeAdmin && s.isWelcome(msg.Text) {
		if existingID, ok := s.findWelcome(); ok {
			// Merge: adopt the authoritative id, keep the existing bubble.
			s.rekey(existingID, msg.ID)
			return true
		}
	}
	s.byID[msg.ID] = &record{msg: msg, preserveOriginal: preserve}
	s.order = append(s.order, msg.ID)
	if fromRemote && msg.Type == model.MessageTypeAdmin && !s.visible {
		s.unread++
	}
	return true
}

// Replace swaps a temporary id for the server-assigned message. A
// preserve-original entry keeps its position and text and is merely
// re-keyed; anything else is dropped and the server copy appended.
func (s *Store) Replace(tempID string, server model.Message) {
	s.mu.Lock()
	rec, ok := s.byID[tempID]
	if !ok {
		// The temp entry is gone (conversation reset or already confirmed
		// via the realtime echo); fall back to a plain idempotent insert.
		s.add(server, false, false)
		s.mu.Unlock()
		s.persist()
		return
	}
	if _, taken := s.byID[server.ID]; taken {
		// Server copy already arrived over the channel; drop the temp.
		s.remove(tempID)
		s.mu.Unlock()
		s.persist()
		return
	}
	if rec.preserveOriginal {
		s.rekey(tempID, server.ID)
		if server.Timestamp != "" {
			s.byID[server.ID].msg.Timestamp = server.Timestamp
		}
	} else {
		s.remove(tempID)
		s.add(server, false, false)
	}
	s.mu.Unlock()
	s.persist()
}

// Messages returns the messages in insertion order.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]model.Message, 0, len(s.order))
	for _, id := range s.order {
		msgs = append(msgs, s.byID[id].msg)
	}
	return msgs
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Rehydrate loads previously persisted or fetched history through the
// normal dedup path.
func (s *Store) Rehydrate(msgs []model.Message) {
	for _, m := range msgs {
		s.Add(m, true)
	}
}

// LoadCached restores the conversation's cached history, if any.
func (s *Store) LoadCached() bool {
	var msgs []model.Message
	if !s.cache.Get(cache.ConversationKey(s.conversationID, "history"), &msgs) {
		return false
	}
	s.Rehydrate(msgs)
	return true
}

func (s *Store) persist() {
	s.cache.Set(cache.ConversationKey(s.conversationID, "history"), s.Messages(), historyTTL)
}

// rekey moves a record to a new id keeping its slot in the order.
func (s *Store) rekey(oldID, newID string) {
	rec := s.byID[oldID]
	delete(s.byID, oldID)
	rec.msg.ID = newID
	s.byID[newID] = rec
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
}

func (s *Store) remove(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, ordered := range s.order {
		if ordered == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) isWelcome(text string) bool {
	return s.welcome != nil && s.welcome.MatchString(normalize(text))
}

func (s *Store) findWelcome() (string, bool) {
	for _, id := range s.order {
		rec := s.byID[id]
		if rec.msg.Type == model.MessageTypeAdmin && s.isWelcome(rec.msg.Text) {
			return id, true
		}
	}
	return "", false
}

// normalize collapses whitespace before matching.
func normalize(text string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}
