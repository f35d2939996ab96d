package session

import (
	"context"
	"time"

	"talkbox/internal/model"
)

const typingDebounce = 400 * time.Millisecond

// Typing reports the visitor's typing state. Outbound events are debounced
// so a burst of keystrokes produces one broadcast, and a stop event goes
// out immediately.
func (s *Session) Typing(isTyping bool) {
	s.mu.Lock()
	stopTimer(s.typingDebounce)
	if !isTyping {
		s.typingDebounce = nil
		last := s.lastTypingSent
		s.lastTypingSent = false
		user := s.user
		s.mu.Unlock()
		if last {
			s.api.BroadcastTyping(context.Background(), s.ident.ID(), false, user)
		}
		return
	}
	if s.lastTypingSent {
		// Already broadcast; let the receiver's expiry window ride.
		s.mu.Unlock()
		return
	}
	s.typingDebounce = time.AfterFunc(typingDebounce, func() {
		s.mu.Lock()
		s.lastTypingSent = true
		user := s.user
		s.mu.Unlock()
		s.api.BroadcastTyping(context.Background(), s.ident.ID(), true, user)
	})
	s.mu.Unlock()
}

// handlePeerTyping shows the indicator and forces it off after a fixed
// silence window. Typing events carry no sequence numbers; the expiry
// bounds staleness without needing ordering.
func (s *Session) handlePeerTyping(isTyping bool, user *model.UserInfo) {
	s.mu.Lock()
	stopTimer(s.typingExpiry)
	if isTyping {
		s.typingExpiry = time.AfterFunc(s.cfg.TypingExpiry, func() {
			if s.ui.ShowTyping != nil {
				s.ui.ShowTyping(model.TypingState{At: time.Now()})
			}
		})
	}
	s.mu.Unlock()

	if s.ui.ShowTyping != nil {
		s.ui.ShowTyping(model.TypingState{IsTyping: isTyping, User: user, At: time.Now()})
	}
}
