// Package flow interprets a bot script graph as a finite-state walk. The
// engine holds a single current-node pointer, never a stack: there is no
// backtracking, and a node with no way forward simply parks until a human
// notices the broken graph.
package flow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"talkbox/internal/model"
)

// Callbacks connect the engine to the chat surface. All callbacks are
// invoked without engine locks held and may call back into the engine.
type Callbacks struct {
	// OnBotMessage renders text as an admin-authored bubble.
	OnBotMessage func(text string)
	// OnChoices presents a prompt and one button per choice.
	OnChoices func(prompt string, choices []string)
	// OnUserChoice renders the selected choice as a client-authored bubble.
	OnUserChoice func(text string)
	// OnHandoff fires when the walk exits flow mode.
	OnHandoff func()
}

// Config carries the engine's pacing. The delays are policy values, not
// load-bearing contracts.
type Config struct {
	MessageDelay   time.Duration // pause after a bot message before advancing
	HandoffDelay   time.Duration // pause on an attendant node before exiting
	HandoffMessage string
}

const (
	defaultMessageDelay   = time.Second
	defaultHandoffDelay   = 2 * time.Second
	defaultHandoffMessage = "One of our attendants will be with you shortly."
)

// Engine walks one flow definition. A new conversation gets a new engine.
type Engine struct {
	def *model.FlowDefinition
	cfg Config
	cb  Callbacks
	log *zap.Logger

	mu      sync.Mutex
	current *model.Node
	history []string
	active  bool
	gen     int // bumped on Stop/Choose to invalidate stale timers
	timer   *time.Timer
}

func NewEngine(def *model.FlowDefinition, cfg Config, cb Callbacks, log *zap.Logger) *Engine {
	if cfg.MessageDelay <= 0 {
		cfg.MessageDelay = defaultMessageDelay
	}
	if cfg.HandoffDelay <= 0 {
		cfg.HandoffDelay = defaultHandoffDelay
	}
	if cfg.HandoffMessage == "" {
		cfg.HandoffMessage = defaultHandoffMessage
	}
	return &Engine{def: def, cfg: cfg, cb: cb, log: log}
}

// Start enters the flow at its entry node. It returns false when the
// definition has no nodes; the caller falls back to the plain chat form.
func (e *Engine) Start() bool {
	entry := entryNode(e.def)
	if entry == nil {
		e.log.Info("Flow has no nodes, refusing to start")
		return false
	}
	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	e.enter(entry, 0)
	return true
}

// Active reports whether the walk is in flow mode.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Current returns the current node id, or "" when not parked on any node.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// History returns the ids of visited nodes in order.
func (e *Engine) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

// Stop abandons the walk without firing the hand-off callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.active = false
	e.current = nil
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}

// maxSilentHops bounds consecutive zero-delay transitions. Graphs may be
// cyclic, and a cycle of silent nodes would otherwise spin forever.
const maxSilentHops = 64

// Choose advances past the current choices node with the given choice
// index. Out-of-range indexes and calls on non-choice nodes are ignored.
func (e *Engine) Choose(index int) {
	e.mu.Lock()
	if !e.active || e.current == nil || e.current.Type != model.NodeTypeChoices {
		e.mu.Unlock()
		return
	}
	node := e.current
	if index < 0 || index >= len(node.Data.Choices) {
		e.mu.Unlock()
		e.log.Warn("Choice index out of range", zap.String("node", node.ID), zap.Int("index", index))
		return
	}
	e.gen++
	e.mu.Unlock()

	if e.cb.OnUserChoice != nil {
		e.cb.OnUserChoice(node.Data.Choices[index].Text)
	}

	next := nextNodeFromChoice(e.def, node.ID, index)
	if next == nil {
		e.log.Warn("No edge for selected choice, staying on node",
			zap.String("node", node.ID),
			zap.String("handle", fmt.Sprintf("choice-%d", index)),
		)
		return
	}
	e.enter(next, 0)
}

func (e *Engine) enter(node *model.Node, hops int) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.current = node
	e.history = append(e.history, node.ID)
	e.mu.Unlock()

	switch node.Type {
	case model.NodeTypeBotMessage:
		e.enterBotMessage(node, hops)
	case model.NodeTypeChoices:
		e.enterChoices(node)
	case model.NodeTypeAttendant:
		e.enterAttendant(node)
	default:
		// Unknown node kinds stall rather than crash or escalate.
		e.log.Warn("Unknown node type, parking",
			zap.String("node", node.ID),
			zap.String("type", string(node.Type)),
		)
	}
}

func (e *Engine) enterBotMessage(node *model.Node, hops int) {
	if node.Data.Message == "" {
		// Silent transition node: no bubble, no typing pause.
		if hops >= maxSilentHops {
			e.log.Warn("Silent node cycle, parking", zap.String("node", node.ID))
			return
		}
		e.advanceFrom(node, hops+1)
		return
	}
	if e.cb.OnBotMessage != nil {
		e.cb.OnBotMessage(node.Data.Message)
	}
	e.schedule(e.cfg.MessageDelay, func() { e.advanceFrom(node, 0) })
}

func (e *Engine) enterChoices(node *model.Node) {
	choices := make([]string, len(node.Data.Choices))
	for i, c := range node.Data.Choices {
		choices[i] = c.Text
	}
	if e.cb.OnChoices != nil {
		e.cb.OnChoices(node.Data.Message, choices)
	}
	// The walk now waits on Choose.
}

func (e *Engine) enterAttendant(node *model.Node) {
	if e.cb.OnBotMessage != nil {
		e.cb.OnBotMessage(e.cfg.HandoffMessage)
	}
	e.schedule(e.cfg.HandoffDelay, func() {
		e.mu.Lock()
		e.active = false
		e.current = nil
		e.mu.Unlock()
		if e.cb.OnHandoff != nil {
			e.cb.OnHandoff()
		}
	})
}

func (e *Engine) advanceFrom(node *model.Node, hops int) {
	e.mu.Lock()
	if !e.active || e.current == nil || e.current.ID != node.ID {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	next := nextNode(e.def, node.ID)
	if next == nil {
		e.log.Warn("No outgoing edge, parking", zap.String("node", node.ID))
		return
	}
	e.enter(next, hops)
}

// schedule arms the single transition timer. A Stop or Choose in the
// meantime invalidates the pending fire via the generation counter.
func (e *Engine) schedule(delay time.Duration, fn func()) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen
	e.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		stale := e.gen != gen
		e.mu.Unlock()
		if !stale {
			fn()
		}
	})
	e.mu.Unlock()
}
