package flow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talkbox/internal/model"
)

// recorder collects callback invocations for assertions.
type recorder struct {
	mu       sync.Mutex
	bot      []string
	choices  [][]string
	prompts  []string
	selected []string
	handoffs int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnBotMessage: func(text string) {
			r.mu.Lock()
			r.bot = append(r.bot, text)
			r.mu.Unlock()
		},
		OnChoices: func(prompt string, choices []string) {
			r.mu.Lock()
			r.prompts = append(r.prompts, prompt)
			r.choices = append(r.choices, choices)
			r.mu.Unlock()
		},
		OnUserChoice: func(text string) {
			r.mu.Lock()
			r.selected = append(r.selected, text)
			r.mu.Unlock()
		},
		OnHandoff: func() {
			r.mu.Lock()
			r.handoffs++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) botMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bot...)
}

func (r *recorder) handoffCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handoffs
}

func fastConfig() Config {
	return Config{
		MessageDelay:   5 * time.Millisecond,
		HandoffDelay:   5 * time.Millisecond,
		HandoffMessage: "handoff",
	}
}

func node(id string, typ model.NodeType, message string, choices ...string) model.Node {
	n := model.Node{ID: id, Type: typ, Data: model.NodeData{Message: message}}
	for _, c := range choices {
		n.Data.Choices = append(n.Data.Choices, model.Choice{Text: c})
	}
	return n
}

func TestEngine_EntrySelection(t *testing.T) {
	tests := []struct {
		name  string
		nodes []model.Node
		want  string
	}{
		{
			name: "node named start wins",
			nodes: []model.Node{
				node("a", model.NodeTypeChoices, "q", "x"),
				node("start", model.NodeTypeChoices, "s", "y"),
			},
			want: "start",
		},
		{
			name: "first botMessage next",
			nodes: []model.Node{
				node("a", model.NodeTypeChoices, "q", "x"),
				node("b", model.NodeTypeBotMessage, "hi"),
			},
			want: "b",
		},
		{
			name: "first node as last resort",
			nodes: []model.Node{
				node("a", model.NodeTypeChoices, "q", "x"),
				node("b", model.NodeTypeChoices, "q2", "y"),
			},
			want: "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			e := NewEngine(&model.FlowDefinition{Nodes: tt.nodes}, fastConfig(), rec.callbacks(), zap.NewNop())
			require.True(t, e.Start())
			assert.Equal(t, tt.want, e.Current())
		})
	}
}

func TestEngine_RefusesEmptyFlow(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(&model.FlowDefinition{}, fastConfig(), rec.callbacks(), zap.NewNop())
	assert.False(t, e.Start())
	assert.False(t, e.Active())
}

func TestEngine_BotMessageAdvancesAfterDelay(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("start", model.NodeTypeBotMessage, "hello"),
			node("next", model.NodeTypeChoices, "pick", "A"),
		},
		Edges: []model.Edge{{Source: "start", Target: "next"}},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	assert.Equal(t, []string{"hello"}, rec.botMessages())
	require.Eventually(t, func() bool { return e.Current() == "next" }, time.Second, 2*time.Millisecond)
}

func TestEngine_EmptyBotMessageAdvancesSilently(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("start", model.NodeTypeBotMessage, ""),
			node("real", model.NodeTypeBotMessage, "visible"),
		},
		Edges: []model.Edge{{Source: "start", Target: "real"}},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	// No timer involved: the empty node advances on the spot.
	assert.Equal(t, "real", e.Current())
	assert.Equal(t, []string{"visible"}, rec.botMessages())
}

func TestEngine_ChoiceRouting(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("q", model.NodeTypeChoices, "", "A", "B"),
			node("x", model.NodeTypeChoices, "", "C"),
		},
		Edges: []model.Edge{{Source: "q", Target: "x", SourceHandle: "choice-1"}},
	}

	t.Run("matching handle advances", func(t *testing.T) {
		rec := &recorder{}
		e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
		require.True(t, e.Start())

		e.Choose(1)
		assert.Equal(t, "x", e.Current())
		assert.Equal(t, []string{"B"}, rec.selected)
	})

	t.Run("unwired choice parks", func(t *testing.T) {
		rec := &recorder{}
		e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
		require.True(t, e.Start())

		e.Choose(0)
		assert.Equal(t, "q", e.Current())
		assert.True(t, e.Active())
	})
}

func TestEngine_ChoiceFallsBackToUnkeyedEdge(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("q", model.NodeTypeChoices, "", "A", "B"),
			node("x", model.NodeTypeBotMessage, "dest"),
		},
		Edges: []model.Edge{{Source: "q", Target: "x"}},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	e.Choose(0)
	assert.Equal(t, "x", e.Current())
}

func TestEngine_ChoiceIndexOutOfRange(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{node("q", model.NodeTypeChoices, "", "A")},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	e.Choose(5)
	e.Choose(-1)
	assert.Equal(t, "q", e.Current())
	assert.Empty(t, rec.selected)
}

func TestEngine_AttendantHandsOff(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{node("human", model.NodeTypeAttendant, "")},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	assert.Equal(t, []string{"handoff"}, rec.botMessages())
	require.Eventually(t, func() bool { return rec.handoffCount() == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, e.Active())
	assert.Equal(t, "", e.Current())
}

func TestEngine_MissingEdgeParks(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{node("start", model.NodeTypeBotMessage, "dead end")},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	time.Sleep(30 * time.Millisecond)
	// Still parked on the node, still in flow mode, no hand-off.
	assert.Equal(t, "start", e.Current())
	assert.True(t, e.Active())
	assert.Equal(t, 0, rec.handoffCount())
}

func TestEngine_UnknownNodeTypeParks(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("start", model.NodeTypeBotMessage, "hi"),
			{ID: "weird", Type: "hologram"},
		},
		Edges: []model.Edge{{Source: "start", Target: "weird"}},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())

	require.Eventually(t, func() bool { return e.Current() == "weird" }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "weird", e.Current())
	assert.True(t, e.Active())
}

func TestEngine_SilentCycleDoesNotSpin(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("a", model.NodeTypeBotMessage, ""),
			node("b", model.NodeTypeBotMessage, ""),
		},
		Edges: []model.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	// Start must return rather than recurse forever.
	require.True(t, e.Start())
	assert.True(t, e.Active())
}

func TestEngine_StopCancelsPendingAdvance(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("start", model.NodeTypeBotMessage, "hello"),
			node("next", model.NodeTypeBotMessage, "never"),
		},
		Edges: []model.Edge{{Source: "start", Target: "next"}},
	}
	rec := &recorder{}
	e := NewEngine(def, Config{MessageDelay: 20 * time.Millisecond}, rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())
	e.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.botMessages())
	assert.False(t, e.Active())
}

func TestEngine_HistoryRecordsWalk(t *testing.T) {
	def := &model.FlowDefinition{
		Nodes: []model.Node{
			node("start", model.NodeTypeBotMessage, ""),
			node("q", model.NodeTypeChoices, "pick", "A"),
			node("end", model.NodeTypeBotMessage, "bye"),
		},
		Edges: []model.Edge{
			{Source: "start", Target: "q"},
			{Source: "q", Target: "end", SourceHandle: "choice-0"},
		},
	}
	rec := &recorder{}
	e := NewEngine(def, fastConfig(), rec.callbacks(), zap.NewNop())
	require.True(t, e.Start())
	e.Choose(0)

	assert.Equal(t, []string{"start", "q", "end"}, e.History())
}
