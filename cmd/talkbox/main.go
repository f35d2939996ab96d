package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"talkbox/internal/cache"
	"talkbox/internal/config"
	"talkbox/internal/identity"
	"talkbox/internal/messages"
	"talkbox/internal/model"
	"talkbox/internal/schema"
	"talkbox/internal/session"
	"talkbox/internal/stub"
	"talkbox/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.LogLevel == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		runClient(cfg, logger)
	case "stub":
		runStub(cfg, logger)
	default:
		log.Fatalf("Unknown command: %s (use 'run' or 'stub')", cmd)
	}
}

// runClient drives an interactive chat session on the terminal. Plain
// lines are sent as messages; /name, /choose, /open, /hide, /reset and
// /end exercise the rest of the session surface.
func runClient(cfg config.Config, logger *zap.Logger) {
	store, err := cache.NewFileStore(cfg.StateDir)
	if err != nil {
		logger.Fatal("Failed to open state directory", zap.Error(err))
	}
	localCache := cache.New(store, logger)
	ident := identity.New(localCache, logger)
	validator := schema.NewValidator(16)
	api := transport.New(cfg.APIBaseURL, validator, logger)

	// Renders arrive from the session's own goroutines as well as ours.
	var printedMu sync.Mutex
	printed := make(map[string]bool)
	ui := session.UI{
		RenderMessages: func(bubbles []messages.Bubble) {
			printedMu.Lock()
			defer printedMu.Unlock()
			for _, b := range bubbles {
				if printed[b.ID] {
					continue
				}
				printed[b.ID] = true
				if b.Align == messages.AlignRight {
					fmt.Printf("          you > %s\n", b.Text)
				} else {
					fmt.Printf("agent > %s\n", b.Text)
				}
			}
		},
		ShowUserForm: func() {
			fmt.Println("* introduce yourself with /name <name> [email]")
		},
		ShowChatInput: func() {
			fmt.Println("* type a message and press enter")
		},
		ShowChoices: func(prompt string, choices []string) {
			for i, c := range choices {
				fmt.Printf("  [%d] %s\n", i, c)
			}
			fmt.Println("* pick one with /choose <n>")
		},
		ShowTyping: func(state model.TypingState) {
			if state.IsTyping {
				name := "agent"
				if state.User != nil && state.User.Name != "" {
					name = state.User.Name
				}
				fmt.Printf("... %s is typing\n", name)
			}
		},
		ShowError: func(text string) { fmt.Println("! " + text) },
		ShowInfo:  func(text string) { fmt.Println("* " + text) },
	}

	sess := session.New(cfg, api, localCache, ident, ui, logger)
	ctx := context.Background()
	sess.Init(ctx)
	sess.Open(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		sess.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/name "):
			parts := strings.Fields(strings.TrimPrefix(line, "/name "))
			email := ""
			if len(parts) > 1 {
				email = parts[1]
			}
			if len(parts) > 0 {
				sess.SubmitUserInfo(ctx, parts[0], email)
			}
		case strings.HasPrefix(line, "/choose "):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/choose "))); err == nil {
				sess.Choose(n)
			}
		case line == "/open":
			sess.Open(ctx)
		case line == "/hide":
			sess.Hide()
		case line == "/reset":
			sess.Reset(ctx)
		case line == "/end":
			sess.End(ctx)
		case line == "/quit":
			sess.Close()
			return
		default:
			sess.Typing(true)
			sess.SendText(ctx, line)
			sess.Typing(false)
		}
	}
	sess.Close()
}

// runStub serves the in-memory backend stand-in with a small demo flow.
func runStub(cfg config.Config, logger *zap.Logger) {
	addr := os.Getenv("TALKBOX_STUB_ADDR")
	if addr == "" {
		addr = ":8900"
	}

	server := stub.NewServer(demoFlow(), logger)
	httpServer := &http.Server{Addr: addr, Handler: server.Routes()}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("Stub backend listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Stub backend failed", zap.Error(err))
	}
}

func demoFlow() *model.FlowDefinition {
	return &model.FlowDefinition{
		Name: "demo",
		Nodes: []model.Node{
			{ID: "start", Type: model.NodeTypeBotMessage, Data: model.NodeData{Message: "Hello! I'm the support bot."}},
			{ID: "topic", Type: model.NodeTypeChoices, Data: model.NodeData{
				Message: "What can I help you with?",
				Choices: []model.Choice{{Text: "Billing"}, {Text: "Technical issue"}, {Text: "Talk to a human"}},
			}},
			{ID: "billing", Type: model.NodeTypeBotMessage, Data: model.NodeData{Message: "You can review invoices in your account page."}},
			{ID: "tech", Type: model.NodeTypeBotMessage, Data: model.NodeData{Message: "Have you tried turning it off and on again?"}},
			{ID: "human", Type: model.NodeTypeAttendant},
		},
		Edges: []model.Edge{
			{Source: "start", Target: "topic"},
			{Source: "topic", Target: "billing", SourceHandle: "choice-0"},
			{Source: "topic", Target: "tech", SourceHandle: "choice-1"},
			{Source: "topic", Target: "human", SourceHandle: "choice-2"},
			{Source: "billing", Target: "human"},
			{Source: "tech", Target: "human"},
		},
	}
}
