package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/mesh"
	"github.com/manifold-mesh/manifold/internal/registry"
	"github.com/manifold-mesh/manifold/internal/worker"
)

// Built-in demonstration skills. Real deployments register their own
// handlers; these make a fresh mesh usable out of the box.
var builtins = map[string]worker.Handler{
	"poetry":   poetrySkill,
	"plot":     plotSkill,
	"research": researchSkill,
}

func main() {
	name := flag.String("name", "manifold-agent", "agent name")
	listen := flag.String("listen", ":9001", "listen address for the task endpoint")
	publicURL := flag.String("url", "http://localhost:9001", "externally reachable agent URL")
	meshURL := flag.String("mesh", "http://localhost:8090", "orchestrator base URL")
	skills := flag.String("skills", "poetry", "comma-separated built-in skills to serve")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	card := registry.AgentCard{
		Name:        *name,
		Description: "manifold built-in agent",
		URL:         *publicURL,
		Version:     "1.0.0",
	}
	opts := worker.DefaultOptions()
	opts.ListenAddr = *listen
	agent := worker.New(card, *meshURL, opts, logger)

	for _, skill := range strings.Split(*skills, ",") {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			continue
		}
		handler, ok := builtins[skill]
		if !ok {
			logger.Fatal("Unknown built-in skill", zap.String("skill", skill))
		}
		agent.Handle(skill, handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		logger.Fatal("Agent exited", zap.Error(err))
	}
}

type taskRequest struct {
	Theme string `json:"theme"`
	Style string `json:"style"`
}

func decodeRequest(task mesh.Task) taskRequest {
	var payload struct {
		Theme   string          `json:"theme"`
		Style   string          `json:"style"`
		Request json.RawMessage `json:"request"`
	}
	_ = json.Unmarshal(task.Payload, &payload)
	req := taskRequest{Theme: payload.Theme, Style: payload.Style}
	if len(payload.Request) > 0 {
		var inner taskRequest
		if err := json.Unmarshal(payload.Request, &inner); err == nil {
			if req.Theme == "" {
				req.Theme = inner.Theme
			}
			if req.Style == "" {
				req.Style = inner.Style
			}
		}
	}
	if req.Theme == "" {
		req.Theme = "the open sea"
	}
	return req
}

func poetrySkill(_ context.Context, task mesh.Task) (json.RawMessage, error) {
	req := decodeRequest(task)
	verse := fmt.Sprintf("Upon %s the quiet light descends,\nand every ripple carries what it lends.", req.Theme)
	if req.Style == "haiku" {
		verse = fmt.Sprintf("still %s\nholds the morning in its palm\nnothing asks for more", req.Theme)
	}
	return json.Marshal(verse)
}

func plotSkill(_ context.Context, task mesh.Task) (json.RawMessage, error) {
	req := decodeRequest(task)
	outline := fmt.Sprintf(
		"Act I: a stranger arrives at %s. Act II: what they seek is already gone. Act III: they stay anyway.",
		req.Theme,
	)
	return json.Marshal(outline)
}

func researchSkill(_ context.Context, task mesh.Task) (json.RawMessage, error) {
	req := decodeRequest(task)
	notes := map[string]string{
		"topic":   req.Theme,
		"summary": fmt.Sprintf("Three sources agree that %s rewards patience; none agree on why.", req.Theme),
	}
	return json.Marshal(notes)
}
