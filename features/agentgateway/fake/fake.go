// Package fake provides a deterministic in-memory agentgateway.Gateway for
// Worker, Monitor, and Policy tests: scripted success, failure, stall, and
// timeout sequences without spawning a subprocess.
package fake

import (
	"context"
	"sync"

	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/agentgateway"
)

// Script describes how a session launched for a given agent ID behaves.
type Script struct {
	// Events are emitted in order, spaced apart only by scheduling, not
	// wall-clock delay (tests should not need real sleeps).
	Events []agentgateway.Event
	// Stall, if true, never emits a terminal event: Kill is the only way
	// the stream ends, exercising Monitor Engine stall/timeout detection.
	Stall bool
}

// Gateway is an in-memory agentgateway.Gateway driven by per-agent Scripts.
type Gateway struct {
	mu       sync.Mutex
	scripts  map[string]Script
	sessions map[string]chan struct{} // sessionID -> kill signal
	known    []agentgateway.KnownAgent
}

// New builds a Gateway. scripts maps agentID to the Script its sessions
// will replay; known lists the agents ListKnownAgents reports.
func New(scripts map[string]Script, known []agentgateway.KnownAgent) *Gateway {
	return &Gateway{scripts: scripts, sessions: make(map[string]chan struct{}), known: known}
}

func (g *Gateway) Launch(_ context.Context, agentID, sessionID, _, _ string, _ int64) (string, agentgateway.EventStream, error) {
	script, ok := g.scripts[agentID]
	if !ok {
		return "", nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID}
	}
	if sessionID == "" {
		sessionID = ids.NewPrefixed("session")
	}
	kill := make(chan struct{})
	g.mu.Lock()
	g.sessions[sessionID] = kill
	g.mu.Unlock()

	return sessionID, g.run(sessionID, script, kill), nil
}

func (g *Gateway) Continue(_ context.Context, sessionID, _ string, _ int64) (agentgateway.EventStream, error) {
	g.mu.Lock()
	kill, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return nil, &agentgateway.ErrAgentCrashed{SessionID: sessionID}
	}
	// Continuation does not replay the script attached at Launch: it always
	// emits a single success event. A fixture-specific agentID isn't tracked
	// per-session here because tests script whole sessions up front.
	return g.run(sessionID, Script{Events: []agentgateway.Event{{Kind: agentgateway.EventSuccess}}}, kill), nil
}

func (g *Gateway) Kill(_ context.Context, sessionID string) error {
	g.mu.Lock()
	kill, ok := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	if ok {
		close(kill)
	}
	return nil
}

func (g *Gateway) ListKnownAgents(context.Context) ([]agentgateway.KnownAgent, error) {
	return g.known, nil
}

func (g *Gateway) run(sessionID string, script Script, kill chan struct{}) agentgateway.EventStream {
	out := make(chan agentgateway.Event, len(script.Events)+1)
	go func() {
		defer close(out)
		for _, ev := range script.Events {
			select {
			case <-kill:
				out <- agentgateway.Event{Kind: agentgateway.EventKilled, Err: &agentgateway.ErrAgentKilled{SessionID: sessionID}}
				return
			case out <- ev:
			}
		}
		if script.Stall {
			<-kill
			out <- agentgateway.Event{Kind: agentgateway.EventKilled, Err: &agentgateway.ErrAgentKilled{SessionID: sessionID}}
		}
	}()
	return out
}
