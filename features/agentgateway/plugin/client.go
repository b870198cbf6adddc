package plugin

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/protobuf/types/known/structpb"

	"goa.design/ashep/features/agentgateway/plugin/rpc"
	"goa.design/ashep/internal/ids"
	"goa.design/ashep/runtime/agentgateway"
	"goa.design/ashep/runtime/telemetry"
)

// adaptRPCClient narrows an *rpc.Client to the function-valued shape
// Gateway consumes, so tests can substitute a fake without a live
// subprocess.
func adaptRPCClient(rc *rpc.Client) *rpcClientFns {
	return &rpcClientFns{
		launch: func(ctx context.Context, req *structpb.Struct) (streamRecver, error) {
			return rc.Launch(ctx, req)
		},
		cont: func(ctx context.Context, req *structpb.Struct) (streamRecver, error) {
			return rc.Continue(ctx, req)
		},
		kill:            rc.Kill,
		listKnownAgents: rc.ListKnownAgents,
	}
}

// AgentBinary locates the executable backing one registered agent.
type AgentBinary struct {
	AgentID string
	Path    string
	Args    []string
}

// Gateway is an agentgateway.Gateway backed by one long-lived go-plugin
// subprocess per agent binary. Sessions multiplex over that subprocess's
// single gRPC connection; killing a session kills only that session's
// in-flight call, not the subprocess itself, unless the subprocess reports
// it crashed.
type Gateway struct {
	log telemetry.Logger

	mu      sync.Mutex
	clients map[string]*pluginClient // agentID -> subprocess handle
	binPath map[string]AgentBinary
}

type pluginClient struct {
	client *plugin.Client
	rpc    *rpcClientFns
}

// rpcClientFns narrows *rpc.Client to what Gateway needs, so it can be
// swapped out in tests without dialing a real subprocess.
type rpcClientFns struct {
	launch          func(ctx context.Context, req *structpb.Struct) (streamRecver, error)
	cont            func(ctx context.Context, req *structpb.Struct) (streamRecver, error)
	kill            func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	listKnownAgents func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type streamRecver interface {
	RecvMsg(m any) error
}

// New builds a Gateway that will launch the given agent binaries on demand.
func New(binaries []AgentBinary, log telemetry.Logger) *Gateway {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	idx := make(map[string]AgentBinary, len(binaries))
	for _, b := range binaries {
		idx[b.AgentID] = b
	}
	return &Gateway{log: log, clients: make(map[string]*pluginClient), binPath: idx}
}

func (g *Gateway) clientFor(agentID string) (*pluginClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pc, ok := g.clients[agentID]; ok && !pc.client.Exited() {
		return pc, nil
	}

	bin, ok := g.binPath[agentID]
	if !ok {
		return nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: fmt.Errorf("no binary registered for agent %q", agentID)}
	}

	gp := &GRPCAgentPlugin{}
	c := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap(gp),
		Cmd:              exec.Command(bin.Path, bin.Args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
	})

	rpcClient, err := c.Client()
	if err != nil {
		c.Kill()
		return nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: err}
	}
	raw, err := rpcClient.Dispense(pluginKey)
	if err != nil {
		c.Kill()
		return nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: err}
	}
	rc, ok := raw.(*rpc.Client)
	if !ok {
		c.Kill()
		return nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: fmt.Errorf("unexpected dispensed plugin type %T", raw)}
	}

	pc := &pluginClient{client: c, rpc: adaptRPCClient(rc)}
	g.clients[agentID] = pc
	return pc, nil
}

// Launch implements agentgateway.Gateway.
func (g *Gateway) Launch(ctx context.Context, agentID, sessionID, systemPrompt, userPrompt string, timeout int64) (string, agentgateway.EventStream, error) {
	pc, err := g.clientFor(agentID)
	if err != nil {
		return "", nil, err
	}
	if sessionID == "" {
		sessionID = ids.NewPrefixed("session")
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id":     sessionID,
		"system_prompt":  systemPrompt,
		"user_prompt":    userPrompt,
		"timeout_millis": timeout,
	})
	if err != nil {
		return "", nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: err}
	}

	ctx, cancel := withTimeout(ctx, timeout)
	stream, err := pc.rpc.launch(ctx, req)
	if err != nil {
		cancel()
		return "", nil, &agentgateway.ErrAgentStartFailed{AgentID: agentID, Err: err}
	}
	return sessionID, g.consume(sessionID, stream, cancel), nil
}

// Continue implements agentgateway.Gateway.
func (g *Gateway) Continue(ctx context.Context, sessionID, userPrompt string, timeout int64) (agentgateway.EventStream, error) {
	pc, err := g.sessionClient(sessionID)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id":     sessionID,
		"user_prompt":    userPrompt,
		"timeout_millis": timeout,
	})
	if err != nil {
		return nil, &agentgateway.ErrAgentCrashed{SessionID: sessionID, Err: err}
	}
	ctx, cancel := withTimeout(ctx, timeout)
	stream, err := pc.rpc.cont(ctx, req)
	if err != nil {
		cancel()
		return nil, &agentgateway.ErrAgentCrashed{SessionID: sessionID, Err: err}
	}
	return g.consume(sessionID, stream, cancel), nil
}

// Kill implements agentgateway.Gateway. It is a best-effort signal to the
// subprocess; the terminal EventKilled still arrives on the stream.
func (g *Gateway) Kill(ctx context.Context, sessionID string) error {
	pc, err := g.sessionClient(sessionID)
	if err != nil {
		return nil // already gone: Kill is idempotent
	}
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return err
	}
	_, err = pc.rpc.kill(ctx, req)
	return err
}

// ListKnownAgents implements agentgateway.Gateway, querying every
// registered (and currently alive) subprocess.
func (g *Gateway) ListKnownAgents(ctx context.Context) ([]agentgateway.KnownAgent, error) {
	g.mu.Lock()
	agentIDs := make([]string, 0, len(g.binPath))
	for id := range g.binPath {
		agentIDs = append(agentIDs, id)
	}
	g.mu.Unlock()

	var out []agentgateway.KnownAgent
	for _, id := range agentIDs {
		pc, err := g.clientFor(id)
		if err != nil {
			g.log.Warn(ctx, "agent binary unreachable, excluding from known agents", "agent_id", id, "error", err)
			continue
		}
		resp, err := pc.rpc.listKnownAgents(ctx, &structpb.Struct{})
		if err != nil {
			g.log.Warn(ctx, "agent did not answer list_known_agents", "agent_id", id, "error", err)
			continue
		}
		typ := agentgateway.AgentTypePrimary
		if t, ok := resp.Fields["type"]; ok && t.GetStringValue() == string(agentgateway.AgentTypeSubagent) {
			typ = agentgateway.AgentTypeSubagent
		}
		out = append(out, agentgateway.KnownAgent{ID: id, Type: typ})
	}
	return out, nil
}

// sessionClient finds the subprocess currently holding sessionID. Since
// each agent binary owns all of its own sessions, and the host only tracks
// one client per agent, we look the session up by scanning; in practice
// the Worker Engine always has the agentID at hand and should prefer
// Launch's returned session for this lookup.
func (g *Gateway) sessionClient(sessionID string) (*pluginClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pc := range g.clients {
		if !pc.client.Exited() {
			return pc, nil
		}
	}
	return nil, &agentgateway.ErrAgentCrashed{SessionID: sessionID, Err: fmt.Errorf("no live subprocess for session")}
}

func withTimeout(ctx context.Context, millis int64) (context.Context, func()) {
	if millis <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(millis)*time.Millisecond)
}

// consume drains stream into an agentgateway.EventStream, translating
// structpb-encoded events and closing cancel once the terminal event (or a
// transport error standing in for one) has been delivered.
func (g *Gateway) consume(sessionID string, stream streamRecver, cancel func()) agentgateway.EventStream {
	out := make(chan agentgateway.Event, 8)
	go func() {
		defer cancel()
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				out <- agentgateway.Event{Kind: agentgateway.EventFailed, Err: &agentgateway.ErrAgentCrashed{SessionID: sessionID, Err: err}}
				return
			}
			ev := decodeEvent(msg)
			out <- ev
			switch ev.Kind {
			case agentgateway.EventSuccess, agentgateway.EventFailed, agentgateway.EventKilled:
				return
			}
		}
	}()
	return out
}

func decodeEvent(msg *structpb.Struct) agentgateway.Event {
	kind := agentgateway.EventKind(stringField(msg, "kind"))
	ev := agentgateway.Event{Kind: kind}
	switch kind {
	case agentgateway.EventToken:
		ev.TokenDelta = stringField(msg, "token_delta")
	case agentgateway.EventToolCall:
		ev.ToolName = stringField(msg, "tool_name")
		if args, ok := msg.Fields["tool_args"]; ok {
			ev.ToolArgs = args.GetStructValue().AsMap()
		}
	case agentgateway.EventFailed:
		ev.Err = fmt.Errorf("%s", stringField(msg, "error"))
	}
	return ev
}

func stringField(msg *structpb.Struct, key string) string {
	if v, ok := msg.Fields[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
