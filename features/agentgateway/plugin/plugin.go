// Package plugin implements agentgateway.Gateway over real OS subprocesses
// speaking gRPC, using hashicorp/go-plugin the way kadirpekel-hector's
// pkg/plugins/grpc wires an LLM provider plugin: one long-lived subprocess
// per agent binary, a magic-cookie handshake, and a broker-registered
// *grpc.Server on the plugin side.
package plugin

import (
	"context"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"goa.design/ashep/features/agentgateway/plugin/rpc"
)

// HandshakeConfig is shared between host and subprocess so an accidental
// direct invocation of the agent binary fails fast instead of hanging on a
// stdin/stdout handshake it doesn't understand.
var HandshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ASHEP_AGENT_PLUGIN",
	MagicCookieValue: "ashep_agent_v1",
}

const pluginKey = "agent"

// GRPCAgentPlugin adapts an rpc.Server implementation to go-plugin's
// plugin.GRPCPlugin, and adapts the host side's received connection back
// into an *rpc.Client.
type GRPCAgentPlugin struct {
	plugin.Plugin
	Impl rpc.Server // set on the subprocess side only
}

func (p *GRPCAgentPlugin) GRPCServer(_ *plugin.GRPCBroker, s *grpc.Server) error {
	s.RegisterService(&rpc.ServiceDesc, p.Impl)
	return nil
}

func (p *GRPCAgentPlugin) GRPCClient(_ context.Context, _ *plugin.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return rpc.NewClient(c), nil
}

// PluginMap is the map go-plugin's ClientConfig and ServeConfig both need,
// keyed by the single plugin kind this module dispenses.
func PluginMap(p *GRPCAgentPlugin) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{pluginKey: p}
}

// Serve runs impl as a plugin subprocess. Agent binaries call this from
// their main().
func Serve(impl rpc.Server) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(&GRPCAgentPlugin{Impl: impl}),
		GRPCServer:      plugin.DefaultGRPCServer,
	})
}
