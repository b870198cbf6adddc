package main

import (
	"fmt"
	"strings"

	"goa.design/ashep/features/agentgateway/plugin"
)

// agentBinaries implements flag.Value, collecting repeated -agent-binary
// flags of the form "agentID=path[:arg,arg,...]" into plugin.AgentBinary
// entries.
type agentBinaries struct {
	binaries []plugin.AgentBinary
}

func (a *agentBinaries) String() string {
	parts := make([]string, 0, len(a.binaries))
	for _, b := range a.binaries {
		parts = append(parts, fmt.Sprintf("%s=%s", b.AgentID, b.Path))
	}
	return strings.Join(parts, ",")
}

func (a *agentBinaries) Set(value string) error {
	id, rest, ok := strings.Cut(value, "=")
	if !ok || id == "" || rest == "" {
		return fmt.Errorf("agent-binary: want agentID=path[:arg,arg,...], got %q", value)
	}
	path, argList, _ := strings.Cut(rest, ":")
	var args []string
	if argList != "" {
		args = strings.Split(argList, ",")
	}
	a.binaries = append(a.binaries, plugin.AgentBinary{AgentID: id, Path: path, Args: args})
	return nil
}
