package builtin

import (
	"log/slog"
	"path/filepath"

	"github.com/user/parley/internal/runtime"
	"github.com/user/parley/internal/types"
	"github.com/user/parley/pkg/llm"
)

// Deps are the collaborators the builtins need.
type Deps struct {
	Texter       Texter
	ModelSize    llm.ModelSize
	Memories     types.MemoryStore
	Fitter       Fitter
	RecentBudget int
	AgentID      types.AgentID
	AgentName    string
	DataDir      string
	BraveAPIKey  string
	Logger       *slog.Logger
}

// Register installs every builtin into reg. WEB_SEARCH is only registered
// when an API key is set.
func Register(reg *runtime.Registry, deps Deps) {
	facts := NewFacts(filepath.Join(deps.DataDir, "facts", string(deps.AgentID)+".md"))

	reg.RegisterAction(NewReply(deps.Texter, deps.ModelSize))
	reg.RegisterAction(Ignore{})
	reg.RegisterAction(None{})
	reg.RegisterAction(NewReadURL())
	if deps.BraveAPIKey != "" {
		reg.RegisterAction(NewWebSearch(deps.BraveAPIKey))
	}
	reg.RegisterAction(NewRemember(facts))
	reg.RegisterAction(NewForget(facts))

	reg.RegisterProvider(NewTime())
	if deps.Memories != nil {
		reg.RegisterProvider(NewRecentMessages(deps.Memories, deps.Fitter, deps.AgentID, deps.AgentName, deps.RecentBudget))
	}
	reg.RegisterProvider(Attachments{})
	reg.RegisterProvider(ContextBench{})
	reg.RegisterProvider(NewFactsProvider(facts))

	reg.RegisterEvaluator(NewResponseLog(deps.Logger))
}
