package engine

import (
	"context"
	"slices"
	"sync"

	"podlink/cli/internal/model"
	"podlink/cli/internal/wrapper"
)

// command is one launch request. A nil Wrapper runs on the host.
type command struct {
	Launcher string
	Args     []string
	Wrapper  *wrapper.Wrapper
}

// Variant describes one runtime x host combination. Everything that differs
// between combinations is either data or one of the hooks below.
type Variant struct {
	Host        model.EngineHost
	Label       string
	Description string
	Notes       string
	Program     string
	// Controller is the host program owning the scope, empty for unscoped hosts.
	Controller   string
	ScopeKind    wrapper.Kind
	DefaultScope string
	// SupportedOS gates the engine, nil means every OS.
	SupportedOS []model.OperatingSystem
	BaseURL     string
	InfoFormat  string
	// ProgramInScope is set when the engine program is installed inside the scope.
	ProgramInScope bool
	// StartNotRequired hosts are served by a relay, the API needs no start command.
	StartNotRequired bool
	// CanReset is false for engines without a `system reset` concept.
	CanReset bool

	expectedConnection func(env Environment, id, scope string, rootfull bool) model.ApiConnection
	detectConnection   func(ctx context.Context, c *Client, s model.EngineConnectorSettings) model.ApiConnection
	apiCommand         func(ctx context.Context, c *Client, s model.EngineConnectorSettings) *command
	stopCommand        func(c *Client, s model.EngineConnectorSettings) *command
}

func (v *Variant) Runtime() model.ContainerRuntime { return v.Host.Runtime() }

func (v *Variant) Scoped() bool { return v.Controller != "" }

func (v *Variant) supports(osType model.OperatingSystem) bool {
	return v.SupportedOS == nil || slices.Contains(v.SupportedOS, osType)
}

var (
	tableOnce sync.Once
	table     []*Variant
	byHost    map[model.EngineHost]*Variant
)

func loadTable() {
	tableOnce.Do(func() {
		table = append(podmanVariants(), dockerVariants()...)
		byHost = make(map[model.EngineHost]*Variant, len(table))
		for _, v := range table {
			byHost[v.Host] = v
		}
	})
}

// Variants returns every known combination in registration order.
func Variants() []*Variant {
	loadTable()
	return append([]*Variant(nil), table...)
}

func LookupVariant(host model.EngineHost) (*Variant, bool) {
	loadTable()
	v, ok := byHost[host]
	return v, ok
}

// NewClients builds the default client of every variant.
func NewClients(deps Deps) []*Client {
	variants := Variants()
	out := make([]*Client, 0, len(variants))
	for _, v := range variants {
		out = append(out, NewClient(v, "", deps))
	}
	return out
}
