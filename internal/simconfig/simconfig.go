// Package simconfig parses the simulation document: which markets, agents and
// sessions exist, plus one parameter block per named entity keyed by class tag.
package simconfig

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
)

// Class tags accepted in "class" fields. The set is closed; anything else is
// a ConfigError at load time.
const (
	ClassMarket = "Market"

	ClassRLAgent       = "RLAgent"
	ClassFCNAgent      = "FCNAgent"
	ClassAFCNAgent     = "aFCNAgent"
	ClassLLMAwareAgent = "LLMAwareAgent"

	ClassInitialization        = "InitializationEvent"
	ClassLeadersPrioritizer    = "LeadersPrioritizer"
	ClassDividendProvider      = "DividendProvider"
	ClassFundamentalPriceShock = "FundamentalPriceShock"
)

var (
	marketClasses = map[string]bool{ClassMarket: true}
	agentClasses  = map[string]bool{
		ClassRLAgent: true, ClassFCNAgent: true, ClassAFCNAgent: true, ClassLLMAwareAgent: true,
	}
	eventClasses = map[string]bool{
		ClassInitialization: true, ClassLeadersPrioritizer: true,
		ClassDividendProvider: true, ClassFundamentalPriceShock: true,
	}
)

// ConfigError is fatal and always raised before any simulation starts.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("simulation config error at %s: %s", e.Path, e.Msg)
}

func configErr(path, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Session is one entry of simulation.sessions. Immutable once loaded.
type Session struct {
	Name                    string
	Index                   int
	IterationSteps          int
	WithOrderPlacement      bool
	WithOrderExecution      bool
	WithPrint               bool
	HighFrequencySubmitRate float64
	Events                  []string
}

// Document is a fully resolved simulation config.
type Document struct {
	Markets  []string
	Agents   []string
	Sessions []Session
	Blocks   map[string]Block
}

// TotalSteps is the number of steps in one pass over all sessions.
func (d *Document) TotalSteps() int {
	n := 0
	for _, s := range d.Sessions {
		n += s.IterationSteps
	}
	return n
}

// Block returns a named entity block.
func (d *Document) Block(name string) (Block, bool) {
	b, ok := d.Blocks[name]
	return b, ok
}

// Load reads and validates a simulation document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a simulation document.
func Parse(data []byte) (*Document, error) {
	var raw map[string]interface{}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, configErr("$", "malformed JSON: %v", err)
	}

	simRaw, ok := raw["simulation"].(map[string]interface{})
	if !ok {
		return nil, configErr("simulation", "missing or not an object")
	}

	blocks := make(map[string]Block)
	for name, v := range raw {
		if name == "simulation" {
			continue
		}
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		blocks[name] = Block{name: name, values: obj}
	}
	if err := resolveExtends(blocks); err != nil {
		return nil, err
	}

	doc := &Document{Blocks: blocks}
	sim := Block{name: "simulation", values: simRaw}

	var err error
	if doc.Markets, err = sim.strings("markets"); err != nil || len(doc.Markets) == 0 {
		return nil, configErr("simulation.markets", "must list at least one market")
	}
	if doc.Agents, err = sim.strings("agents"); err != nil || len(doc.Agents) == 0 {
		return nil, configErr("simulation.agents", "must list at least one agent group")
	}
	for _, m := range doc.Markets {
		if err := doc.requireClass("simulation.markets", m, marketClasses); err != nil {
			return nil, err
		}
	}
	for _, a := range doc.Agents {
		if err := doc.requireClass("simulation.agents", a, agentClasses); err != nil {
			return nil, err
		}
		b := blocks[a]
		if n := b.Int("numAgents", 1); n < 1 {
			return nil, configErr(a+".numAgents", "must be at least 1")
		}
		if markets := b.Strings("markets"); len(markets) > 0 {
			for _, m := range markets {
				if !contains(doc.Markets, m) {
					return nil, configErr(a+".markets", "references unknown market %q", m)
				}
			}
		}
	}

	sessions, ok := simRaw["sessions"].([]interface{})
	if !ok || len(sessions) == 0 {
		return nil, configErr("simulation.sessions", "must be a non-empty list")
	}
	for i, sv := range sessions {
		s, err := doc.parseSession(i, sv)
		if err != nil {
			return nil, err
		}
		doc.Sessions = append(doc.Sessions, s)
	}
	return doc, nil
}

func (d *Document) requireClass(path, name string, allowed map[string]bool) error {
	b, ok := d.Blocks[name]
	if !ok {
		return configErr(path, "references missing block %q", name)
	}
	class := b.Class()
	if class == "" {
		return configErr(name+".class", "missing class tag")
	}
	if !allowed[class] {
		return configErr(name+".class", "unknown class %q", class)
	}
	return nil
}

func (d *Document) parseSession(i int, v interface{}) (Session, error) {
	path := fmt.Sprintf("simulation.sessions[%d]", i)
	obj, ok := v.(map[string]interface{})
	if !ok {
		return Session{}, configErr(path, "must be an object")
	}
	b := Block{name: path, values: obj}

	s := Session{
		Index:              i,
		Name:               b.String("sessionName", strconv.Itoa(i)),
		IterationSteps:     b.Int("iterationSteps", 0),
		WithOrderPlacement: b.Bool("withOrderPlacement", true),
		WithOrderExecution: b.Bool("withOrderExecution", true),
		WithPrint:          b.Bool("withPrint", false),
	}
	if s.IterationSteps < 1 {
		return Session{}, configErr(path+".iterationSteps", "must be at least 1")
	}
	rate := b.Float("highFrequencySubmitRate", math.NaN())
	if math.IsNaN(rate) {
		rate = b.Float("hiFrequencySubmitRate", 1.0)
	}
	if rate < 0 || rate > 1 {
		return Session{}, configErr(path+".highFrequencySubmitRate", "must be between 0.0 and 1.0")
	}
	s.HighFrequencySubmitRate = rate

	events, err := b.strings("events")
	if err != nil {
		return Session{}, configErr(path+".events", "must be a list of event names")
	}
	for _, e := range events {
		if err := d.requireClass(path+".events", e, eventClasses); err != nil {
			return Session{}, err
		}
	}
	s.Events = events
	return s, nil
}

// resolveExtends merges every block with the chain of blocks it extends.
// Child keys override parent keys; cycles are a ConfigError.
func resolveExtends(blocks map[string]Block) error {
	resolved := make(map[string]map[string]interface{})
	var resolve func(name string, stack map[string]bool) (map[string]interface{}, error)
	resolve = func(name string, stack map[string]bool) (map[string]interface{}, error) {
		if r, ok := resolved[name]; ok {
			return r, nil
		}
		b, ok := blocks[name]
		if !ok {
			return nil, configErr(name, "extends missing block")
		}
		if stack[name] {
			return nil, configErr(name+".extends", "inheritance cycle")
		}
		stack[name] = true
		defer delete(stack, name)

		out := make(map[string]interface{}, len(b.values))
		if parent, ok := b.values["extends"].(string); ok && parent != "" {
			if _, exists := blocks[parent]; !exists {
				return nil, configErr(name+".extends", "references missing block %q", parent)
			}
			pv, err := resolve(parent, stack)
			if err != nil {
				return nil, err
			}
			for k, v := range pv {
				out[k] = v
			}
		}
		for k, v := range b.values {
			if k == "extends" {
				continue
			}
			out[k] = v
		}
		resolved[name] = out
		return out, nil
	}

	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := resolve(name, map[string]bool{})
		if err != nil {
			return err
		}
		blocks[name] = Block{name: name, values: v}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
