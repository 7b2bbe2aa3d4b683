package picolog

import (
	"math"
	"sync"
)

// MathChannelConfig describes one user-defined derived channel.
type MathChannelConfig struct {
	Name    string
	Formula string
	Enabled bool
	YMin    float64
	YMax    float64
	Label   string
}

// Title returns the display title used for CSV column headers and plots.
func (mc MathChannelConfig) Title() string {
	if mc.Label != "" {
		return mc.Label
	}
	return mc.Name
}

type mathChannel struct {
	config   MathChannelConfig
	compiled *compiledFormula
	windows  [][]float64 // trailing histories for statistical call sites
}

// MathEngine evaluates a set of named formulas against the latest
// per-channel voltages, producing one derived value per formula per tick.
// A formula that fails during evaluation yields NaN for that tick only;
// other formulas and the pipeline continue unaffected.
type MathEngine struct {
	mu       sync.Mutex
	order    []string
	channels map[string]*mathChannel
}

// NewMathEngine creates an engine with no formulas registered.
func NewMathEngine() *MathEngine {
	return &MathEngine{channels: make(map[string]*mathChannel)}
}

// AddFormula validates and registers a formula under the config's name.
// Registration is atomic: on a *FormulaError the engine is unchanged.
// Re-registering an existing name replaces it in place, keeping its
// position in the evaluation (and CSV column) order.
func (me *MathEngine) AddFormula(cfg MathChannelConfig) error {
	compiled, err := compileFormula(cfg.Formula)
	if err != nil {
		return err
	}
	mc := &mathChannel{
		config:   cfg,
		compiled: compiled,
		windows:  make([][]float64, compiled.nWindows),
	}
	for i := range mc.windows {
		mc.windows[i] = make([]float64, 0, statWindowCap)
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if _, exists := me.channels[cfg.Name]; !exists {
		me.order = append(me.order, cfg.Name)
	}
	me.channels[cfg.Name] = mc
	return nil
}

// RemoveFormula deletes the named formula. Unknown names are ignored.
func (me *MathEngine) RemoveFormula(name string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if _, ok := me.channels[name]; !ok {
		return
	}
	delete(me.channels, name)
	for i, n := range me.order {
		if n == name {
			me.order = append(me.order[:i], me.order[i+1:]...)
			break
		}
	}
}

// Configs returns the enabled math channel configs in registration order.
func (me *MathEngine) Configs() []MathChannelConfig {
	me.mu.Lock()
	defer me.mu.Unlock()
	configs := make([]MathChannelConfig, 0, len(me.order))
	for _, name := range me.order {
		if mc := me.channels[name]; mc.config.Enabled {
			configs = append(configs, mc.config)
		}
	}
	return configs
}

// Names returns the enabled formula names in registration order. This is
// the column order the CSV sink and plot snapshot use.
func (me *MathEngine) Names() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	names := make([]string, 0, len(me.order))
	for _, name := range me.order {
		if me.channels[name].config.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Evaluate computes every enabled formula against the given channel values
// (keys are channel letters, "A", "B", ...). A formula that errors yields
// NaN; Evaluate itself never fails.
func (me *MathEngine) Evaluate(channelValues map[string]float64) map[string]float64 {
	me.mu.Lock()
	defer me.mu.Unlock()

	results := make(map[string]float64, len(me.order))
	ctx := evalContext{vars: channelValues}
	for _, name := range me.order {
		mc := me.channels[name]
		if !mc.config.Enabled {
			continue
		}
		ctx.windows = mc.windows
		v, err := mc.compiled.root.eval(&ctx)
		if err != nil {
			v = math.NaN()
		}
		mc.windows = ctx.windows
		results[name] = v
	}
	return results
}

// ClearHistory drops the trailing statistical windows of every formula.
// Called on session reset so a new session's statistics start clean.
func (me *MathEngine) ClearHistory() {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, mc := range me.channels {
		for i := range mc.windows {
			mc.windows[i] = mc.windows[i][:0]
		}
	}
}
