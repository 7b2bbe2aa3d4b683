package picolog

// SampleProcessor turns a raw acquisition sample into a fully processed
// one: per-channel zero-calibration offsets are applied, then the math
// engine is evaluated on the corrected values. Process never fails; a
// processing problem degrades to passing the raw values through.
type SampleProcessor struct {
	channels []ChannelID // enabled channels, in sample order
	offsets  []float64   // parallel to channels
	engine   *MathEngine

	// scratch map reused across ticks; Process is called from a single
	// goroutine so this is safe.
	vars map[string]float64
}

// NewSampleProcessor builds a processor for the session's enabled channels.
func NewSampleProcessor(cfg SessionConfig, engine *MathEngine) *SampleProcessor {
	ids := cfg.EnabledChannels()
	offsets := make([]float64, len(ids))
	for i, id := range ids {
		if cc, ok := cfg.ChannelByID(id); ok {
			offsets[i] = cc.Offset
		}
	}
	return &SampleProcessor{
		channels: ids,
		offsets:  offsets,
		engine:   engine,
		vars:     make(map[string]float64, len(ids)),
	}
}

// Process applies offsets and math evaluation to one raw sample.
func (sp *SampleProcessor) Process(raw Sample) ProcessedSample {
	n := len(raw.Values)
	if n > len(sp.offsets) {
		// Source produced more channels than configured; pass through
		// untouched rather than guessing at offsets.
		return ProcessedSample{Sample: raw}
	}
	corrected := make([]float64, n)
	for i, v := range raw.Values {
		corrected[i] = v + sp.offsets[i]
		sp.vars[sp.channels[i].String()] = corrected[i]
	}
	mathValues := sp.engine.Evaluate(sp.vars)
	return ProcessedSample{
		Sample:     Sample{Time: raw.Time, Values: corrected},
		MathValues: mathValues,
	}
}

// ProcessBlock processes a block of raw samples in acquisition order.
func (sp *SampleProcessor) ProcessBlock(raw []Sample) []ProcessedSample {
	out := make([]ProcessedSample, len(raw))
	for i, s := range raw {
		out[i] = sp.Process(s)
	}
	return out
}
