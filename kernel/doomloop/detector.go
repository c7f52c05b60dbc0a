// Package doomloop flags pathological repetition in a tool-calling loop:
// the model reissuing the same action, or restating the same answer,
// without making progress.
package doomloop

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	defaultWindow        = 10
	defaultThreshold     = 3
	defaultTextRepeats   = 3
	defaultTextMinLength = 24
)

// Config tunes the detector. The defaults are starting points, not load
// tested constants; callers with unusual workloads should tune them.
type Config struct {
	// Window is how many recent tool-call signatures are kept.
	Window int
	// Threshold flags when one signature occurs this many times in the
	// window.
	Threshold int
	// TextRepeats flags when this many consecutive assistant texts are
	// near-identical with no tool calls in between.
	TextRepeats int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Threshold <= 1 {
		c.Threshold = defaultThreshold
	}
	if c.TextRepeats <= 1 {
		c.TextRepeats = defaultTextRepeats
	}
	return c
}

// Detector watches the sequence of tool invocations and assistant texts
// within one user turn. Not safe for concurrent use; each turn owns its
// detector and resets it on entry.
type Detector struct {
	cfg Config

	signatures []string
	lastTexts  []string
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Reset drops all observed state. Called at the start of each user turn so
// legitimate multi-turn back-and-forth is not penalized.
func (d *Detector) Reset() {
	d.signatures = d.signatures[:0]
	d.lastTexts = d.lastTexts[:0]
}

// ObserveCall records one issued tool call.
func (d *Detector) ObserveCall(name string, args map[string]any) {
	d.lastTexts = d.lastTexts[:0]
	d.signatures = append(d.signatures, Signature(name, args))
	if over := len(d.signatures) - d.cfg.Window; over > 0 {
		d.signatures = d.signatures[over:]
	}
}

// ObserveText records one assistant response that carried no tool calls.
func (d *Detector) ObserveText(text string) {
	text = normalizeText(text)
	if text == "" {
		return
	}
	d.lastTexts = append(d.lastTexts, text)
	if over := len(d.lastTexts) - d.cfg.TextRepeats; over > 0 {
		d.lastTexts = d.lastTexts[over:]
	}
}

// Check reports whether the observed history looks like a doom loop.
func (d *Detector) Check() bool {
	return d.repeatedCall() || d.repeatedText()
}

func (d *Detector) repeatedCall() bool {
	if len(d.signatures) == 0 {
		return false
	}
	counts := map[string]int{}
	for _, sig := range d.signatures {
		counts[sig]++
		if counts[sig] >= d.cfg.Threshold {
			return true
		}
	}
	return false
}

func (d *Detector) repeatedText() bool {
	if len(d.lastTexts) < d.cfg.TextRepeats {
		return false
	}
	first := d.lastTexts[0]
	if len(first) < defaultTextMinLength {
		return false
	}
	for _, text := range d.lastTexts[1:] {
		if text != first {
			return false
		}
	}
	return true
}

// Signature computes a deterministic identity for one tool call: the tool
// name plus its arguments serialized with sorted keys, so argument order
// in the wire payload does not matter.
func Signature(name string, args map[string]any) string {
	return name + ":" + canonicalArgs(args)
}

func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		flat = append(flat, k, args[k])
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "unencodable"
	}
	return string(raw)
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
}
