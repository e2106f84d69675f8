// wrapper.go - Patch-Registry: Layer-Suche, Hooks und Adapter-Zustand
//
// Dieses Modul enthaelt:
// - ModuleWrapper: einmalige Suche patchbarer Schichten in beiden Netzen
// - Forward-Hook pro gefundener Schicht mit additiver Delta-Akkumulation
// - loaded/applied-Verwaltung mit deterministischer Aktivierungsreihenfolge

package lora

import (
	"strings"

	"github.com/emirpasic/gods/v2/sets/hashset"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

// Identifier prefixes distinguishing text-encoder from backbone layers in
// adapter checkpoints.
const (
	LoRAPrefixUNet        = "lora_unet"
	LoRAPrefixTextEncoder = "lora_te"
)

// Container categories whose linear and convolutional children are
// patchable.
var (
	UNetTargetBlocks = hashset.New(
		nn.BlockTransformer2D,
		nn.BlockAttention,
		nn.BlockResnet2D,
		nn.BlockDownsample2D,
		nn.BlockUpsample2D,
		nn.BlockSpatialTransformer,
	)
	TextEncoderTargetBlocks = hashset.New(
		nn.BlockResidualAttention,
		nn.BlockCLIPAttention,
		nn.BlockCLIPMLP,
	)
)

// ModuleWrapper discovers the patchable sub-layers of the backbone and
// text encoder, installs one forward hook per layer, and tracks which
// adapters are loaded and which are currently applied. The two networks
// are borrowed, never owned. All mutation happens through the wrapper's
// own synchronous methods; there is no locking because the layer maps are
// write-once and a single caller thread drives everything.
type ModuleWrapper struct {
	unet        any
	textEncoder any

	textModules map[string]nn.Patchable
	unetModules map[string]nn.Patchable
	hooks       []*nn.Handle

	loaded  map[string]*LoRA
	applied *orderedmap.OrderedMap[string, *LoRA]
}

// NewModuleWrapper walks both networks once and hooks every patchable
// layer. Discovery never runs again for the wrapper's lifetime.
func NewModuleWrapper(unet, textEncoder any) *ModuleWrapper {
	w := &ModuleWrapper{
		unet:        unet,
		textEncoder: textEncoder,
		loaded:      make(map[string]*LoRA),
		applied:     orderedmap.New[string, *LoRA](),
	}
	w.textModules = w.findModules(LoRAPrefixTextEncoder, textEncoder, TextEncoderTargetBlocks)
	w.unetModules = w.findModules(LoRAPrefixUNet, unet, UNetTargetBlocks)
	return w
}

// findModules collects every plain linear child and every 1x1/3x3 conv
// child below a recognized container, keyed by the normalized identifier
// <prefix>_<dotted path with dots replaced by underscores>. Nested
// recognized containers yield the same identifiers; each layer is
// collected and hooked exactly once.
func (w *ModuleWrapper) findModules(prefix string, root any, targets *hashset.Set[nn.BlockKind]) map[string]nn.Patchable {
	mapping := make(map[string]nn.Patchable)
	nn.Visit(root, func(path string, m any) {
		block, ok := m.(nn.Block)
		if !ok || !targets.Contains(block.BlockKind()) {
			return
		}
		nn.Visit(m, func(childPath string, child any) {
			leaf, ok := child.(nn.Patchable)
			if !ok || !patchableLeaf(leaf) {
				return
			}
			name := identifier(prefix, path, childPath)
			if _, exists := mapping[name]; exists {
				return
			}
			mapping[name] = leaf
			w.installHook(name, leaf)
		})
	})
	return mapping
}

func identifier(prefix, containerPath, childPath string) string {
	parts := []string{prefix}
	if containerPath != "" {
		parts = append(parts, containerPath)
	}
	if childPath != "" {
		parts = append(parts, childPath)
	}
	return strings.ReplaceAll(strings.Join(parts, "."), ".", "_")
}

// patchableLeaf reports whether a leaf qualifies for patching: any linear
// layer, or a 2-D convolution with a 1x1 or 3x3 kernel.
func patchableLeaf(m nn.Patchable) bool {
	switch m := m.(type) {
	case *nn.Linear:
		return true
	case *nn.Conv2d:
		return m.Kernel == [2]int{1, 1} || m.Kernel == [2]int{3, 3}
	}
	return false
}

func (w *ModuleWrapper) installHook(name string, m nn.Patchable) {
	w.hooks = append(w.hooks, m.RegisterForwardHook(w.loraForwardHook(name)))
}

// loraForwardHook builds the per-layer hook. With nothing loaded the base
// output passes through untouched; otherwise every applied adapter that
// patches this layer contributes additively, in activation order.
func (w *ModuleWrapper) loraForwardHook(name string) nn.ForwardHook {
	return func(_ nn.Module, input, output *tensor.Tensor) *tensor.Tensor {
		if len(w.loaded) == 0 {
			return output
		}
		for pair := w.applied.Oldest(); pair != nil; pair = pair.Next() {
			layer, ok := pair.Value.Layers[name]
			if !ok {
				continue
			}
			output = layer.Forward(pair.Value.Multiplier, input, output)
		}
		return output
	}
}

// Loaded returns the adapter registered under name, if any.
func (w *ModuleWrapper) Loaded(name string) (*LoRA, bool) {
	l, ok := w.loaded[name]
	return l, ok
}

// Applied returns the currently applied adapter under name, if any.
func (w *ModuleWrapper) Applied(name string) (*LoRA, bool) {
	return w.applied.Get(name)
}

// AppliedNames returns the applied adapter names in activation order.
func (w *ModuleWrapper) AppliedNames() []string {
	names := make([]string, 0, w.applied.Len())
	for pair := w.applied.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// ClearHooks removes every installed hook. Safe to call repeatedly.
func (w *ModuleWrapper) ClearHooks() {
	for _, h := range w.hooks {
		h.Remove()
	}
	w.hooks = w.hooks[:0]
}

// ClearApplied deactivates every applied adapter.
func (w *ModuleWrapper) ClearApplied() {
	for _, name := range w.AppliedNames() {
		w.applied.Delete(name)
	}
}

// ClearLoaded drops every loaded adapter.
func (w *ModuleWrapper) ClearLoaded() {
	clear(w.loaded)
}
