// manager.go - Manager fuer Adapter-Dateien und Aktivierungszustand
//
// Dieses Modul enthaelt:
// - Manager: Aufloesung von Adapter-Namen zu Dateien und Lebenszyklus
// - LoadModule, Apply, Deactivate*, Unload, Clear

package lora

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/emirpasic/gods/v2/sets/hashset"

	"github.com/SentClone/InvokeAI/envconfig"
	"github.com/SentClone/InvokeAI/fs/safetensors"
	"github.com/SentClone/InvokeAI/fs/torch"
	"github.com/SentClone/InvokeAI/tensor"
)

// loraSuffixes is the resolution order for adapter files on disk.
var loraSuffixes = []string{".ckpt", ".safetensors", ".pt"}

// Manager resolves adapter names to checkpoint files, loads them through
// the wrapper, and toggles activation with per-adapter multipliers.
type Manager struct {
	wrapper *ModuleWrapper
	loraDir string
	device  tensor.Device
	dtype   tensor.DType
}

// NewManager wraps the two networks and binds the manager to loraDir
// (envconfig.LoRADir when empty). The device comes from the device
// resolver; the precision is inherited from the backbone when it exposes
// one, else float32.
func NewManager(unet, textEncoder any, loraDir string) *Manager {
	if loraDir == "" {
		loraDir = envconfig.LoRADir()
	}
	dt := tensor.F32
	if d, ok := unet.(interface{ DType() tensor.DType }); ok {
		dt = d.DType()
	}
	return &Manager{
		wrapper: NewModuleWrapper(unet, textEncoder),
		loraDir: loraDir,
		device:  tensor.ChooseDevice(),
		dtype:   dt,
	}
}

// Wrapper exposes the patch registry.
func (m *Manager) Wrapper() *ModuleWrapper { return m.wrapper }

// LoadModule reads the checkpoint at path (format chosen by extension),
// parses it into an adapter and registers it as loaded under name.
func (m *Manager) LoadModule(name, path string, multiplier float32) (*LoRA, error) {
	slog.Info("found lora", "name", name, "path", path)

	var (
		sd  map[string]*tensor.Tensor
		err error
	)
	if filepath.Ext(path) == ".safetensors" {
		sd, err = safetensors.Load(path)
	} else {
		sd, err = torch.Load(path)
	}
	if err != nil {
		return nil, err
	}

	adapter := NewLoRA(name, m.device, m.dtype, m.wrapper, multiplier)
	adapter.LoadFromDict(sd)
	m.wrapper.loaded[name] = adapter
	return adapter, nil
}

// Apply resolves name under the adapter directory, loads it unless it
// already is, and activates it with the given multiplier. An unresolvable
// name is logged and ignored. The multiplier always reflects the most
// recent call.
func (m *Manager) Apply(name string, multiplier float32) error {
	var path string
	for _, suffix := range loraSuffixes {
		p := filepath.Join(m.loraDir, name+suffix)
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		args := []any{"name", name}
		if closest := m.closestName(name); closest != "" {
			args = append(args, "closest", closest)
		}
		slog.Warn("unable to find lora", args...)
		return nil
	}

	slog.Info("applying lora", "file", filepath.Base(path), "weight", multiplier)
	adapter, ok := m.wrapper.loaded[name]
	if !ok {
		var err error
		if adapter, err = m.LoadModule(name, path, multiplier); err != nil {
			return err
		}
	}
	adapter.Multiplier = multiplier
	m.wrapper.applied.Set(name, adapter)
	return nil
}

// closestName scans the adapter directory for the nearest known adapter
// name, for friendlier resolution-failure logs.
func (m *Manager) closestName(name string) string {
	entries, err := os.ReadDir(m.loraDir)
	if err != nil {
		return ""
	}
	best, bestScore := "", len(name)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !slices.Contains(loraSuffixes, ext) {
			continue
		}
		candidate := strings.TrimSuffix(e.Name(), ext)
		if score := levenshtein.ComputeDistance(name, candidate); score < bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}

// DeactivateExcept deactivates every applied adapter whose name is not in
// keep.
func (m *Manager) DeactivateExcept(keep []string) {
	keepSet := hashset.New(keep...)
	for _, name := range m.wrapper.AppliedNames() {
		if !keepSet.Contains(name) {
			m.Deactivate(name)
		}
	}
}

// Deactivate removes name from the applied set. No-op when not applied.
func (m *Manager) Deactivate(name string) {
	m.wrapper.applied.Delete(name)
}

// Unload removes name from the loaded set. No-op when not loaded.
func (m *Manager) Unload(name string) {
	delete(m.wrapper.loaded, name)
}

// Clear deactivates every applied adapter.
func (m *Manager) Clear() {
	m.wrapper.ClearApplied()
}

// ClearHooks tears down every installed hook exactly once.
func (m *Manager) ClearHooks() {
	m.wrapper.ClearHooks()
}
