// module.go - Module-Interface, Forward-Hooks und Baum-Traversierung
//
// Dieses Modul enthaelt:
// - Module und Patchable: Basis-Interfaces
// - ForwardHook, Handle: Hook-Registrierung mit Teardown
// - Visit: Reflection-basierte Traversierung benannter Sub-Module

// Package nn provides the neural-network building blocks the patching
// machinery operates on: linear and convolutional leaves with forward
// hooks, the container blocks of a diffusion pipeline, and a reflective
// named-sub-module traversal.
package nn

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/SentClone/InvokeAI/tensor"
)

// Module is anything with a forward computation.
type Module interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
}

// ForwardHook observes a leaf module's forward call. It receives the
// original input and the computed output; a non-nil return value replaces
// the output. Hooks run inline as part of Forward, in registration order.
type ForwardHook func(m Module, input, output *tensor.Tensor) *tensor.Tensor

// Patchable is a leaf module that supports forward-hook registration.
type Patchable interface {
	Module
	RegisterForwardHook(fn ForwardHook) *Handle
}

// Handle identifies an installed hook. Remove is idempotent.
type Handle struct {
	owner *hookSet
	id    int
}

// Remove uninstalls the hook. Calling Remove more than once is safe.
func (h *Handle) Remove() {
	if h.owner != nil {
		h.owner.remove(h.id)
		h.owner = nil
	}
}

type hookEntry struct {
	id int
	fn ForwardHook
}

type hookSet struct {
	nextID  int
	entries []hookEntry
}

func (s *hookSet) register(fn ForwardHook) *Handle {
	s.nextID++
	s.entries = append(s.entries, hookEntry{id: s.nextID, fn: fn})
	return &Handle{owner: s, id: s.nextID}
}

func (s *hookSet) remove(id int) {
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *hookSet) run(m Module, input, output *tensor.Tensor) *tensor.Tensor {
	for _, e := range s.entries {
		if r := e.fn(m, input, output); r != nil {
			output = r
		}
	}
	return output
}

// Visit walks the sub-module tree of root and calls fn once for every
// named node, including root itself under the empty path. Nodes are the
// values behind exported pointer fields; path segments come from `nn:"..."`
// struct tags, defaulting to the snake_case field name, and slice or array
// elements contribute their index. Fields tagged `nn:"-"` are skipped.
// Traversal runs in field declaration order, so paths are deterministic.
func Visit(root any, fn func(path string, m any)) {
	seen := make(map[uintptr]bool)
	visit(reflect.ValueOf(root), "", fn, seen, true)
}

func visit(v reflect.Value, path string, fn func(string, any), seen map[uintptr]bool, report bool) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		visit(v.Elem(), path, fn, seen, report)
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return
		}
		seen[ptr] = true
		if report {
			fn(path, v.Interface())
		}
		visit(v.Elem(), path, fn, seen, false)
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Tag.Get("nn")
			if name == "-" {
				continue
			}
			if name == "" {
				name = snakeCase(f.Name)
			}
			visit(v.Field(i), joinPath(path, name), fn, seen, true)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			visit(v.Index(i), joinPath(path, strconv.Itoa(i)), fn, seen, true)
		}
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// snakeCase converts a Go field name to the dotted-path convention of the
// serialized checkpoints (ToQ -> to_q, DownBlocks -> down_blocks).
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				prev := s[i-1]
				if prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9' {
					b.WriteByte('_')
				}
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
