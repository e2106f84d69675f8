// wrapper_test.go - Unit Tests fuer Layer-Suche und Forward-Hooks
//
// Testet Identifier-Bildung, Deduplizierung verschachtelter Container,
// den Identitaets-Fall ohne Adapter und das Entfernen der Hooks.

package lora

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

var approx = cmpopts.EquateApprox(1e-5, 1e-6)

// TestFindModules testet Identifier und Abdeckung beider Netze
func TestFindModules(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	unet := newTestUNet(r, 8, 4)
	te := newTestTextEncoder(r, 8)
	w := NewModuleWrapper(unet, te)

	unetWant := []string{
		stemQ, stemK,
		"lora_unet_down_blocks_0_attentions_0_to_v",
		stemOut,
		stemConv1,
		"lora_unet_down_blocks_0_resnets_0_conv2",
	}
	for _, name := range unetWant {
		if _, ok := w.unetModules[name]; !ok {
			t.Errorf("unet module %q not discovered", name)
		}
	}
	if got := len(w.unetModules); got != len(unetWant) {
		t.Errorf("unet modules = %d, want %d", got, len(unetWant))
	}

	// Die Eintraege zeigen auf die echten Schichten.
	if w.unetModules[stemQ] != unet.DownBlocks[0].Attentions[0].ToQ {
		t.Error("to_q mapping does not point at the layer")
	}
	if w.unetModules[stemConv1] != unet.DownBlocks[0].Resnets[0].Conv1 {
		t.Error("conv1 mapping does not point at the layer")
	}

	teWant := []string{
		stemTEQ,
		"lora_te_text_model_encoder_layers_0_self_attn_k_proj",
		"lora_te_text_model_encoder_layers_0_self_attn_v_proj",
		"lora_te_text_model_encoder_layers_0_self_attn_out_proj",
		"lora_te_text_model_encoder_layers_0_mlp_fc1",
		"lora_te_text_model_encoder_layers_0_mlp_fc2",
	}
	for _, name := range teWant {
		if _, ok := w.textModules[name]; !ok {
			t.Errorf("text module %q not discovered", name)
		}
	}
	if got := len(w.textModules); got != len(teWant) {
		t.Errorf("text modules = %d, want %d", got, len(teWant))
	}

	if got, want := len(w.hooks), len(unetWant)+len(teWant); got != want {
		t.Errorf("installed hooks = %d, want %d", got, want)
	}
}

type testMidUNet struct {
	MidBlock *nn.Transformer2DModel `nn:"mid_block"`
}

// TestNestedContainersHookOnce testet die Deduplizierung, wenn ein
// erkannter Container in einem anderen erkannten Container liegt
func TestNestedContainersHookOnce(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	unet := &testMidUNet{MidBlock: nn.NewTransformer2DModel(8, 1)}
	w := NewModuleWrapper(unet, nil)

	// proj_in/proj_out plus 2 Attentions mit je 4 Linears plus ff.proj
	// und ff.out, jede Schicht genau einmal.
	if got := len(w.unetModules); got != 14 {
		t.Errorf("unet modules = %d, want 14", got)
	}
	if got := len(w.hooks); got != len(w.unetModules) {
		t.Errorf("hooks = %d, want %d", got, len(w.unetModules))
	}
	for _, name := range []string{
		"lora_unet_mid_block_proj_in",
		"lora_unet_mid_block_transformer_blocks_0_attn1_to_q",
		"lora_unet_mid_block_transformer_blocks_0_ff_proj",
	} {
		if _, ok := w.unetModules[name]; !ok {
			t.Errorf("module %q not discovered", name)
		}
	}

	// Funktional: das Delta darf trotz Verschachtelung nur einmal
	// einfliessen.
	toQ := unet.MidBlock.Blocks[0].Attn1.ToQ
	fill(r, toQ.Weight)
	stem := "lora_unet_mid_block_transformer_blocks_0_attn1_to_q"
	down := randTensor(r, 2, 8)
	up := randTensor(r, 8, 2)
	adapter := loadAdapter(w, "once", 1, map[string]*tensor.Tensor{
		stem + ".lora_down.weight": down,
		stem + ".lora_up.weight":   up,
	})
	activate(w, adapter)

	x := randTensor(r, 3, 8)
	base := tensor.Linear(x, toQ.Weight, nil)
	delta := tensor.Linear(tensor.Linear(x, down, nil), up, nil)
	want := tensor.AddScaled(base, delta, 1)

	got := toQ.Forward(x)
	if diff := cmp.Diff(want.Data(), got.Data(), approx); diff != "" {
		t.Errorf("delta applied more than once (-want +got):\n%s", diff)
	}
}

// TestForwardIdentityWithoutAdapters testet den unveraenderten Durchlauf
func TestForwardIdentityWithoutAdapters(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	unet := newTestUNet(r, 8, 4)
	NewModuleWrapper(unet, nil)

	toQ := unet.DownBlocks[0].Attentions[0].ToQ
	x := randTensor(r, 2, 8)
	want := tensor.Linear(x, toQ.Weight, nil)
	got := toQ.Forward(x)
	if diff := cmp.Diff(want.Data(), got.Data()); diff != "" {
		t.Errorf("hooked layer altered output (-want +got):\n%s", diff)
	}
}

// TestClearHooks testet Teardown und Idempotenz
func TestClearHooks(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	unet := newTestUNet(r, 8, 4)
	w := NewModuleWrapper(unet, nil)

	down := randTensor(r, 2, 8)
	up := randTensor(r, 8, 2)
	adapter := loadAdapter(w, "gone", 1, map[string]*tensor.Tensor{
		stemQ + ".lora_down.weight": down,
		stemQ + ".lora_up.weight":   up,
	})
	activate(w, adapter)

	toQ := unet.DownBlocks[0].Attentions[0].ToQ
	x := randTensor(r, 2, 8)
	base := tensor.Linear(x, toQ.Weight, nil)

	patched := toQ.Forward(x)
	if diff := cmp.Diff(base.Data(), patched.Data()); diff == "" {
		t.Fatal("adapter had no effect before teardown")
	}

	w.ClearHooks()
	w.ClearHooks() // idempotent
	if got := len(w.hooks); got != 0 {
		t.Errorf("hooks after teardown = %d, want 0", got)
	}

	got := toQ.Forward(x)
	if diff := cmp.Diff(base.Data(), got.Data()); diff != "" {
		t.Errorf("layer still patched after teardown (-want +got):\n%s", diff)
	}
}

// TestAppliedOrder testet Aktivierungsreihenfolge und ClearApplied
func TestAppliedOrder(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	w := NewModuleWrapper(newTestUNet(r, 8, 4), nil)

	for _, name := range []string{"b", "a", "c"} {
		activate(w, loadAdapter(w, name, 1, nil))
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, w.AppliedNames()); diff != "" {
		t.Errorf("activation order mismatch (-want +got):\n%s", diff)
	}

	if _, ok := w.Applied("a"); !ok {
		t.Error("Applied(a) not found")
	}
	if _, ok := w.Loaded("b"); !ok {
		t.Error("Loaded(b) not found")
	}

	w.ClearApplied()
	if got := len(w.AppliedNames()); got != 0 {
		t.Errorf("applied after clear = %d, want 0", got)
	}
	if _, ok := w.Loaded("b"); !ok {
		t.Error("ClearApplied dropped loaded adapters")
	}

	w.ClearLoaded()
	if _, ok := w.Loaded("b"); ok {
		t.Error("ClearLoaded kept adapters")
	}
}
