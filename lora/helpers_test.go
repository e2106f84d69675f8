// helpers_test.go - Gemeinsame Test-Hilfen des lora-Pakets
//
// Dieses Modul enthaelt:
// - Mini-Backbone und Mini-Text-Encoder mit den echten Container-Typen
// - Zufallstensoren mit festem Seed
// - Safetensors-Writer fuer End-to-End-Tests

package lora

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

type testDownBlock struct {
	Attentions []*nn.Attention     `nn:"attentions"`
	Resnets    []*nn.ResnetBlock2D `nn:"resnets"`
}

type testUNet struct {
	DownBlocks []*testDownBlock `nn:"down_blocks"`
}

type testEncoderStack struct {
	Layers []*nn.CLIPEncoderLayer `nn:"layers"`
}

type testTextModel struct {
	Encoder *testEncoderStack `nn:"encoder"`
}

type testTextEncoder struct {
	TextModel *testTextModel `nn:"text_model"`
}

// halfPrecisionUNet meldet eine eigene Rechengenauigkeit an den Manager.
type halfPrecisionUNet testUNet

func (*halfPrecisionUNet) DType() tensor.DType { return tensor.F16 }

const (
	stemQ     = "lora_unet_down_blocks_0_attentions_0_to_q"
	stemK     = "lora_unet_down_blocks_0_attentions_0_to_k"
	stemOut   = "lora_unet_down_blocks_0_attentions_0_to_out"
	stemConv1 = "lora_unet_down_blocks_0_resnets_0_conv1"
	stemTEQ   = "lora_te_text_model_encoder_layers_0_self_attn_q_proj"
)

// newTestUNet baut einen Backbone mit einer Attention (Breite dim) und
// einem Resnet-Block (channels Kanaele, ohne Shortcut).
func newTestUNet(r *rand.Rand, dim, channels int) *testUNet {
	attn := nn.NewAttention(dim)
	res := nn.NewResnetBlock2D(1, channels, channels)
	fill(r, attn.ToQ.Weight, attn.ToK.Weight, attn.ToV.Weight, attn.ToOut.Weight, attn.ToOut.Bias,
		res.Conv1.Weight, res.Conv1.Bias, res.Conv2.Weight, res.Conv2.Bias)
	return &testUNet{DownBlocks: []*testDownBlock{{
		Attentions: []*nn.Attention{attn},
		Resnets:    []*nn.ResnetBlock2D{res},
	}}}
}

func newTestTextEncoder(r *rand.Rand, dim int) *testTextEncoder {
	layer := nn.NewCLIPEncoderLayer(dim)
	fill(r, layer.SelfAttn.QProj.Weight, layer.SelfAttn.KProj.Weight,
		layer.SelfAttn.VProj.Weight, layer.SelfAttn.OutProj.Weight,
		layer.MLP.Fc1.Weight, layer.MLP.Fc2.Weight)
	return &testTextEncoder{TextModel: &testTextModel{
		Encoder: &testEncoderStack{Layers: []*nn.CLIPEncoderLayer{layer}},
	}}
}

func fill(r *rand.Rand, ts ...*tensor.Tensor) {
	for _, t := range ts {
		d := t.Data()
		for i := range d {
			d[i] = r.Float32()*2 - 1
		}
	}
}

func randTensor(r *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	fill(r, t)
	return t
}

// writeSafetensors schreibt die Tensoren als F32-Safetensors-Datei.
func writeSafetensors(t *testing.T, path string, tensors map[string]*tensor.Tensor) {
	t.Helper()

	header := make(map[string]any, len(tensors))
	var payload bytes.Buffer
	var off int64
	for name, tt := range tensors {
		n := int64(tt.NumElems()) * 4
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        tt.Shape(),
			"data_offsets": []int64{off, off + n},
		}
		for _, v := range tt.Data() {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			payload.Write(b[:])
		}
		off += n
	}

	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(hb))); err != nil {
		t.Fatalf("write header length: %v", err)
	}
	buf.Write(hb)
	buf.Write(payload.Bytes())

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// loadAdapter parst das State-Dict direkt in einen Adapter des Wrappers.
func loadAdapter(w *ModuleWrapper, name string, multiplier float32, sd map[string]*tensor.Tensor) *LoRA {
	adapter := NewLoRA(name, tensor.CPU, tensor.F32, w, multiplier)
	adapter.LoadFromDict(sd)
	return adapter
}

// activate registriert den Adapter als geladen und angewendet.
func activate(w *ModuleWrapper, adapter *LoRA) {
	w.loaded[adapter.Name] = adapter
	w.applied.Set(adapter.Name, adapter)
}
