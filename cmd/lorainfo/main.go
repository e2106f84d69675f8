// main.go - CLI zum Inspizieren von Adapter-Checkpoints
//
// Dieses Modul enthaelt:
// - inspect: Stems, Leaf-Formen, Rank und Alpha einer Adapter-Datei
// - list: Adapter-Dateien im konfigurierten Verzeichnis
package main

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SentClone/InvokeAI/envconfig"
	"github.com/SentClone/InvokeAI/fs/safetensors"
	"github.com/SentClone/InvokeAI/fs/torch"
	"github.com/SentClone/InvokeAI/tensor"
)

var adapterSuffixes = []string{".ckpt", ".safetensors", ".pt"}

func loadStateDict(path string) (map[string]*tensor.Tensor, error) {
	if filepath.Ext(path) == ".safetensors" {
		return safetensors.Load(path)
	}
	return torch.Load(path)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the layer groups of an adapter checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := loadStateDict(args[0])
			if err != nil {
				return err
			}

			grouped := make(map[string]map[string]*tensor.Tensor)
			for key, value := range sd {
				stem, leaf, found := strings.Cut(key, ".")
				if !found {
					slog.Warn("ignoring key without leaf suffix", "key", key)
					continue
				}
				if grouped[stem] == nil {
					grouped[stem] = make(map[string]*tensor.Tensor)
				}
				grouped[stem][leaf] = value
			}

			for _, stem := range slices.Sorted(maps.Keys(grouped)) {
				values := grouped[stem]

				kind := "unknown"
				switch {
				case values["lora_down.weight"] != nil:
					kind = "lora"
				case values["hada_w1_b"] != nil:
					kind = "loha"
				case len(values) == 1 && values["alpha"] != nil:
					kind = "alpha-only"
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s  (%s)\n", stem, kind)
				for _, leaf := range slices.Sorted(maps.Keys(values)) {
					v := values[leaf]
					if v.Dims() == 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "    %-20s = %g\n", leaf, v.Item())
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "    %-20s %v\n", leaf, v.Shape())
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tensors, %d layer groups\n", len(sd), len(grouped))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List adapter files in the adapter directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}
			if dir == "" {
				dir = envconfig.LoRADir()
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				ext := filepath.Ext(e.Name())
				if !slices.Contains(adapterSuffixes, ext) {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %s\n", strings.TrimSuffix(e.Name(), ext), e.Name())
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Adapter directory (default: INVOKEAI_LORA_DIR)")
	return cmd
}

func main() {
	slog.SetLogLoggerLevel(envconfig.LogLevel())

	rootCmd := &cobra.Command{
		Use:           "lorainfo",
		Short:         "Inspect LoRA and LoHA adapter checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(newInspectCmd(), newListCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
