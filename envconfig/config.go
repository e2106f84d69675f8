// config.go - Konfigurationsfunktionen fuer das Adapter-Patching
//
// Dieses Modul enthaelt:
// - LoRADir: Gibt das Adapter-Verzeichnis zurueck (INVOKEAI_LORA_DIR)
// - LogLevel: Gibt Log-Level zurueck (INVOKEAI_DEBUG)
// - Var: Utility fuer Environment-Variablen
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoRADir gibt das Verzeichnis mit Adapter-Checkpoints zurueck
// Konfigurierbar via INVOKEAI_LORA_DIR
// Default: ~/.invokeai/loras
func LoRADir() string {
	if s := Var("INVOKEAI_LORA_DIR"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".invokeai", "loras")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via INVOKEAI_DEBUG
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("INVOKEAI_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
