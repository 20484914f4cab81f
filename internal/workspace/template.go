package workspace

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/*
var templateFS embed.FS

// TemplateEntrypoint is the entrypoint filename of the generated fallback
// template.
const TemplateEntrypoint = "bot.py"

// versionMarker records which template version a workspace was provisioned
// from. A mismatch forces re-provisioning.
const versionMarker = ".template_version"

// writeTemplate materializes the embedded fallback template into dir. It
// always overwrites the entrypoint so a broken workspace ends up runnable.
func writeTemplate(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	files := map[string]string{
		"templates/bot.py":           TemplateEntrypoint,
		"templates/requirements.txt": "requirements.txt",
		"templates/env.template":     ".env.template",
	}
	for src, dst := range files {
		data, err := templateFS.ReadFile(src)
		if err != nil {
			return fmt.Errorf("reading embedded template %s: %w", src, err)
		}
		if err := os.WriteFile(filepath.Join(dir, dst), data, 0o640); err != nil {
			return fmt.Errorf("writing template file %s: %w", dst, err)
		}
	}
	return nil
}

func readVersionMarker(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, versionMarker))
	if err != nil {
		return ""
	}
	return string(data)
}

func writeVersionMarker(dir, version string) error {
	return os.WriteFile(filepath.Join(dir, versionMarker), []byte(version), 0o640)
}
