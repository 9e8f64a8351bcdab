package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/guardrail"
)

// BackupSuffix is appended to a config path to name its backup.
const BackupSuffix = ".bak"

const defaultConfigMode fs.FileMode = 0o644

var configEstimate = guardrail.Estimate{CPUPercent: 1, MemoryMB: 16, Minutes: 1}

// ConfigWriteTool replaces a config file. A live write first copies the
// current file to <path>.bak; a dry run returns a unified diff.
type ConfigWriteTool struct{}

// NewConfigWriteTool returns the write_config tool.
func NewConfigWriteTool() *ConfigWriteTool { return &ConfigWriteTool{} }

func (t *ConfigWriteTool) Name() string        { return "write_config" }
func (t *ConfigWriteTool) Description() string { return "write a config file, keeping <path>.bak" }
func (t *ConfigWriteTool) Mutates() bool       { return true }

func (t *ConfigWriteTool) Estimate(map[string]interface{}) guardrail.Estimate { return configEstimate }

// ValidateArguments requires an absolute path and string content.
func (t *ConfigWriteTool) ValidateArguments(inputs map[string]interface{}) error {
	if _, err := configPath(inputs); err != nil {
		return err
	}
	if _, ok := inputs["content"].(string); !ok {
		return fmt.Errorf("missing content")
	}
	return nil
}

// Execute writes content to path, or diffs it against the current file when
// dryRun is set.
func (t *ConfigWriteTool) Execute(_ context.Context, inputs map[string]interface{}, dryRun bool) (Result, error) {
	path, err := configPath(inputs)
	if err != nil {
		return Result{}, err
	}
	content, _ := inputs["content"].(string)

	current, exists, err := readIfExists(path)
	if err != nil {
		return Result{}, err
	}
	diff, err := unifiedDiff(path, current, content, exists)
	if err != nil {
		return Result{}, err
	}
	data := map[string]interface{}{"path": path, "exists": exists, "diff": diff}
	if exists && current == content {
		return Result{Output: "No change to " + path, Data: data}, nil
	}

	if dryRun {
		verb := "modify"
		if !exists {
			verb = "create"
		}
		return Result{Output: fmt.Sprintf("Would %s %s\n%s", verb, path, diff), Data: data}, nil
	}

	mode := defaultConfigMode
	if exists {
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, fmt.Errorf("stat %s: %w", path, err)
		}
		mode = info.Mode().Perm()
		if err := writeAtomic(path+BackupSuffix, []byte(current), mode); err != nil {
			return Result{}, fmt.Errorf("backing up %s: %w", path, err)
		}
		data["backup"] = path + BackupSuffix
	}
	if err := writeAtomic(path, []byte(content), mode); err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", path, err)
	}
	log.Info().Str("path", path).Bool("backup", exists).Msg("config_written")
	return Result{Output: "Wrote " + path, Data: data}, nil
}

// ConfigRollbackTool restores a config file from <path>.bak.
type ConfigRollbackTool struct{}

// NewConfigRollbackTool returns the rollback_config tool.
func NewConfigRollbackTool() *ConfigRollbackTool { return &ConfigRollbackTool{} }

func (t *ConfigRollbackTool) Name() string        { return "rollback_config" }
func (t *ConfigRollbackTool) Description() string { return "restore a config file from <path>.bak" }
func (t *ConfigRollbackTool) Mutates() bool       { return true }

func (t *ConfigRollbackTool) Estimate(map[string]interface{}) guardrail.Estimate { return configEstimate }

// ValidateArguments requires an absolute path.
func (t *ConfigRollbackTool) ValidateArguments(inputs map[string]interface{}) error {
	_, err := configPath(inputs)
	return err
}

// Execute copies the backup over path. A missing backup is an error, live
// or dry.
func (t *ConfigRollbackTool) Execute(_ context.Context, inputs map[string]interface{}, dryRun bool) (Result, error) {
	path, err := configPath(inputs)
	if err != nil {
		return Result{}, err
	}
	backup := path + BackupSuffix
	saved, ok, err := readIfExists(backup)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("backup not found: %s", backup)
	}
	current, exists, err := readIfExists(path)
	if err != nil {
		return Result{}, err
	}
	diff, err := unifiedDiff(path, current, saved, exists)
	if err != nil {
		return Result{}, err
	}
	data := map[string]interface{}{"path": path, "backup": backup, "diff": diff}

	if dryRun {
		return Result{Output: fmt.Sprintf("Would restore %s from %s\n%s", path, backup, diff), Data: data}, nil
	}
	mode := defaultConfigMode
	if info, err := os.Stat(backup); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeAtomic(path, []byte(saved), mode); err != nil {
		return Result{}, fmt.Errorf("restoring %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("backup", backup).Msg("config_rolled_back")
	return Result{Output: fmt.Sprintf("Rolled back %s from %s", path, backup), Data: data}, nil
}

func configPath(inputs map[string]interface{}) (string, error) {
	p, _ := inputs["path"].(string)
	if p == "" {
		return "", fmt.Errorf("missing path")
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("path must be absolute: %q", p)
	}
	return filepath.Clean(p), nil
}

func readIfExists(path string) (string, bool, error) {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), true, nil
}

func unifiedDiff(path, from, to string, exists bool) (string, error) {
	fromFile := path + " (current)"
	if !exists {
		fromFile = "/dev/null"
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(from),
		B:        splitLines(to),
		FromFile: fromFile,
		ToFile:   path + " (new)",
		Context:  3,
	})
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".steward-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
