package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// PermissivePolicy allows every tool without approval or dry run.
const PermissivePolicy = `
version: "1"
defaults:
  dry_run: false
  require_approval: false
rules:
  - tool: "*"
    action: allow
`

// GuardedPolicy allows service restarts behind a dry run and operator
// approval, blocks file deletion and lets alerts through.
const GuardedPolicy = `
version: "1"
defaults:
  dry_run: true
  require_approval: true
rules:
  - tool: restart_service
    action: allow
    require_approval: true
    dry_run_first: true
  - tool: stop_service
    action: allow
    require_approval: true
  - tool: delete_file
    action: block
    reason: "file deletion is never automated"
  - tool: alert_user
    action: allow
    require_approval: false
    dry_run_first: false
`

// WritePolicyFile writes content to dir/policy.yaml and returns its path.
func WritePolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
