package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	return New(t.TempDir(), "", "1", "/usr/bin/python3")
}

func TestEnsureWorkspaceGeneratesFallback(t *testing.T) {
	p := newTestProvisioner(t)

	dir, err := p.EnsureWorkspace(context.Background(), 1)
	if err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}

	for _, f := range []string{TemplateEntrypoint, "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("expected %s in generated workspace: %v", f, err)
		}
	}
	if readVersionMarker(dir) != "1" {
		t.Errorf("version marker = %q, want 1", readVersionMarker(dir))
	}
}

func TestEnsureWorkspaceIdempotent(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	dir, err := p.EnsureWorkspace(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Drop a user file; a second ensure must not wipe a valid workspace.
	marker := filepath.Join(dir, "user_data.txt")
	if err := os.WriteFile(marker, []byte("keep me"), 0o640); err != nil {
		t.Fatal(err)
	}

	if _, err := p.EnsureWorkspace(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("second EnsureWorkspace wiped a valid workspace")
	}
}

func TestEnsureWorkspaceReprovisionsOnVersionBump(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	p1 := New(root, "", "1", "/usr/bin/python3")
	dir, err := p1.EnsureWorkspace(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}

	p2 := New(root, "", "2", "/usr/bin/python3")
	if _, err := p2.EnsureWorkspace(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); err == nil {
		t.Error("version bump did not re-provision the workspace")
	}
	if readVersionMarker(dir) != "2" {
		t.Errorf("version marker = %q, want 2", readVersionMarker(dir))
	}
}

func TestEnsureWorkspaceFallsBackOnFetchFailure(t *testing.T) {
	// Unreachable repo URL: the embedded template must still make the bot
	// deployable.
	p := New(t.TempDir(), "file:///nonexistent/repo.git", "1", "/usr/bin/python3")

	dir, err := p.EnsureWorkspace(context.Background(), 4)
	if err != nil {
		t.Fatalf("EnsureWorkspace() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, TemplateEntrypoint)); err != nil {
		t.Error("fallback workspace has no runnable entrypoint")
	}
	if _, err := os.Stat(filepath.Join(dir, "requirements.txt")); err != nil {
		t.Error("fallback workspace has no dependency manifest")
	}
}

func TestEnsureRunnableEntrypointOrder(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	dir, err := p.EnsureWorkspace(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	// main.py outranks the template's bot.py.
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	cmd, err := p.EnsureRunnable(ctx, 5, Credential{Token: "tok"})
	if err != nil {
		t.Fatalf("EnsureRunnable() error = %v", err)
	}
	if cmd.Entrypoint != "main.py" {
		t.Errorf("entrypoint = %q, want main.py", cmd.Entrypoint)
	}
	if cmd.Dir != dir {
		t.Errorf("dir = %q, want %q", cmd.Dir, dir)
	}
}

func TestEnsureRunnableRegeneratesMissingEntrypoint(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	dir := p.Dir(6)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}

	cmd, err := p.EnsureRunnable(ctx, 6, Credential{Token: "tok"})
	if err != nil {
		t.Fatalf("EnsureRunnable() error = %v", err)
	}
	if cmd.Entrypoint != TemplateEntrypoint {
		t.Errorf("entrypoint = %q, want regenerated %s", cmd.Entrypoint, TemplateEntrypoint)
	}
	if _, err := os.Stat(filepath.Join(dir, TemplateEntrypoint)); err != nil {
		t.Error("template entrypoint was not regenerated")
	}
}

func TestCredentialFileOverwritten(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	if _, err := p.EnsureWorkspace(ctx, 7); err != nil {
		t.Fatal(err)
	}

	if _, err := p.EnsureRunnable(ctx, 7, Credential{Token: "first", AdminID: 42, ChannelID: "@chan"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.EnsureRunnable(ctx, 7, Credential{Token: "second"}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(p.Dir(7), ".env"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	want := "BOT_TOKEN=second\nADMIN_ID=\nCHANNEL_ID=\n"
	if content != want {
		t.Errorf("credential file = %q, want %q (full overwrite, no merge)", content, want)
	}
	if strings.Contains(content, "first") {
		t.Error("old token leaked into rewritten credential file")
	}
}

func TestUpdateCodeNoopOnUntrackedWorkspace(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	dir, err := p.EnsureWorkspace(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(dir, "local_change.py")
	if err := os.WriteFile(local, []byte("pass\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	updated, err := p.UpdateCode(ctx, 8)
	if err != nil {
		t.Fatalf("UpdateCode() error = %v", err)
	}
	if updated {
		t.Error("UpdateCode() reported an update for a non-tracked workspace")
	}
	if _, err := os.Stat(local); err != nil {
		t.Error("UpdateCode() touched a non-tracked workspace")
	}
}

func TestRemove(t *testing.T) {
	p := newTestProvisioner(t)
	ctx := context.Background()

	dir, err := p.EnsureWorkspace(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Remove(9); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace still present after Remove()")
	}
}

func TestEnsureLogs(t *testing.T) {
	p := newTestProvisioner(t)

	stdout, stderr, err := p.EnsureLogs(10)
	if err != nil {
		t.Fatalf("EnsureLogs() error = %v", err)
	}
	if filepath.Base(stdout) != "stdout.log" || filepath.Base(stderr) != "stderr.log" {
		t.Errorf("log paths = %q, %q", stdout, stderr)
	}
	if _, err := os.Stat(filepath.Dir(stdout)); err != nil {
		t.Error("logs directory was not created")
	}
}
