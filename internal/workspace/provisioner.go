package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/rs/zerolog/log"
)

// Credential is the runtime identity written into a workspace before launch.
type Credential struct {
	Token     string
	AdminID   int64
	ChannelID string
}

// Command is a ready-to-execute launch descriptor for a provisioned bot.
type Command struct {
	Interpreter string
	Entrypoint  string
	Dir         string
}

// entrypointCandidates is checked in order; the first existing file wins.
var entrypointCandidates = []string{"main.py", "bot.py", "app.py", "run.py"}

// Provisioner turns a bot id into a runnable, dependency-satisfied workspace.
// All operations are idempotent.
type Provisioner struct {
	root        string
	repoURL     string
	version     string
	interpreter string
}

// New creates a Provisioner rooted at root. repoURL may be empty, in which
// case every workspace is generated from the embedded template.
func New(root, repoURL, version, interpreter string) *Provisioner {
	if version == "" {
		version = "1"
	}
	return &Provisioner{
		root:        root,
		repoURL:     repoURL,
		version:     version,
		interpreter: interpreter,
	}
}

// Dir returns the workspace directory for a bot id.
func (p *Provisioner) Dir(botID int64) string {
	return filepath.Join(p.root, fmt.Sprintf("bot_%d", botID))
}

// EnsureWorkspace makes sure a workspace with runnable code exists for the
// bot. When a template repository is configured it is fetched; any fetch
// failure falls back to generating the embedded template so a bot is never
// left un-deployable by an unreachable upstream. A workspace that is a plain
// directory while a repository is configured is wiped and re-fetched, as is
// one provisioned from an older template version.
func (p *Provisioner) EnsureWorkspace(ctx context.Context, botID int64) (string, error) {
	dir := p.Dir(botID)
	logger := log.With().Int64("bot_id", botID).Str("dir", dir).Logger()

	if err := os.MkdirAll(p.root, 0o750); err != nil {
		return "", fmt.Errorf("creating deployment root: %w", err)
	}

	info, statErr := os.Stat(dir)
	exists := statErr == nil && info.IsDir()

	if exists {
		stale := readVersionMarker(dir) != p.version
		if p.repoURL != "" && !isGitTracked(dir) {
			// A previously generated fallback must not mask the canonical
			// source once it is reachable again.
			logger.Info().Msg("workspace is not git-tracked, re-fetching template repo")
			stale = true
		}
		if !stale && p.hasContent(dir) {
			return dir, nil
		}
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("wiping stale workspace: %w", err)
		}
	}

	if p.repoURL != "" {
		if err := p.fetch(ctx, dir); err != nil {
			logger.Warn().Err(err).Str("repo", p.repoURL).Msg("template fetch failed, generating fallback template")
			_ = os.RemoveAll(dir)
			if err := writeTemplate(dir); err != nil {
				return "", err
			}
		}
	} else {
		if err := writeTemplate(dir); err != nil {
			return "", err
		}
	}

	if err := writeVersionMarker(dir, p.version); err != nil {
		logger.Warn().Err(err).Msg("failed to write template version marker")
	}
	return dir, nil
}

// EnsureRunnable detects the workspace entrypoint and writes the credential
// file. A workspace with no known entrypoint is repaired by regenerating the
// embedded template. The credential file is always fully rewritten.
func (p *Provisioner) EnsureRunnable(ctx context.Context, botID int64, cred Credential) (Command, error) {
	dir := p.Dir(botID)

	entrypoint := ""
	for _, name := range entrypointCandidates {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			entrypoint = name
			break
		}
	}
	if entrypoint == "" {
		log.Warn().Int64("bot_id", botID).Msg("no entrypoint found, regenerating template")
		if err := writeTemplate(dir); err != nil {
			return Command{}, err
		}
		entrypoint = TemplateEntrypoint
	}

	if err := p.writeCredential(dir, cred); err != nil {
		return Command{}, err
	}

	return Command{
		Interpreter: p.venvPython(dir),
		Entrypoint:  entrypoint,
		Dir:         dir,
	}, nil
}

// EnsureDependencies guarantees an isolated, working virtualenv for the bot
// and installs its dependency manifest if one is present. A broken
// environment is destroyed and recreated from scratch rather than patched.
func (p *Provisioner) EnsureDependencies(ctx context.Context, botID int64) (string, error) {
	dir := p.Dir(botID)
	venvDir := filepath.Join(dir, "venv")
	venvPy := p.venvPython(dir)
	logger := log.With().Int64("bot_id", botID).Logger()

	healthy := false
	if _, err := os.Stat(venvPy); err == nil {
		if err := runCmd(ctx, dir, venvPy, "-m", "pip", "--version"); err == nil {
			healthy = true
		} else {
			logger.Warn().Err(err).Msg("virtualenv failed pip self-check, recreating")
		}
	}

	if !healthy {
		if err := os.RemoveAll(venvDir); err != nil {
			return "", fmt.Errorf("removing broken virtualenv: %w", err)
		}
		if err := runCmd(ctx, dir, p.interpreter, "-m", "venv", "venv"); err != nil {
			return "", fmt.Errorf("creating virtualenv: %w", err)
		}
		// Not fatal: some distributions ship venvs with pip already usable.
		if err := runCmd(ctx, dir, venvPy, "-m", "ensurepip", "--upgrade"); err != nil {
			logger.Debug().Err(err).Msg("ensurepip failed")
		}
	}

	manifest := filepath.Join(dir, "requirements.txt")
	if _, err := os.Stat(manifest); err == nil {
		if err := runCmd(ctx, dir, venvPy,
			"-m", "pip", "install", "-r", "requirements.txt",
			"--no-cache-dir", "--disable-pip-version-check"); err != nil {
			return "", fmt.Errorf("installing dependencies: %w", err)
		}
	}

	return venvPy, nil
}

// UpdateCode pulls the latest revision into a git-tracked workspace,
// discarding local modifications first. A workspace that is not git-tracked
// is left untouched and reported as not updated. Dependencies are
// re-validated after a successful pull.
func (p *Provisioner) UpdateCode(ctx context.Context, botID int64) (bool, error) {
	dir := p.Dir(botID)

	repo, err := git.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return false, nil
		}
		return false, fmt.Errorf("opening workspace repo: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return false, fmt.Errorf("resetting worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, fmt.Errorf("pulling latest revision: %w", err)
	}

	if _, err := p.EnsureDependencies(ctx, botID); err != nil {
		return true, err
	}
	return true, nil
}

// EnsureLogs creates the logs directory and returns the stdout/stderr paths.
func (p *Provisioner) EnsureLogs(botID int64) (string, string, error) {
	logsDir := filepath.Join(p.Dir(botID), "logs")
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return "", "", fmt.Errorf("creating logs dir: %w", err)
	}
	return filepath.Join(logsDir, "stdout.log"), filepath.Join(logsDir, "stderr.log"), nil
}

// Remove deletes the bot's workspace from disk.
func (p *Provisioner) Remove(botID int64) error {
	if err := os.RemoveAll(p.Dir(botID)); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func (p *Provisioner) fetch(ctx context.Context, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:   p.repoURL,
		Depth: 1,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", p.repoURL, err)
	}
	return nil
}

// writeCredential rewrites the workspace .env file in full. Three fixed
// key=value lines; previous content is never merged.
func (p *Provisioner) writeCredential(dir string, cred Credential) error {
	var b strings.Builder
	b.WriteString("BOT_TOKEN=" + cred.Token + "\n")
	adminID := ""
	if cred.AdminID != 0 {
		adminID = strconv.FormatInt(cred.AdminID, 10)
	}
	b.WriteString("ADMIN_ID=" + adminID + "\n")
	b.WriteString("CHANNEL_ID=" + cred.ChannelID + "\n")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}

func (p *Provisioner) venvPython(dir string) string {
	return filepath.Join(dir, "venv", "bin", "python")
}

// hasContent reports whether the workspace holds anything beyond the version
// marker. An empty directory is re-provisioned.
func (p *Provisioner) hasContent(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() != versionMarker {
			return true
		}
	}
	return false
}

func isGitTracked(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func runCmd(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- interpreter path comes from config, args are fixed
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, detail)
	}
	return nil
}
