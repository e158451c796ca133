package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattsolo1/grove-tracks/pkg/exec"
)

var (
	invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9-_]+`)
	repeatedHyphens  = regexp.MustCompile(`-+`)
)

// GitWorktreeProvider implements WorkspaceProvider with git worktrees.
type GitWorktreeProvider struct {
	repoDir  string
	baseDir  string
	executor exec.CommandExecutor
	logger   Logger

	// git serializes worktree metadata writes; concurrent adds race on
	// .git/worktrees otherwise.
	mu sync.Mutex
}

// NewGitWorktreeProvider creates a provider rooted at repoDir. Worktrees are
// placed under baseDir, or <repoDir>/.tracks-worktrees when empty.
func NewGitWorktreeProvider(repoDir, baseDir string, executor exec.CommandExecutor, logger Logger) *GitWorktreeProvider {
	if baseDir == "" {
		baseDir = filepath.Join(repoDir, ".tracks-worktrees")
	}
	if executor == nil {
		executor = &exec.RealCommandExecutor{}
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &GitWorktreeProvider{
		repoDir:  repoDir,
		baseDir:  baseDir,
		executor: executor,
		logger:   logger,
	}
}

// CreateWorkspace adds a worktree for branch, creating the branch from HEAD
// when it does not exist yet.
func (p *GitWorktreeProvider) CreateWorkspace(ctx context.Context, branch, path string) (*Workspace, error) {
	if err := validateBranchName(branch); err != nil {
		return nil, fmt.Errorf("invalid branch name: %w", err)
	}
	if path == "" {
		path = filepath.Join(p.baseDir, sanitizeForPath(branch))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	// A leftover worktree from an earlier attempt would make the add fail.
	if _, err := os.Stat(path); err == nil {
		p.removeLocked(ctx, path)
	}

	args := []string{"worktree", "add", path, branch}
	if !p.branchExists(ctx, branch) {
		args = []string{"worktree", "add", "-b", branch, path, "HEAD"}
	}
	ws := &Workspace{
		TrackID:   strings.TrimPrefix(branch, "work/"),
		Branch:    branch,
		Path:      path,
		CreatedAt: time.Now(),
	}
	if _, err := p.executor.Output(ctx, p.repoDir, "git", args...); err != nil {
		// ws describes what a failed add may have left behind.
		return ws, fmt.Errorf("adding worktree: %w", err)
	}

	p.logger.Info("created worktree", "branch", branch, "path", path)
	return ws, nil
}

// CommitAll stages every change except the tool endpoint sidecar and commits
// it. Nothing to commit is not an error.
func (p *GitWorktreeProvider) CommitAll(ctx context.Context, ws *Workspace, message string) error {
	if _, err := p.executor.Output(ctx, ws.Path, "git", "add", "-A", "--", ".", ":(exclude)"+ToolEndpointFile); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}

	// The sidecar stays untracked, so only staged changes count.
	staged, err := p.executor.Output(ctx, ws.Path, "git", "diff", "--cached", "--name-only")
	if err != nil {
		return fmt.Errorf("checking staged changes: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		p.logger.Debug("nothing to commit", "branch", ws.Branch)
		return nil
	}

	if _, err := p.executor.Output(ctx, ws.Path, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// RemoveWorkspace removes the worktree and its directory. The branch is kept
// so completed work can be merged.
func (p *GitWorktreeProvider) RemoveWorkspace(ctx context.Context, ws *Workspace) error {
	if ws == nil || ws.Path == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(ctx, ws.Path)
}

func (p *GitWorktreeProvider) removeLocked(ctx context.Context, path string) error {
	_, gitErr := p.executor.Output(ctx, p.repoDir, "git", "worktree", "remove", "--force", path)
	if err := os.RemoveAll(path); err != nil {
		return errors.Join(gitErr, fmt.Errorf("removing worktree directory: %w", err))
	}
	if gitErr != nil {
		// Directory is gone; drop the stale administrative entry.
		p.executor.Output(ctx, p.repoDir, "git", "worktree", "prune")
		p.logger.Debug("git worktree remove failed, directory removed", "path", path, "error", gitErr)
	}
	p.logger.Info("removed worktree", "path", path)
	return nil
}

// MergeBranch merges branch into target with a merge commit. The repository
// must have target checked out. A failed merge is aborted.
func (p *GitWorktreeProvider) MergeBranch(ctx context.Context, branch, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.executor.Output(ctx, p.repoDir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("getting current branch: %w", err)
	}
	if current != target {
		return fmt.Errorf("repository is on %q, expected merge target %q", current, target)
	}

	msg := fmt.Sprintf("Merge %s into %s", branch, target)
	if _, err := p.executor.Output(ctx, p.repoDir, "git", "merge", "--no-ff", "-m", msg, branch); err != nil {
		if _, abortErr := p.executor.Output(ctx, p.repoDir, "git", "merge", "--abort"); abortErr != nil {
			p.logger.Warn("merge abort failed", "branch", branch, "error", abortErr)
		}
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	p.logger.Info("merged branch", "branch", branch, "target", target)
	return nil
}

func (p *GitWorktreeProvider) branchExists(ctx context.Context, branch string) bool {
	_, err := p.executor.Output(ctx, p.repoDir, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > 200 {
		return fmt.Errorf("name too long (max 200 characters)")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "\\") || strings.HasPrefix(name, "-") {
		return fmt.Errorf("name contains path traversal characters")
	}
	if strings.ContainsAny(name, " ~^:?*[") {
		return fmt.Errorf("name contains characters git does not allow in refs")
	}
	return nil
}

func sanitizeForPath(s string) string {
	s = invalidPathChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return repeatedHyphens.ReplaceAllString(s, "-")
}
