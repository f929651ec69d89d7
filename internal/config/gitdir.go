package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const gitdirPrefix = "gitdir: "

// ResolveMainCheckout returns the primary checkout for dir.
//
// It walks up from dir to the nearest .git entry. A .git directory means dir
// is inside the main checkout. A .git file means a linked worktree: its
// "gitdir: <path>" line points at <common>/worktrees/<name>, whose commondir
// file names the shared git directory, and the main checkout is that
// directory's parent. When no .git entry exists, dir itself is returned.
//
// Only files are read; git is never executed.
func ResolveMainCheckout(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	abs = filepath.Clean(abs)

	for cur := abs; ; {
		dotGit := filepath.Join(cur, ".git")
		info, err := os.Stat(dotGit)
		switch {
		case err == nil && info.IsDir():
			return cur, nil
		case err == nil:
			return mainFromGitFile(dotGit)
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", dotGit, err)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		cur = parent
	}
}

// mainFromGitFile follows a worktree .git file to the main checkout.
func mainFromGitFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, gitdirPrefix) {
		return "", fmt.Errorf("%s: missing %q line", path, strings.TrimSpace(gitdirPrefix))
	}
	gitDir := strings.TrimSpace(strings.TrimPrefix(line, gitdirPrefix))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(path), gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	commonDir, err := readCommonDir(gitDir)
	if err != nil {
		return "", err
	}
	return filepath.Dir(commonDir), nil
}

// readCommonDir reads <gitDir>/commondir. Without one, the shared directory
// is found by trimming the worktrees/<name> suffix.
func readCommonDir(gitDir string) (string, error) {
	content, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err == nil {
		common := strings.TrimSpace(string(content))
		if !filepath.IsAbs(common) {
			common = filepath.Join(gitDir, common)
		}
		return filepath.Clean(common), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read commondir: %w", err)
	}

	sep := string(filepath.Separator)
	marker := sep + "worktrees" + sep
	if idx := strings.LastIndex(gitDir, marker); idx > 0 {
		return gitDir[:idx], nil
	}
	// A plain gitdir (for example a submodule) is its own common directory.
	return gitDir, nil
}

// EnsureWorktreeLink makes <worktree>/.agentsync a symlink to the main
// checkout's .agentsync, creating the target directory if needed. Calling it
// from the main checkout only creates the directory. An existing link to the
// same target is left alone; anything else at the link path is an error.
func EnsureWorktreeLink(worktree, main string) error {
	target := filepath.Join(main, DirName)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if filepath.Clean(worktree) == filepath.Clean(main) {
		return nil
	}

	link := filepath.Join(worktree, DirName)
	info, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("link %s: %w", link, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat %s: %w", link, err)
	case info.Mode()&os.ModeSymlink == 0:
		return fmt.Errorf("%s exists and is not a symlink", link)
	}

	existing, err := os.Readlink(link)
	if err != nil {
		return fmt.Errorf("read link %s: %w", link, err)
	}
	if !filepath.IsAbs(existing) {
		existing = filepath.Join(worktree, existing)
	}
	if filepath.Clean(existing) != filepath.Clean(target) {
		return fmt.Errorf("%s points to %s, want %s", link, existing, target)
	}
	return nil
}
