package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

const gitEntriesDir = "entries"

// GitEntryStore keeps entry files in a git working tree and commits every change.
// With a remote configured, commits are pushed and the tree is pulled on start.
type GitEntryStore struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	spool    *entry.FileStore
	ready    bool
	lastGC   time.Time
}

// NewGitEntryStore creates a store whose working tree lives in repoDir. An empty
// remote keeps the repository local.
func NewGitEntryStore(remote, username, password, repoDir string) *GitEntryStore {
	if abs, err := filepath.Abs(strings.TrimSpace(repoDir)); err == nil {
		repoDir = abs
	}
	return &GitEntryStore{
		repoDir:  repoDir,
		remote:   strings.TrimSpace(remote),
		username: username,
		password: password,
		spool:    entry.NewFileStore(filepath.Join(repoDir, gitEntriesDir)),
	}
}

// EntryDir returns the directory holding entry files inside the working tree.
func (s *GitEntryStore) EntryDir() string {
	return s.spool.BaseDir()
}

// EnsureRepository prepares the local working tree by cloning, opening or initializing it.
func (s *GitEntryStore) EnsureRepository() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureRepositoryLocked()
}

func (s *GitEntryStore) ensureRepositoryLocked() error {
	if s.ready {
		return nil
	}
	if s.repoDir == "" {
		return fmt.Errorf("git entry store: repository directory not configured")
	}
	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	var initPaths []string

	_, errStat := os.Stat(gitDir)
	switch {
	case errors.Is(errStat, fs.ErrNotExist):
		if err := os.MkdirAll(s.repoDir, 0o700); err != nil {
			return fmt.Errorf("git entry store: create repo dir: %w", err)
		}
		cloned := false
		if s.remote != "" {
			_, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.remote})
			switch {
			case errClone == nil:
				cloned = true
			case errors.Is(errClone, transport.ErrEmptyRemoteRepository):
				_ = os.RemoveAll(gitDir)
			default:
				return fmt.Errorf("git entry store: clone remote: %w", errClone)
			}
		}
		if !cloned {
			repo, errInit := git.PlainInit(s.repoDir, false)
			if errInit != nil {
				return fmt.Errorf("git entry store: init repo: %w", errInit)
			}
			if s.remote != "" {
				if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
					Name: "origin",
					URLs: []string{s.remote},
				}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
					return fmt.Errorf("git entry store: configure remote: %w", errCreate)
				}
			}
			if err := os.MkdirAll(s.spool.BaseDir(), 0o700); err != nil {
				return fmt.Errorf("git entry store: create entry dir: %w", err)
			}
			if err := ensureEmptyFile(filepath.Join(s.spool.BaseDir(), ".gitkeep")); err != nil {
				return fmt.Errorf("git entry store: create entry placeholder: %w", err)
			}
			initPaths = []string{filepath.Join(gitEntriesDir, ".gitkeep")}
		}
	case errStat != nil:
		return fmt.Errorf("git entry store: stat repo: %w", errStat)
	default:
		if err := s.pull(authMethod); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(s.spool.BaseDir(), 0o700); err != nil {
		return fmt.Errorf("git entry store: create entry dir: %w", err)
	}
	s.ready = true
	if len(initPaths) > 0 {
		return s.commitAndPushLocked("Initialize entry store", initPaths...)
	}
	return nil
}

func (s *GitEntryStore) pull(authMethod transport.AuthMethod) error {
	if s.remote == "" {
		return nil
	}
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git entry store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git entry store: worktree: %w", err)
	}
	if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
		switch {
		case errors.Is(errPull, git.NoErrAlreadyUpToDate),
			errors.Is(errPull, git.ErrUnstagedChanges),
			errors.Is(errPull, git.ErrNonFastForwardUpdate):
			// Local changes win.
		case errors.Is(errPull, transport.ErrAuthenticationRequired),
			errors.Is(errPull, plumbing.ErrReferenceNotFound),
			errors.Is(errPull, transport.ErrEmptyRemoteRepository):
			log.WithError(errPull).Debug("git entry store: pull skipped")
		default:
			return fmt.Errorf("git entry store: pull: %w", errPull)
		}
	}
	return nil
}

// Save implements entry.Store.
func (s *GitEntryStore) Save(ctx context.Context, e *entry.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return "", err
	}
	path, err := s.spool.Save(ctx, e)
	if err != nil {
		return "", fmt.Errorf("git entry store: %w", err)
	}
	rel, err := s.relativeToRepo(path)
	if err != nil {
		return "", err
	}
	if err = s.commitAndPushLocked(fmt.Sprintf("Update entry %s (%s)", e.Title, e.EntryID), rel); err != nil {
		return "", err
	}
	return path, nil
}

// List implements entry.Store.
func (s *GitEntryStore) List(ctx context.Context) ([]*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return nil, err
	}
	return s.spool.List(ctx)
}

// Delete implements entry.Store.
func (s *GitEntryStore) Delete(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return err
	}
	entries, err := s.spool.List(ctx)
	if err != nil {
		return fmt.Errorf("git entry store: %w", err)
	}
	var path string
	for _, e := range entries {
		if e.EntryID == entryID {
			path = e.Path
			break
		}
	}
	if path == "" {
		return entry.ErrNotFound
	}
	if err = s.spool.Delete(ctx, entryID); err != nil {
		return fmt.Errorf("git entry store: %w", err)
	}
	rel, err := s.relativeToRepo(path)
	if err != nil {
		return err
	}
	return s.commitAndPushLocked(fmt.Sprintf("Delete entry %s", entryID), rel)
}

func (s *GitEntryStore) gitAuth() transport.AuthMethod {
	if s.username == "" && s.password == "" {
		return nil
	}
	user := s.username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.password}
}

func (s *GitEntryStore) relativeToRepo(path string) (string, error) {
	cleanPath := path
	if abs, err := filepath.Abs(path); err == nil {
		cleanPath = abs
	}
	rel, err := filepath.Rel(s.repoDir, cleanPath)
	if err != nil {
		return "", fmt.Errorf("git entry store: relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("git entry store: path outside repository")
	}
	return rel, nil
}

func (s *GitEntryStore) commitAndPushLocked(message string, relPaths ...string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git entry store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git entry store: worktree: %w", err)
	}
	added := false
	for _, rel := range relPaths {
		if strings.TrimSpace(rel) == "" {
			continue
		}
		if _, err = worktree.Add(rel); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("git entry store: add %s: %w", rel, err)
			}
			if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
				return fmt.Errorf("git entry store: remove %s: %w", rel, errRemove)
			}
		}
		added = true
	}
	if !added {
		return nil
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git entry store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "onlycat-bridge",
		Email: "onlycat-bridge@local",
		When:  time.Now(),
	}
	if _, err = worktree.Commit(message, &git.CommitOptions{Author: signature}); err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git entry store: commit: %w", err)
	}
	s.maybeRunGC(repo)
	if s.remote == "" {
		return nil
	}
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth()}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git entry store: push: %w", err)
	}
	return nil
}

func (s *GitEntryStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}

func ensureEmptyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte{}, 0o600)
}
