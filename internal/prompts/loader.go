// Package prompts resolves agent system prompts and shared fragments with
// user-override precedence: a file under the user directory shadows the
// same path under the system directory.
package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	agentsSubdir = "agents"
	sharedSubdir = "shared"

	// toolInstructionsFragment is appended to every agent prompt.
	toolInstructionsFragment = "tool_guidelines"

	// continuationFragment is appended for agents that must emit an
	// explicit continuation signal.
	continuationFragment = "continuation_protocol"
)

// Loader resolves and caches prompt files.
type Loader struct {
	systemDir string
	userDir   string
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type cacheEntry struct {
	content string
	modTime int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithUserDir sets the override directory searched before the system one.
func WithUserDir(dir string) Option {
	return func(l *Loader) { l.userDir = dir }
}

// NewLoader creates a loader over the system prompt directory.
func NewLoader(systemDir string, logger *slog.Logger, opts ...Option) *Loader {
	l := &Loader{
		systemDir: systemDir,
		logger:    logger.With("component", "prompts"),
		cache:     map[string]cacheEntry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AgentPrompt loads an agent's system prompt and appends the shared tool
// instructions. When requireSignal is set the continuation protocol
// fragment is appended too. A missing agent prompt is an error; missing
// shared fragments degrade with a warning.
func (l *Loader) AgentPrompt(promptFile string, requireSignal bool) (string, error) {
	body, err := l.resolve(filepath.Join(agentsSubdir, promptFile))
	if err != nil {
		return "", fmt.Errorf("agent prompt %q: %w", promptFile, err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))

	if frag, err := l.Shared(toolInstructionsFragment); err == nil {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(frag, "\n"))
	} else {
		l.logger.Warn("shared fragment missing", "fragment", toolInstructionsFragment, "error", err)
	}

	if requireSignal {
		if frag, err := l.Shared(continuationFragment); err == nil {
			b.WriteString("\n\n")
			b.WriteString(strings.TrimRight(frag, "\n"))
		} else {
			l.logger.Warn("shared fragment missing", "fragment", continuationFragment, "error", err)
		}
	}
	b.WriteString("\n")
	return b.String(), nil
}

// Shared loads a shared fragment by name (without extension).
func (l *Loader) Shared(name string) (string, error) {
	return l.resolve(filepath.Join(sharedSubdir, name+".md"))
}

// resolve applies the precedence order and caches by path + mtime.
func (l *Loader) resolve(rel string) (string, error) {
	candidates := make([]string, 0, 2)
	if l.userDir != "" {
		candidates = append(candidates, filepath.Join(l.userDir, rel))
	}
	candidates = append(candidates, filepath.Join(l.systemDir, rel))

	var firstErr error
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		mod := info.ModTime().UnixNano()
		l.mu.RLock()
		entry, ok := l.cache[path]
		l.mu.RUnlock()
		if ok && entry.modTime == mod {
			return entry.content, nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		l.mu.Lock()
		l.cache[path] = cacheEntry{content: string(data), modTime: mod}
		l.mu.Unlock()
		return string(data), nil
	}
	if firstErr == nil {
		firstErr = os.ErrNotExist
	}
	return "", firstErr
}

// Watch starts an fsnotify watcher on both prompt roots that drops cached
// entries when files change. Call Close to stop it.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	roots := []string{l.systemDir}
	if l.userDir != "" {
		roots = append(roots, l.userDir)
	}
	for _, root := range roots {
		for _, sub := range []string{agentsSubdir, sharedSubdir} {
			dir := filepath.Join(root, sub)
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				l.logger.Warn("watch failed", "dir", dir, "error", err)
			}
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.invalidate(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("prompt watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

func (l *Loader) invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
	l.logger.Debug("prompt cache invalidated", "path", path)
}
