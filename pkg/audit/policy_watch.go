package audit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// PolicyWatcher reloads a writer's redaction policy when its policy file changes.
// The containing directory is watched so that files replaced by rename (editors,
// mounted config maps) are picked up. A file that fails to parse leaves the
// current policy in place.
type PolicyWatcher struct {
	path    string
	writer  *Writer
	watcher *fsnotify.Watcher
	logger  logrus.FieldLogger
}

// NewPolicyWatcher starts watching path. Run must be called to apply changes.
func NewPolicyWatcher(path string, writer *Writer, logger logrus.FieldLogger) (*PolicyWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("policy file path is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	return &PolicyWatcher{
		path:    filepath.Clean(path),
		writer:  writer,
		watcher: watcher,
		logger:  logger.WithField("policy_file", path),
	}, nil
}

// Run applies policy changes until ctx is canceled, then closes the watcher
func (p *PolicyWatcher) Run(ctx context.Context) error {
	defer p.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-p.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("policy watcher error")
		}
	}
}

func (p *PolicyWatcher) reload() {
	policy, err := LoadPolicyFile(p.path)
	if err != nil {
		p.logger.WithError(err).Error("failed to reload redaction policy, keeping the current one")
		return
	}
	p.writer.SetPolicy(policy)
	p.logger.Info("redaction policy reloaded")
}
