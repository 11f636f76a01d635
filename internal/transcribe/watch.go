package transcribe

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchLanguageLabels reloads the label file whenever it is written or
// replaced and passes the new table to apply. A file that fails to parse
// keeps the previous table. It blocks until ctx is cancelled.
func WatchLanguageLabels(ctx context.Context, path string, apply func(LanguageLabels), logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save; watch the directory to see the new inode
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}
	name := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			labels, err := LoadLanguageLabels(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Keeping previous language labels")
				continue
			}
			logger.Info().Str("path", path).Int("labels", len(labels)).Msg("Language labels reloaded")
			apply(labels)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
