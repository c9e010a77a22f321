package config

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchAntiSwearWordlist watches path for writes and calls onReload with the
// freshly parsed wordlist each time, until ctx is cancelled. This lets
// moderators push wordlist updates to the Admission Pipeline's anti-swear
// stage (§4.5) without a service restart.
func WatchAntiSwearWordlist(ctx context.Context, path string, onReload func([]string)) error {
	if path == "" {
		return nil
	}
	if words, err := readWordlist(path); err == nil {
		onReload(words)
	} else {
		slog.Warn("antiswear wordlist not readable at startup", "path", path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				words, err := readWordlist(path)
				if err != nil {
					slog.Warn("antiswear wordlist reload failed", "error", err)
					continue
				}
				slog.Info("antiswear wordlist reloaded", "path", path, "words", len(words))
				onReload(words)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("antiswear wordlist watcher error", "error", err)
			}
		}
	}()
	return nil
}

func readWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, strings.ToLower(line))
	}
	return words, scanner.Err()
}
