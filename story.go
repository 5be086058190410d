/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Story is the narrative provider a session plays through. Sessions only
// resolve page ids through it; they never author content.
type Story interface {
	ID() string
	Title() string
	StartPageID() string
	Page(id string) (*Page, error)
}

type Choice struct {
	Text   string `json:"text" yaml:"text"`
	Target string `json:"target" yaml:"target"`
}

type Page struct {
	ID      string   `json:"id" yaml:"id"`
	Text    string   `json:"text" yaml:"text"`
	Choices []Choice `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// StoryFile is a story loaded from disk.
type StoryFile struct {
	StoryID   string           `json:"id" yaml:"id"`
	Name      string           `json:"title" yaml:"title"`
	StartPage string           `json:"startPage" yaml:"startPage"`
	Pages     map[string]*Page `json:"pages" yaml:"pages"`

	path    string
	modTime time.Time
}

func (s *StoryFile) ID() string          { return s.StoryID }
func (s *StoryFile) Title() string       { return s.Name }
func (s *StoryFile) StartPageID() string { return s.StartPage }

func (s *StoryFile) Page(id string) (*Page, error) {
	p, ok := s.Pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q in story %q", ErrUnknownPage, id, s.StoryID)
	}
	return p, nil
}

// validate fills in page ids from map keys and checks that the start page
// and every choice target resolve.
func (s *StoryFile) validate() error {
	if len(s.Pages) == 0 {
		return errors.New("story has no pages")
	}

	if s.StartPage == "" {
		if _, ok := s.Pages["start"]; ok {
			s.StartPage = "start"
		} else {
			return errors.New("story has no startPage")
		}
	}

	for id, p := range s.Pages {
		if p == nil {
			return fmt.Errorf("page %q is empty", id)
		}
		if p.ID == "" {
			p.ID = id
		}
		for i, c := range p.Choices {
			if _, ok := s.Pages[c.Target]; !ok {
				return fmt.Errorf("page %q choice %d targets unknown page %q", id, i, c.Target)
			}
		}
	}

	if _, ok := s.Pages[s.StartPage]; !ok {
		return fmt.Errorf("start page %q does not exist", s.StartPage)
	}

	return nil
}

func loadStoryFile(path string) (*StoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	story := &StoryFile{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, story)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, story)
	default:
		return nil, fmt.Errorf("unsupported story format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if story.StoryID == "" {
		story.StoryID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if story.Name == "" {
		story.Name = story.StoryID
	}

	if err := story.validate(); err != nil {
		return nil, fmt.Errorf("invalid story %s: %w", path, err)
	}

	story.path = path
	story.modTime = info.ModTime()

	return story, nil
}

func isStoryFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// StoryInfo is the listing entry served on /stories.
type StoryInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Pages    int       `json:"pages"`
	Modified time.Time `json:"modified"`
}

// Library holds every story found in a directory.
type Library struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	stories map[string]*StoryFile
}

func newLibrary(dir string, logger *zap.Logger) *Library {
	return &Library{
		dir:     dir,
		logger:  logger,
		stories: make(map[string]*StoryFile),
	}
}

// Load rescans the directory. Files that fail to parse are logged and
// skipped; a missing directory yields an empty library.
func (l *Library) Load() error {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("story directory does not exist", zap.String("dir", l.dir))
		entries = nil
	} else if err != nil {
		return fmt.Errorf("reading story directory: %w", err)
	}

	stories := make(map[string]*StoryFile, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !isStoryFile(entry.Name()) {
			continue
		}

		story, err := loadStoryFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skipping story", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		if prev, ok := stories[story.StoryID]; ok {
			l.logger.Warn("duplicate story id",
				zap.String("story", story.StoryID),
				zap.String("kept", prev.path),
				zap.String("skipped", story.path))
			continue
		}

		stories[story.StoryID] = story
	}

	l.mu.Lock()
	l.stories = stories
	l.mu.Unlock()

	l.logger.Info("loaded stories", zap.String("dir", l.dir), zap.Int("count", len(stories)))

	return nil
}

// Add registers an in-memory story, replacing any story with the same id.
func (l *Library) Add(story *StoryFile) error {
	if err := story.validate(); err != nil {
		return err
	}
	if story.modTime.IsZero() {
		story.modTime = time.Now()
	}

	l.mu.Lock()
	l.stories[story.StoryID] = story
	l.mu.Unlock()

	return nil
}

func (l *Library) Get(id string) (Story, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	story, ok := l.stories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStory, id)
	}
	return story, nil
}

// Latest returns the most recently modified story.
func (l *Library) Latest() (Story, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var latest *StoryFile
	for _, s := range l.stories {
		if latest == nil || s.modTime.After(latest.modTime) ||
			(s.modTime.Equal(latest.modTime) && s.StoryID < latest.StoryID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: library is empty", ErrUnknownStory)
	}
	return latest, nil
}

// Resolve returns the story named by id, or the latest story when id is empty.
func (l *Library) Resolve(id string) (Story, error) {
	if id == "" {
		return l.Latest()
	}
	return l.Get(id)
}

// List returns stories newest first.
func (l *Library) List() []StoryInfo {
	l.mu.RLock()
	list := make([]StoryInfo, 0, len(l.stories))
	for _, s := range l.stories {
		list = append(list, StoryInfo{
			ID:       s.StoryID,
			Title:    s.Name,
			Pages:    len(s.Pages),
			Modified: s.modTime,
		})
	}
	l.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].Modified.Equal(list[j].Modified) {
			return list[i].Modified.After(list[j].Modified)
		}
		return list[i].ID < list[j].ID
	})

	return list
}

// Watch reloads the library whenever a story file in the directory changes,
// until ctx is done. Sessions already playing keep their loaded story.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	go func() {
		defer watcher.Close()

		// Editors tend to emit bursts of events per save.
		const settle = 250 * time.Millisecond
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isStoryFile(ev.Name) {
					continue
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
					ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					pending = time.After(settle)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("story watcher error", zap.Error(err))
			case <-pending:
				pending = nil
				if err := l.Load(); err != nil {
					l.logger.Error("reloading stories", zap.Error(err))
				}
			}
		}
	}()

	return nil
}
