// Package watchlist maintains the set of subjects that are refreshed on a
// schedule, backed by a YAML file that is watched for external edits.
package watchlist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/j-veylop/repcache/internal/cache"
	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
)

// File represents the YAML file structure for the watchlist.
type File struct {
	Subjects []models.Subject `yaml:"subjects"`
}

// Event represents a watchlist event.
type Event struct {
	Error    error
	Subjects int
	Type     EventType
}

// EventType defines the type of watchlist event.
type EventType int

const (
	EventLoaded EventType = iota
	EventChanged
	EventError
)

// Service manages the watchlist with file watching and change notifications.
type Service struct {
	mu            sync.RWMutex
	subjects      []models.Subject
	filePath      string
	watcher       *fsnotify.Watcher
	log           *slog.Logger
	eventChan     chan Event
	stopChan      chan struct{}
	debounceTimer *time.Timer
	closeOnce     sync.Once
}

// New loads the watchlist, creating an empty file if none exists, and starts
// watching it.
func New(filePath string) (*Service, error) {
	if filePath == "" {
		return nil, fmt.Errorf("watchlist path is empty")
	}

	s := &Service{
		filePath:  filePath,
		log:       logger.Component("watchlist"),
		eventChan: make(chan Event, 100),
		stopChan:  make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create watchlist directory: %w", err)
	}

	if err := s.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load watchlist: %w", err)
		}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("failed to create watchlist file: %w", err)
		}
	}

	if err := s.startWatcher(); err != nil {
		return nil, fmt.Errorf("failed to start file watcher: %w", err)
	}

	s.sendEvent(Event{Type: EventLoaded, Subjects: s.Len()})
	return s, nil
}

// Events returns the event channel for subscribing to watchlist changes.
func (s *Service) Events() <-chan Event {
	return s.eventChan
}

// Subjects returns a copy of the watched subjects.
func (s *Service) Subjects() []models.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subjects)
}

// Len returns the number of watched subjects.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects)
}

// Add normalizes and appends a subject, then persists the file.
func (s *Service) Add(qt models.QueryType, key string) (models.Subject, error) {
	norm, err := cache.NormalizeKey(qt, key)
	if err != nil {
		return models.Subject{}, err
	}
	subject := models.Subject{QueryType: qt, Key: norm}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.subjects, subject) {
		return subject, fmt.Errorf("%s is already watched", subject)
	}
	s.subjects = append(s.subjects, subject)

	if err := s.saveLocked(); err != nil {
		s.subjects = s.subjects[:len(s.subjects)-1]
		return subject, fmt.Errorf("failed to save watchlist: %w", err)
	}
	return subject, nil
}

// Remove deletes a subject and persists the file.
func (s *Service) Remove(qt models.QueryType, key string) error {
	norm, err := cache.NormalizeKey(qt, key)
	if err != nil {
		return err
	}
	subject := models.Subject{QueryType: qt, Key: norm}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.Index(s.subjects, subject)
	if idx < 0 {
		return fmt.Errorf("%s is not watched", subject)
	}
	old := slices.Clone(s.subjects)
	s.subjects = slices.Delete(s.subjects, idx, idx+1)

	if err := s.saveLocked(); err != nil {
		s.subjects = old
		return fmt.Errorf("failed to save watchlist: %w", err)
	}
	return nil
}

// Reload re-reads the file. Invalid or duplicate subjects are skipped.
func (s *Service) Reload() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	subjects, err := s.parse(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subjects = subjects
	s.mu.Unlock()
	return nil
}

func (s *Service) parse(data []byte) ([]models.Subject, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist: %w", err)
	}

	subjects := make([]models.Subject, 0, len(file.Subjects))
	for _, raw := range file.Subjects {
		key, err := cache.NormalizeKey(raw.QueryType, raw.Key)
		if err != nil {
			s.log.Warn("skipping watchlist entry", "subject", raw.String(), "error", err)
			continue
		}
		subject := models.Subject{QueryType: raw.QueryType, Key: key}
		if !slices.Contains(subjects, subject) {
			subjects = append(subjects, subject)
		}
	}
	return subjects, nil
}

func (s *Service) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the watchlist atomically (must hold lock).
func (s *Service) saveLocked() error {
	data, err := yaml.Marshal(File{Subjects: s.subjects})
	if err != nil {
		return fmt.Errorf("failed to marshal watchlist: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		if removeErr := os.Remove(tmpFile); removeErr != nil {
			s.log.Error("failed to remove temp file", "error", removeErr)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory to catch editors that replace the file.
	if err := watcher.Add(filepath.Dir(s.filePath)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			s.log.Error("failed to close watcher", "error", closeErr)
		}
		return err
	}

	go s.watchLoop()
	return nil
}

// watchLoop handles file system events with debouncing.
func (s *Service) watchLoop() {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.mu.Lock()
				if s.debounceTimer != nil {
					s.debounceTimer.Stop()
				}
				s.debounceTimer = time.AfterFunc(debounceInterval, s.handleFileChange)
				s.mu.Unlock()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.sendEvent(Event{Type: EventError, Error: err})

		case <-s.stopChan:
			return
		}
	}
}

func (s *Service) handleFileChange() {
	if err := s.Reload(); err != nil {
		s.log.Warn("failed to reload watchlist", "error", err)
		s.sendEvent(Event{Type: EventError, Error: err})
		return
	}
	n := s.Len()
	s.log.Info("watchlist reloaded", "subjects", n)
	s.sendEvent(Event{Type: EventChanged, Subjects: n})
}

// sendEvent sends an event to the event channel non-blocking.
func (s *Service) sendEvent(event Event) {
	select {
	case s.eventChan <- event:
	default:
		// Channel full, drop oldest event
		select {
		case <-s.eventChan:
		default:
		}
		select {
		case s.eventChan <- event:
		default:
		}
	}
}

// Close stops the file watcher.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		s.mu.Unlock()

		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
