// Package storage keeps captured photos and their per-session index on local
// disk. Layout: <root>/<sessionID>/img_NNNN.jpg plus a captures.json index
// next to the photos.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera/provider"
)

// Capture is one index entry. Sequence is unique within a session; a retake
// of the same sequence replaces the entry and the photo underneath it.
type Capture struct {
	SessionID string            `json:"sessionId"`
	Sequence  int               `json:"sequence"`
	Path      string            `json:"path"`
	Metadata  provider.Metadata `json:"metadata"`

	RecordedAt time.Time `json:"recordedAt"`
}

type Store struct {
	root string

	mu sync.Mutex
}

// New opens the store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root can not be empty")
	}
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		return nil, err
	}

	return &Store{root: dir}, nil
}

func (s *Store) Root() string {
	return s.root
}

// PhotoPath returns the destination for a capture and makes sure the session
// directory exists. Providers write the photo file here themselves.
func (s *Store) PhotoPath(sessionID string, sequence int) string {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		// The provider's own write will surface the real error.
		return path.Join(dir, imageName(sequence))
	}

	return path.Join(dir, imageName(sequence))
}

// RecordCapture appends the capture to the session index, replacing any
// earlier entry with the same sequence.
func (s *Store) RecordCapture(_ context.Context, req provider.CaptureRequest, res *provider.CaptureResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.loadIndex(req.SessionID)
	if err != nil {
		return err
	}
	entry := Capture{
		SessionID:  req.SessionID,
		Sequence:   req.Sequence,
		Path:       res.ImagePath,
		Metadata:   res.Metadata,
		RecordedAt: time.Now(),
	}
	replaced := false
	for i := range list {
		if list[i].Sequence == req.Sequence {
			list[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })

	return s.dumpIndex(req.SessionID, list)
}

// ListCaptures returns the session index ordered by sequence. A session with
// no index yet lists empty.
func (s *Store) ListCaptures(sessionID string) ([]Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadIndex(sessionID)
}

// ListSessions returns session IDs present under the root.
func (s *Store) ListSessions() ([]string, error) {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, file := range files {
		if !file.IsDir() {
			continue
		}
		res = append(res, file.Name())
	}

	return res, nil
}

// ListImages returns photo file names in a session directory.
func (s *Store) ListImages(sessionID string) ([]string, error) {
	files, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if !strings.HasSuffix(file.Name(), DefaultImageExt) {
			continue
		}
		res = append(res, file.Name())
	}

	return res, nil
}

func (s *Store) loadIndex(sessionID string) ([]Capture, error) {
	data, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capture index err: %w", err)
	}
	var list []Capture
	if err = json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal capture index err: %w", err)
	}

	return list, nil
}

func (s *Store) dumpIndex(sessionID string, list []Capture) error {
	if err := os.MkdirAll(s.sessionDir(sessionID), DefaultDirPerm); err != nil {
		return err
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}

	return os.WriteFile(s.indexPath(sessionID), data, DefaultFilePerm)
}

func (s *Store) sessionDir(sessionID string) string {
	return path.Join(s.root, sessionID)
}

func (s *Store) indexPath(sessionID string) string {
	return path.Join(s.sessionDir(sessionID), DefaultIndexFile)
}

func imageName(sequence int) string {
	return fmt.Sprintf("img_%04d%s", sequence, DefaultImageExt)
}
