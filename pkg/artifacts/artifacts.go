// Package artifacts persists the structured results a run produces: test
// report summaries, scan findings, built image identifiers, files copied out
// of containers.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/utils"
)

// Artifact is one recorded result. Records are append-only within a run and
// keyed by build identifier so distinct runs never collide.
type Artifact struct {
	Key       string            `json:"key"`
	BuildID   string            `json:"build_id"`
	Stage     string            `json:"stage"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	File      string            `json:"file,omitempty"`
	Seq       int               `json:"seq"`
	CreatedAt time.Time         `json:"created_at"`
}

type Manager interface {
	// Record appends a structured payload for a stage and returns a key
	// that references it.
	Record(buildID, stage, kind string, payload map[string]string) (key string, err error)

	// PublishFile streams file content (a tar produced by a container
	// step) into the store and records it under the given kind.
	PublishFile(buildID, stage, kind string, r io.Reader) (key string, err error)

	// Query returns every artifact recorded for a build, in insertion
	// order.
	Query(buildID string) ([]Artifact, error)
}

// FileManager keeps artifacts as JSON records (plus raw files) under a
// directory, one subdirectory per build.
type FileManager struct {
	dir  string
	lock sync.Mutex
	seq  int
}

func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create artifacts directory %s: %w", dir, err)
	}
	return &FileManager{dir: dir}, nil
}

func (f *FileManager) Record(buildID, stage, kind string, payload map[string]string) (string, error) {
	return f.append(Artifact{
		BuildID: buildID,
		Stage:   stage,
		Kind:    kind,
		Payload: payload,
	})
}

func (f *FileManager) PublishFile(buildID, stage, kind string, r io.Reader) (string, error) {
	buildDir, err := f.buildDir(buildID)
	if err != nil {
		return "", err
	}

	file, err := os.CreateTemp(buildDir, "artifact-*.tar")
	if err != nil {
		return "", fmt.Errorf("could not create artifact file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return "", fmt.Errorf("could not copy artifact contents: %w", err)
	}

	_, fname := filepath.Split(file.Name())
	return f.append(Artifact{
		BuildID: buildID,
		Stage:   stage,
		Kind:    kind,
		File:    fname,
	})
}

func (f *FileManager) Query(buildID string) ([]Artifact, error) {
	buildDir := filepath.Join(f.dir, sanitize(buildID))
	entries, err := os.ReadDir(buildDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read artifacts for build %s: %w", buildID, err)
	}

	var found []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(buildDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("could not read artifact %s: %w", entry.Name(), err)
		}
		var a Artifact
		if err := json.Unmarshal(contents, &a); err != nil {
			return nil, fmt.Errorf("could not decode artifact %s: %w", entry.Name(), err)
		}
		found = append(found, a)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Seq < found[j].Seq })
	return found, nil
}

// Dir returns the directory holding a build's raw artifact files.
func (f *FileManager) Dir(buildID string) string {
	return filepath.Join(f.dir, sanitize(buildID))
}

// Extract unpacks a file artifact recorded by PublishFile into the given
// directory.
func (f *FileManager) Extract(buildID, key, dir string) error {
	recorded, err := f.Query(buildID)
	if err != nil {
		return err
	}
	for _, a := range recorded {
		if a.Key != key {
			continue
		}
		if a.File == "" {
			return fmt.Errorf("artifact %s has no file content", key)
		}
		tarFile, err := os.Open(filepath.Join(f.Dir(buildID), a.File))
		if err != nil {
			return fmt.Errorf("could not open artifact %s: %w", key, err)
		}
		defer tarFile.Close()
		return utils.Untar(tarFile, dir)
	}
	return fmt.Errorf("artifact %s not found for build %s", key, buildID)
}

func (f *FileManager) append(a Artifact) (string, error) {
	buildDir, err := f.buildDir(a.BuildID)
	if err != nil {
		return "", err
	}

	f.lock.Lock()
	f.seq++
	a.Seq = f.seq
	f.lock.Unlock()

	a.CreatedAt = time.Now().UTC()
	a.Key = fmt.Sprintf("%s-%s-%d", sanitize(a.Stage), a.Kind, a.Seq)

	contents, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("could not encode artifact %s: %w", a.Key, err)
	}
	target := filepath.Join(buildDir, a.Key+".json")
	if err := os.WriteFile(target, contents, 0o644); err != nil {
		return "", fmt.Errorf("could not write artifact %s: %w", a.Key, err)
	}
	return a.Key, nil
}

func (f *FileManager) buildDir(buildID string) (string, error) {
	dir := filepath.Join(f.dir, sanitize(buildID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create build directory %s: %w", dir, err)
	}
	return dir, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
