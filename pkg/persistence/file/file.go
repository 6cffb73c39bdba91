// Package file provides a file-based persistence implementation. Each document is stored as
// root/<collection>/<id>.json. State transitions are serialized by an in-process lock, so a
// file store must only be shared by goroutines of a single process.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

var errInvalidID = errors.New("invalid document id")

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root          string
	flowRepo      *FlowRepository
	triggerRepo   *TriggerRepository
	jobRepo       *JobRepository
	executionRepo *ExecutionRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	mu := &sync.Mutex{}

	return &Persistence{
		root:          cleanRoot,
		flowRepo:      &FlowRepository{flows: collection[models.Flow]{dir: filepath.Join(cleanRoot, "flows")}, mu: mu},
		triggerRepo:   &TriggerRepository{registrations: collection[models.TriggerRegistration]{dir: filepath.Join(cleanRoot, "triggers")}, mu: mu},
		jobRepo:       &JobRepository{jobs: collection[models.ScheduledJob]{dir: filepath.Join(cleanRoot, "jobs")}, mu: mu},
		executionRepo: &ExecutionRepository{executions: collection[models.ExecutionRecord]{dir: filepath.Join(cleanRoot, "executions")}},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}

func (fp *Persistence) TriggerRepository() persistence.TriggerRepository {
	return fp.triggerRepo
}

func (fp *Persistence) JobRepository() persistence.JobRepository {
	return fp.jobRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

// collection reads and writes JSON documents of type T under dir.
type collection[T any] struct {
	dir string
}

func (c collection[T]) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", errInvalidID, id)
	}

	return filepath.Join(c.dir, id+".json"), nil
}

func (c collection[T]) get(id string) (*T, error) {
	filePath, err := c.path(id)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	var doc T

	err = json.Unmarshal(body, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", filePath, err)
	}

	return &doc, nil
}

// put writes doc atomically through a temp file and rename.
func (c collection[T]) put(id string, doc *T) error {
	filePath, err := c.path(id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(c.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp := filePath + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	err = os.Rename(tmp, filePath)
	if err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filePath, err)
	}

	return nil
}

func (c collection[T]) remove(id string) (bool, error) {
	filePath, err := c.path(id)
	if err != nil {
		return false, err
	}

	err = os.Remove(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s: %w", filePath, err)
	}

	return true, nil
}

func (c collection[T]) all() ([]*T, error) {
	matches, err := fs.Glob(os.DirFS(c.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	docs := make([]*T, 0, len(matches))

	for _, name := range matches {
		doc, err := c.get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}

		if doc != nil {
			docs = append(docs, doc)
		}
	}

	return docs, nil
}
