package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

// metaFile is the run metadata document at the run root.
const metaFile = "index.json"

// indexFile is the per-container index document name.
const indexFile = "index.json"

// Meta is the run metadata document: identity plus per-stage start/finish
// marks used to enforce stage prerequisites across process restarts.
type Meta struct {
	Application   string            `json:"application"`
	Version       string            `json:"version"`
	TransactionID string            `json:"transaction_id"`
	Initiated     time.Time         `json:"initiated"`
	Stages        map[string]string `json:"stages,omitempty"`
}

// IndexEntry is one line of a container index: enough to address a node
// before its full detail has been fetched.
type IndexEntry struct {
	UUID          uuid.UUID          `json:"uuid"`
	SourceKey     string             `json:"source_record_key"`
	KeyAttributes gojson.RawMessage  `json:"key_attributes,omitempty"`
	Files         []resource.FileRef `json:"files,omitempty"`
}

// Run is one run container. All document writes go through temp-file
// renames; index writes additionally serialize per container.
type Run struct {
	root   string
	logger *zap.Logger

	metaMu sync.Mutex
	meta   Meta

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// openRun loads or initializes the run metadata document.
func openRun(root string, logger *zap.Logger) (*Run, error) {
	r := &Run{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	path := filepath.Join(root, metaFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := gojson.Unmarshal(data, &r.meta); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "run metadata is unreadable").
				WithDetail("path", path)
		}
	case os.IsNotExist(err):
		r.meta = Meta{
			Application:   "Journal Transporter",
			Version:       "1.0.0",
			TransactionID: uuid.New().String(),
			Initiated:     time.Now().UTC(),
			Stages:        make(map[string]string),
		}
		if err := r.writeMeta(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to read run metadata")
	}

	if r.meta.Stages == nil {
		r.meta.Stages = make(map[string]string)
	}
	return r, nil
}

// Root returns the run container path.
func (r *Run) Root() string {
	return r.root
}

// Meta returns a copy of the run metadata.
func (r *Run) Meta() Meta {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	return r.meta
}

// Namespace returns the uuid namespace all resource uuids of this run are
// derived under.
func (r *Run) Namespace() (uuid.UUID, error) {
	id, err := uuid.Parse(r.Meta().TransactionID)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "run transaction id is not a uuid")
	}
	return id, nil
}

// MarkStage records a stage lifecycle mark ("index_started",
// "push_finished", ...) and persists the metadata document.
func (r *Run) MarkStage(mark string) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	r.meta.Stages[mark] = time.Now().UTC().Format(time.RFC3339)
	return r.writeMeta()
}

// StageDone reports whether a stage recorded its finished mark.
func (r *Run) StageDone(stage string) bool {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	_, ok := r.meta.Stages[stage+"_finished"]
	return ok
}

// writeMeta persists the metadata document. Callers hold metaMu.
func (r *Run) writeMeta() error {
	data, err := gojson.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal run metadata")
	}
	return atomicWrite(filepath.Join(r.root, metaFile), data)
}

// ContainerPath joins path segments under the run root. Segments come from
// graph lineages: alternating type names and uuids.
func (r *Run) ContainerPath(segments ...string) string {
	return filepath.Join(append([]string{r.root}, segments...)...)
}

// containerLock returns the write lock for one container's index.
func (r *Run) containerLock(container string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[container]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[container] = mu
	}
	return mu
}

// ReadIndex loads a container's index document. A missing index yields an
// empty slice; an unreadable one is store corruption.
func (r *Run) ReadIndex(container string) ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(container, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to read index").
			WithDetail("container", container)
	}
	var entries []IndexEntry
	if err := gojson.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "index document is unreadable").
			WithDetail("container", container)
	}
	return entries, nil
}

// WriteIndex replaces a container's index document atomically.
func (r *Run) WriteIndex(container string, entries []IndexEntry) error {
	mu := r.containerLock(container)
	mu.Lock()
	defer mu.Unlock()
	return r.writeIndexLocked(container, entries)
}

// UpsertIndexEntries merges entries into a container's index by uuid,
// preserving insertion order for existing entries and appending new ones.
// Concurrent workers targeting the same container serialize here.
func (r *Run) UpsertIndexEntries(container string, entries []IndexEntry) error {
	mu := r.containerLock(container)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.ReadIndex(container)
	if err != nil {
		return err
	}
	byUUID := make(map[uuid.UUID]int, len(existing))
	for i, e := range existing {
		byUUID[e.UUID] = i
	}
	for _, e := range entries {
		if i, ok := byUUID[e.UUID]; ok {
			existing[i] = e
			continue
		}
		byUUID[e.UUID] = len(existing)
		existing = append(existing, e)
	}
	return r.writeIndexLocked(container, existing)
}

// writeIndexLocked writes the index document. Callers hold the container
// lock.
func (r *Run) writeIndexLocked(container string, entries []IndexEntry) error {
	if err := os.MkdirAll(container, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create container").
			WithDetail("container", container)
	}
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := gojson.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal index")
	}
	return atomicWrite(filepath.Join(container, indexFile), data)
}

// detailPath names the detail document for a resource type inside a uuid
// container.
func detailPath(container string, t resource.Type) string {
	return filepath.Join(container, t.Singular()+".json")
}

// HasDetail reports whether a uuid container already holds its detail
// document. This is the resumability check: a present detail means the
// node is Fetched and the connector is not consulted again unless forced.
func (r *Run) HasDetail(container string, t resource.Type) bool {
	info, err := os.Stat(detailPath(container, t))
	return err == nil && info.Size() > 0
}

// ReadDetail loads a node's detail document.
func (r *Run) ReadDetail(container string, t resource.Type) (gojson.RawMessage, error) {
	data, err := os.ReadFile(detailPath(container, t))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to read detail document").
			WithDetail("container", container)
	}
	if !gojson.Valid(data) {
		return nil, errors.New(errors.ErrorTypeStoreCorruption, "detail document is not valid JSON").
			WithDetail("path", detailPath(container, t))
	}
	return data, nil
}

// WriteDetail stores a node's detail document atomically.
func (r *Run) WriteDetail(container string, t resource.Type, detail gojson.RawMessage) error {
	if err := os.MkdirAll(container, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create container").
			WithDetail("container", container)
	}
	return atomicWrite(detailPath(container, t), detail)
}

// WriteBlob streams one binary attachment into a uuid container.
func (r *Run) WriteBlob(container, name string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(container, 0o755); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create container").
			WithDetail("container", container)
	}
	dst := filepath.Join(container, name)
	tmp, err := os.CreateTemp(container, ".blob-*")
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create blob temp file")
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to write blob").
			WithDetail("path", dst)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to commit blob").
			WithDetail("path", dst)
	}
	return n, nil
}

// OpenBlob opens a stored binary attachment for reading.
func (r *Run) OpenBlob(container, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(container, name))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to open blob").
			WithDetail("container", container).WithDetail("name", name)
	}
	return f, nil
}

// Blobs lists the binary attachments in a uuid container, excluding the
// detail and index documents.
func (r *Run) Blobs(container string, t resource.Type) ([]string, error) {
	entries, err := os.ReadDir(container)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to list container").
			WithDetail("container", container)
	}
	detail := t.Singular() + ".json"
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == detail || e.Name() == indexFile {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// atomicWrite writes data to a temporary file in the destination
// directory and renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, "failed to create temp file").
			WithDetail("path", path)
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, fmt.Sprintf("failed to write %s", path))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStoreCorruption, fmt.Sprintf("failed to commit %s", path))
	}
	return nil
}
