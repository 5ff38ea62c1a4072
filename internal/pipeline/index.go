package pipeline

import (
	"context"
	"path/filepath"
	"slices"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
	"github.com/cdlib/journal-transporter/pkg/store"
)

// runIndex enumerates the source's resource tree breadth-first and writes
// index documents into the run container. Parents are always indexed
// before their children, so the resulting arena order is the dependency
// order the later stages replay.
func (s *Session) runIndex(ctx context.Context, logger *zap.Logger) error {
	s.graph = resource.NewGraph()

	for _, def := range resource.Structure() {
		if def.SkipIndex {
			// Users accumulate from role stubs as journals are walked.
			continue
		}
		if err := s.indexChildren(ctx, resource.NoParent, connector.Path{}, def, logger); err != nil {
			return err
		}
	}
	return nil
}

// childrenContainer is the store directory holding the index of type t
// children under a parent.
func (s *Session) childrenContainer(parentID int, t resource.Type) string {
	if parentID == resource.NoParent {
		return s.run.ContainerPath(string(t))
	}
	return filepath.Join(s.containerFor(parentID), string(t))
}

// indexChildren lists one container on the source, records its entries,
// and recurses into each child's own containers.
func (s *Session) indexChildren(ctx context.Context, parentID int, parentPath connector.Path, def *resource.Definition, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var stubs []connector.Stub
	err := withRetry(ctx, s.policy, "index", func() error {
		var listErr error
		stubs, listErr = s.source.ListResources(ctx, parentPath, def.Type)
		return listErr
	})
	if err != nil {
		if parentID == resource.NoParent {
			return err
		}
		if ferr := s.recordFailure(parentID, "index", err, logger); ferr != nil {
			return ferr
		}
		s.failSubtree(parentID, "index")
		return nil
	}

	if def.Type == resource.TypeJournals && len(s.opts.Journals) > 0 {
		stubs = slices.DeleteFunc(stubs, func(stub connector.Stub) bool {
			return !s.journalSelected(stub)
		})
	}

	entries := make([]store.IndexEntry, 0, len(stubs))
	ids := make([]int, 0, len(stubs))
	for _, stub := range stubs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if def.Type == resource.TypeRoles {
			// The role's user must precede the role in the arena so the
			// push stage creates users before the roles that reference
			// them.
			if err := s.ensureUser(stub, logger); err != nil {
				return err
			}
		}

		node := &resource.Node{
			Type:          def.Type,
			UUID:          resource.UUIDFor(s.ns, stub.SourceKey),
			Parent:        parentID,
			SourceKey:     stub.SourceKey,
			KeyAttributes: stub.KeyAttributes,
			AttachedFiles: fileRefs(stub.Files),
		}
		id, err := s.graph.Add(node)
		if err != nil {
			return err
		}
		if s.graph.Node(id).State == resource.StateNotIndexed {
			if err := s.graph.Advance(id, resource.StateIndexed); err != nil {
				return err
			}
		}
		ids = append(ids, id)

		entries = append(entries, store.IndexEntry{
			UUID:          node.UUID,
			SourceKey:     stub.SourceKey,
			KeyAttributes: stub.KeyAttributes,
			Files:         node.AttachedFiles,
		})
		metrics.ResourcesProcessed.WithLabelValues("index", string(def.Type), "success").Inc()
		s.mu.Lock()
		s.summary.Indexed++
		s.mu.Unlock()
	}

	if err := s.run.UpsertIndexEntries(s.childrenContainer(parentID, def.Type), entries); err != nil {
		return err
	}
	logger.Debug("container indexed",
		zap.String("type", string(def.Type)),
		zap.String("parent", parentPath.String()),
		zap.Int("count", len(entries)))

	for i, stub := range stubs {
		childPath := parentPath.Child(def.Type, stub.SourceKey)
		for _, childDef := range def.Children {
			if err := s.indexChildren(ctx, ids[i], childPath, childDef, logger); err != nil {
				return err
			}
		}
	}
	return nil
}

// journalSelected applies the journal path filter against the stub's key
// attributes and source record key.
func (s *Session) journalSelected(stub connector.Stub) bool {
	var attrs struct {
		Path string `json:"path"`
	}
	gojson.Unmarshal(stub.KeyAttributes, &attrs)
	for _, want := range s.opts.Journals {
		if want == attrs.Path || want == stub.SourceKey {
			return true
		}
	}
	return false
}

// ensureUser adds the user a role stub references to the arena and the
// users index. Users appearing in several roles are recorded once.
func (s *Session) ensureUser(stub connector.Stub, logger *zap.Logger) error {
	key, attrs := userFromRole(stub.KeyAttributes)
	if key == "" {
		logger.Warn("role stub carries no user reference",
			zap.String("source_record_key", stub.SourceKey))
		return nil
	}

	id := resource.UUIDFor(s.ns, key)
	if _, ok := s.graph.Lookup(resource.TypeUsers, id); ok {
		return nil
	}

	node := &resource.Node{
		Type:          resource.TypeUsers,
		UUID:          id,
		Parent:        resource.NoParent,
		SourceKey:     key,
		KeyAttributes: attrs,
	}
	arenaID, err := s.graph.Add(node)
	if err != nil {
		return err
	}
	if err := s.graph.Advance(arenaID, resource.StateIndexed); err != nil {
		return err
	}

	metrics.ResourcesProcessed.WithLabelValues("index", string(resource.TypeUsers), "success").Inc()
	s.mu.Lock()
	s.summary.Indexed++
	s.mu.Unlock()

	return s.run.UpsertIndexEntries(s.childrenContainer(resource.NoParent, resource.TypeUsers),
		[]store.IndexEntry{{UUID: id, SourceKey: key, KeyAttributes: attrs}})
}

// userFromRole extracts the user reference out of a role stub: either a
// bare source record key or an embedded object carrying one.
func userFromRole(raw gojson.RawMessage) (string, gojson.RawMessage) {
	var withKey struct {
		User string `json:"user"`
	}
	if err := gojson.Unmarshal(raw, &withKey); err == nil && withKey.User != "" {
		return withKey.User, nil
	}

	var withObject struct {
		User gojson.RawMessage `json:"user"`
	}
	if err := gojson.Unmarshal(raw, &withObject); err != nil || len(withObject.User) == 0 {
		return "", nil
	}
	var ident struct {
		SourceKey string `json:"source_record_key"`
	}
	if err := gojson.Unmarshal(withObject.User, &ident); err != nil || ident.SourceKey == "" {
		return "", nil
	}
	return ident.SourceKey, withObject.User
}

// fileRefs converts connector file descriptors into graph file refs.
func fileRefs(files []connector.FileDescriptor) []resource.FileRef {
	if len(files) == 0 {
		return nil
	}
	out := make([]resource.FileRef, len(files))
	for i, f := range files {
		out[i] = resource.FileRef{Name: f.Name, SourceKey: f.SourceKey, Size: f.Size}
	}
	return out
}
