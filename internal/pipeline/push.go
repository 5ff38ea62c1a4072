package pipeline

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

// runPush replays the fetched tree onto the target in arena order, which
// puts every parent and every referenced resource before its dependents.
// Pushes run sequentially: target platforms validate references on
// creation, so ordering matters more than parallelism here. Resources
// already carrying a target record key are left alone; nothing created on
// the target is ever rolled back.
func (s *Session) runPush(ctx context.Context, logger *zap.Logger) error {
	ids := make([]int, 0, s.graph.Len())
	s.graph.WalkTopological(func(id int, n *resource.Node) bool {
		ids = append(ids, id)
		return true
	})

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := s.graph.Node(id)
		switch n.State {
		case resource.StatePushed:
			s.mu.Lock()
			s.summary.Skipped++
			s.mu.Unlock()
			continue
		case resource.StateFetched:
		default:
			continue
		}
		if s.skipForFailedParent(id, "push") {
			continue
		}
		if err := s.pushNode(ctx, id, logger); err != nil {
			return err
		}
	}
	return nil
}

// pushNode creates one resource on the target, records the key the
// target assigned both in the graph and in the stored detail document,
// and uploads any binary attachments.
func (s *Session) pushNode(ctx context.Context, id int, logger *zap.Logger) error {
	n := s.graph.Node(id)

	detail, err := s.resolveReferences(id, logger)
	if err != nil {
		return s.recordFailure(id, "push", err, logger)
	}

	path, err := s.targetPath(id)
	if err != nil {
		return s.recordFailure(id, "push", err, logger)
	}

	var targetID string
	err = withRetry(ctx, s.policy, "push", func() error {
		var pushErr error
		targetID, pushErr = s.target.PushResource(ctx, path, detail)
		return pushErr
	})
	if err != nil {
		if ferr := s.recordFailure(id, "push", err, logger); ferr != nil {
			return ferr
		}
		s.failSubtree(id, "push")
		return nil
	}

	n.TargetID = targetID
	n.PushedAt = time.Now().UTC()

	if err := s.writeTargetKey(id, detail, targetID); err != nil {
		return err
	}

	def := resource.DefinitionFor(n.Type)
	if def != nil && def.Binary {
		if err := s.pushAttachments(ctx, id, logger); err != nil {
			if ferr := s.recordFailure(id, "push", err, logger); ferr != nil {
				return ferr
			}
			return nil
		}
	}

	if err := s.graph.Advance(id, resource.StatePushed); err != nil {
		return err
	}
	metrics.ResourcesProcessed.WithLabelValues("push", string(n.Type), "success").Inc()
	s.mu.Lock()
	s.summary.Pushed++
	s.mu.Unlock()

	logger.Debug("resource pushed",
		zap.String("type", string(n.Type)),
		zap.String("source_record_key", n.SourceKey),
		zap.String("target_record_key", targetID))
	return nil
}

// writeTargetKey records the target's key inside the stored detail so a
// later push invocation recognizes the resource as done.
func (s *Session) writeTargetKey(id int, detail gojson.RawMessage, targetID string) error {
	var doc map[string]any
	if err := gojson.Unmarshal(detail, &doc); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "detail document is not an object")
	}
	doc["target_record_key"] = targetID
	updated, err := gojson.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal detail")
	}
	n := s.graph.Node(id)
	n.Detail = updated
	return s.run.WriteDetail(s.containerFor(id), n.Type, updated)
}

// resolveReferences rewrites a node's foreign key fields from source
// record keys to the keys the target assigned. References to resources
// the transfer never saw, or that have not pushed yet, are left in place
// and logged.
func (s *Session) resolveReferences(id int, logger *zap.Logger) (gojson.RawMessage, error) {
	n := s.graph.Node(id)
	def := resource.DefinitionFor(n.Type)
	if def == nil || len(def.ForeignKeys) == 0 {
		return n.Detail, nil
	}

	var doc map[string]any
	if err := gojson.Unmarshal(n.Detail, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "detail document is not an object").
			WithDetail("type", string(n.Type))
	}

	for field, refType := range def.ForeignKeys {
		value, ok := doc[field]
		if !ok || value == nil {
			continue
		}
		doc[field] = s.resolveValue(value, refType, n, field, logger)
	}

	updated, err := gojson.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to marshal detail")
	}
	return updated, nil
}

// resolveValue handles the three reference shapes a detail field takes:
// a bare source key, a list of them, or an embedded object carrying one.
func (s *Session) resolveValue(value any, refType resource.Type, n *resource.Node, field string, logger *zap.Logger) any {
	switch v := value.(type) {
	case string:
		if target, ok := s.resolveTarget(refType, v); ok {
			return target
		}
		logger.Warn("unresolved reference",
			zap.String("type", string(n.Type)),
			zap.String("source_record_key", n.SourceKey),
			zap.String("field", field),
			zap.String("reference", v))
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.resolveValue(item, refType, n, field, logger)
		}
		return out
	case map[string]any:
		if key, ok := v["source_record_key"].(string); ok {
			if target, ok := s.resolveTarget(refType, key); ok {
				v["target_record_key"] = target
			}
		}
		return v
	default:
		return v
	}
}

// resolveTarget maps a source record key to the target key its resource
// received, via the run-stable uuid derivation.
func (s *Session) resolveTarget(t resource.Type, sourceKey string) (string, bool) {
	id, ok := s.graph.Lookup(t, resource.UUIDFor(s.ns, sourceKey))
	if !ok {
		return "", false
	}
	n := s.graph.Node(id)
	if n.TargetID == "" {
		return "", false
	}
	return n.TargetID, true
}

// pushAttachments uploads a binary node's stored blobs to the target.
func (s *Session) pushAttachments(ctx context.Context, id int, logger *zap.Logger) error {
	n := s.graph.Node(id)
	container := s.containerFor(id)
	path, err := s.targetPath(id)
	if err != nil {
		return err
	}
	// The resource itself was just created, so its own segment addresses
	// by the fresh target key.
	path[len(path)-1].TargetID = n.TargetID

	names, err := s.run.Blobs(container, n.Type)
	if err != nil {
		return err
	}
	for _, name := range names {
		size := attachmentSize(n, name)
		err := withRetry(ctx, s.policy, "push", func() error {
			rc, err := s.run.OpenBlob(container, name)
			if err != nil {
				return err
			}
			defer rc.Close()
			if err := s.target.PushFile(ctx, path, name, rc, size); err != nil {
				return err
			}
			if size > 0 {
				metrics.BytesTransferred.WithLabelValues("push").Add(float64(size))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func attachmentSize(n *resource.Node, name string) int64 {
	for _, ref := range n.AttachedFiles {
		if ref.Name == name {
			return ref.Size
		}
	}
	return 0
}
