package pipeline

import (
	"context"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

// runFetch pulls every indexed resource's detail document, and binary
// attachments where the type carries them, into the run container. Nodes
// at the same depth fetch concurrently on a bounded worker pool; depth
// levels run in order so a node never fetches before its parent.
func (s *Session) runFetch(ctx context.Context, logger *zap.Logger) error {
	for _, level := range s.nodesByDepth(resource.StateIndexed) {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.opts.Workers)
		for _, id := range level {
			id := id
			group.Go(func() error {
				return s.fetchNode(groupCtx, id, logger)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// nodesByDepth buckets arena ids in the given state by lineage depth,
// shallowest first.
func (s *Session) nodesByDepth(state resource.StageState) [][]int {
	var levels [][]int
	for _, id := range s.graph.NodesInState(state) {
		depth := len(s.graph.Lineage(id)) - 1
		for len(levels) <= depth {
			levels = append(levels, nil)
		}
		levels[depth] = append(levels[depth], id)
	}
	return levels
}

// skipForFailedParent marks a node failed when its parent already is.
func (s *Session) skipForFailedParent(id int, stage string) bool {
	n := s.graph.Node(id)
	if n.Parent == resource.NoParent {
		return false
	}
	if s.graph.Node(n.Parent).State != resource.StateFailed {
		return false
	}
	s.graph.MarkFailed(id, errors.New(errors.ErrorTypePrerequisite, "parent resource failed"))
	s.mu.Lock()
	s.summary.Failed++
	s.summary.Errors = append(s.summary.Errors, ResourceError{
		Type:    n.Type,
		Source:  n.SourceKey,
		Stage:   stage,
		Message: "parent resource failed",
	})
	s.mu.Unlock()
	return true
}

// fetchNode retrieves one node's detail, persisting it before the node
// advances. A detail document already present in the store satisfies the
// node without touching the source unless the transfer is forced.
func (s *Session) fetchNode(ctx context.Context, id int, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.skipForFailedParent(id, "fetch") {
		return nil
	}

	n := s.graph.Node(id)
	container := s.containerFor(id)

	if !s.opts.Force && s.run.HasDetail(container, n.Type) {
		detail, err := s.run.ReadDetail(container, n.Type)
		if err != nil {
			return err
		}
		n.Detail = detail
		if err := s.graph.Advance(id, resource.StateFetched); err != nil {
			return err
		}
		s.mu.Lock()
		s.summary.Skipped++
		s.mu.Unlock()
		return nil
	}

	def := resource.DefinitionFor(n.Type)
	var detail gojson.RawMessage
	if def != nil && def.ExtractFromIndex {
		detail = n.KeyAttributes
	} else {
		err := withRetry(ctx, s.policy, "fetch", func() error {
			var fetchErr error
			detail, fetchErr = s.source.GetDetail(ctx, s.sourcePath(id))
			return fetchErr
		})
		if err != nil {
			return s.recordFailure(id, "fetch", err, logger)
		}
	}

	if err := s.run.WriteDetail(container, n.Type, detail); err != nil {
		return err
	}
	n.Detail = detail

	if def != nil && def.Binary {
		if err := s.fetchAttachments(ctx, id, container, logger); err != nil {
			return s.recordFailure(id, "fetch", err, logger)
		}
	}

	if err := s.graph.Advance(id, resource.StateFetched); err != nil {
		return err
	}
	metrics.ResourcesProcessed.WithLabelValues("fetch", string(n.Type), "success").Inc()
	s.mu.Lock()
	s.summary.Fetched++
	s.mu.Unlock()

	logger.Debug("resource fetched",
		zap.String("type", string(n.Type)),
		zap.String("source_record_key", n.SourceKey))
	return nil
}

// fetchAttachments streams a binary node's attachments into its
// container. When the index stub named no descriptors, the detail
// document's file_name identifies the single payload.
func (s *Session) fetchAttachments(ctx context.Context, id int, container string, logger *zap.Logger) error {
	n := s.graph.Node(id)
	descriptors := n.AttachedFiles
	if len(descriptors) == 0 {
		var ident struct {
			FileName string `json:"file_name"`
		}
		gojson.Unmarshal(n.Detail, &ident)
		if ident.FileName == "" {
			ident.FileName = "content"
		}
		descriptors = []resource.FileRef{{Name: ident.FileName, SourceKey: n.SourceKey}}
		n.AttachedFiles = descriptors
	}

	path := s.sourcePath(id)
	for _, ref := range descriptors {
		err := withRetry(ctx, s.policy, "fetch", func() error {
			rc, err := s.source.GetFileContent(ctx, path, connector.FileDescriptor{
				Name:      ref.Name,
				SourceKey: ref.SourceKey,
				Size:      ref.Size,
			})
			if err != nil {
				return err
			}
			defer rc.Close()
			written, err := s.run.WriteBlob(container, ref.Name, rc)
			if err != nil {
				return err
			}
			metrics.BytesTransferred.WithLabelValues("fetch").Add(float64(written))
			s.mu.Lock()
			s.summary.BytesFetched += written
			s.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
