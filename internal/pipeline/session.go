// Package pipeline drives the three-stage transfer: index enumerates the
// source's resource tree breadth-first, fetch pulls every detail document
// and binary attachment into the resource store, and push replays the
// tree onto the target in dependency order.
//
// Each stage records completion marks in the run metadata, so a later
// invocation can run fetch or push alone against the persisted state of
// an earlier one. All source and target traffic flows through the
// connector contract; the pipeline never speaks a transport protocol
// itself.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/errors"
	logging "github.com/cdlib/journal-transporter/pkg/logger"
	"github.com/cdlib/journal-transporter/pkg/metrics"
	"github.com/cdlib/journal-transporter/pkg/resource"
	"github.com/cdlib/journal-transporter/pkg/store"
)

// Mode selects which stages a Run invocation executes.
type Mode string

const (
	// ModeAll runs index, fetch, and push in sequence on a fresh run
	ModeAll Mode = "all"
	// ModeIndex runs only the index stage on a fresh run
	ModeIndex Mode = "index"
	// ModeFetch resumes the current run and fetches indexed resources,
	// running an index pass first when the run has none
	ModeFetch Mode = "fetch"
	// ModePush resumes the current run and pushes fetched resources
	ModePush Mode = "push"
)

// ResourceError records one per-resource failure that did not abort the
// transfer.
type ResourceError struct {
	Type    resource.Type
	Source  string
	Stage   string
	Message string
}

// Summary reports what a Run invocation accomplished.
type Summary struct {
	TransactionID string
	Indexed       int
	Fetched       int
	Skipped       int
	Pushed        int
	Failed        int
	BytesFetched  int64
	Duration      time.Duration
	Errors        []ResourceError
	RetainedRun   string
}

// Session binds a source and target connector to one resource store and
// executes transfer stages against them.
type Session struct {
	source connector.Connector
	target connector.Connector
	st     *store.Store
	opts   config.TransferOptions
	logger *zap.Logger
	policy retryPolicy

	run   *store.Run
	graph *resource.Graph
	ns    uuid.UUID

	mu      sync.Mutex
	summary Summary
}

// NewSession validates the options and prepares a session. The target
// connector may be nil for index and fetch modes.
func NewSession(source, target connector.Connector, st *store.Store, opts config.TransferOptions, logger *zap.Logger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "a source connector is required")
	}
	return &Session{
		source: source,
		target: target,
		st:     st,
		opts:   opts,
		logger: logger,
		policy: newRetryPolicy(opts.RetryAttempts, opts.RetryDelay),
	}, nil
}

// Run executes the stages the mode selects. It returns the summary even
// when the transfer aborts partway, so callers can report partial
// progress.
func (s *Session) Run(ctx context.Context, mode Mode) (Summary, error) {
	start := time.Now()
	resume := mode == ModeFetch || mode == ModePush

	run, err := s.st.BeginRun(resume)
	if err != nil {
		return s.finish(start), err
	}
	s.run = run
	ns, err := run.Namespace()
	if err != nil {
		return s.finish(start), err
	}
	s.ns = ns
	s.mu.Lock()
	s.summary.TransactionID = run.Meta().TransactionID
	s.mu.Unlock()

	ctx = context.WithValue(ctx, logging.RunIDKey, run.Meta().TransactionID)
	logger := s.logger.With(zap.String("transaction_id", run.Meta().TransactionID))
	logger.Info("transfer starting", zap.String("mode", string(mode)))

	if err := s.runStages(ctx, mode, logger); err != nil {
		return s.finish(start), err
	}

	if mode == ModeAll || mode == ModePush {
		retained, err := s.st.Finalize(s.opts.Keep, s.opts.KeepMax)
		if err != nil {
			return s.finish(start), err
		}
		s.mu.Lock()
		s.summary.RetainedRun = retained
		s.mu.Unlock()
	}

	summary := s.finish(start)
	logger.Info("transfer complete",
		zap.Int("indexed", summary.Indexed),
		zap.Int("fetched", summary.Fetched),
		zap.Int("pushed", summary.Pushed),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func (s *Session) runStages(ctx context.Context, mode Mode, logger *zap.Logger) error {
	if mode != ModePush {
		if err := s.source.Ping(ctx); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "source server failed pre-flight check")
		}
	}
	if s.target != nil && (mode == ModeAll || mode == ModePush) {
		if err := s.target.Ping(ctx); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "target server failed pre-flight check")
		}
	}

	if mode == ModeAll || mode == ModeIndex {
		if err := s.stage(ctx, "index", logger, s.runIndex); err != nil {
			return err
		}
	}

	if mode == ModeAll || mode == ModeFetch {
		// Fetch alone implies an index pass when the current run has none.
		if mode == ModeFetch && !s.run.StageDone("index") {
			if err := s.stage(ctx, "index", logger, s.runIndex); err != nil {
				return err
			}
		}
		if s.graph == nil {
			if err := s.loadGraph(); err != nil {
				return err
			}
		}
		if err := s.stage(ctx, "fetch", logger, s.runFetch); err != nil {
			return err
		}
	}

	if mode == ModeAll || mode == ModePush {
		if !s.run.StageDone("fetch") {
			return errors.New(errors.ErrorTypePrerequisite, "push requires a completed fetch stage")
		}
		if s.target == nil {
			return errors.New(errors.ErrorTypeConfig, "push requires a target connector")
		}
		if s.graph == nil {
			if err := s.loadGraph(); err != nil {
				return err
			}
		}
		if err := s.stage(ctx, "push", logger, s.runPush); err != nil {
			return err
		}
	}
	return nil
}

// stage wraps one stage with its metadata marks and duration metric.
func (s *Session) stage(ctx context.Context, name string, logger *zap.Logger, fn func(context.Context, *zap.Logger) error) error {
	ctx = context.WithValue(ctx, logging.PassKey, name)
	stageLogger := logger.With(zap.String("stage", name))
	stageLogger.Info("stage starting")
	if err := s.run.MarkStage(name + "_started"); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx, stageLogger)
	metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		stageLogger.Error("stage aborted", zap.Error(err))
		return err
	}

	if err := s.run.MarkStage(name + "_finished"); err != nil {
		return err
	}
	stageLogger.Info("stage finished", zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Session) finish(start time.Time) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Duration = time.Since(start)
	return s.summary
}

// recordFailure logs a per-resource failure and decides whether the
// transfer continues. Fatal error types abort regardless of the on-error
// policy.
func (s *Session) recordFailure(id int, stage string, cause error, logger *zap.Logger) error {
	n := s.graph.Node(id)
	s.graph.MarkFailed(id, cause)
	metrics.ResourcesProcessed.WithLabelValues(stage, string(n.Type), "failure").Inc()

	s.mu.Lock()
	s.summary.Failed++
	s.summary.Errors = append(s.summary.Errors, ResourceError{
		Type:    n.Type,
		Source:  n.SourceKey,
		Stage:   stage,
		Message: cause.Error(),
	})
	s.mu.Unlock()

	logger.Warn("resource failed",
		zap.String("type", string(n.Type)),
		zap.String("source_record_key", n.SourceKey),
		zap.Error(cause))

	if errors.IsFatal(cause) {
		return cause
	}
	if s.opts.OnError == config.OnErrorAbort {
		return errors.Wrap(cause, errors.TypeOf(cause),
			fmt.Sprintf("aborting on %s failure per on-error policy", stage))
	}
	return nil
}

// failSubtree marks every unfailed descendant of id as failed with a
// prerequisite error. Children of a failed resource can never progress.
func (s *Session) failSubtree(id int, stage string) {
	for _, child := range s.graph.Children(id) {
		n := s.graph.Node(child)
		if n.State == resource.StateFailed {
			continue
		}
		s.graph.MarkFailed(child, errors.New(errors.ErrorTypePrerequisite, "parent resource failed"))
		s.mu.Lock()
		s.summary.Failed++
		s.summary.Errors = append(s.summary.Errors, ResourceError{
			Type:    n.Type,
			Source:  n.SourceKey,
			Stage:   stage,
			Message: "parent resource failed",
		})
		s.mu.Unlock()
		s.failSubtree(child, stage)
	}
}

// containerFor composes the store path for a node from its lineage.
func (s *Session) containerFor(id int) string {
	var segments []string
	for _, anc := range s.graph.Lineage(id) {
		n := s.graph.Node(anc)
		segments = append(segments, string(n.Type), n.UUID.String())
	}
	return s.run.ContainerPath(segments...)
}

// sourcePath composes the remote path addressing a node on the source.
func (s *Session) sourcePath(id int) connector.Path {
	path := connector.Path{}
	for _, anc := range s.graph.Lineage(id) {
		n := s.graph.Node(anc)
		path = path.Child(n.Type, n.SourceKey)
	}
	return path
}

// targetPath composes the remote path for pushing a node: ancestors are
// addressed by the ids the target assigned them.
func (s *Session) targetPath(id int) (connector.Path, error) {
	lineage := s.graph.Lineage(id)
	path := make(connector.Path, 0, len(lineage))
	for i, anc := range lineage {
		n := s.graph.Node(anc)
		if i < len(lineage)-1 && n.TargetID == "" {
			return nil, errors.New(errors.ErrorTypePrerequisite,
				fmt.Sprintf("parent %s %s has no target record key", n.Type, n.SourceKey))
		}
		path = append(path, connector.Segment{Type: n.Type, SourceKey: n.SourceKey, TargetID: n.TargetID})
	}
	return path, nil
}
