// Package connector defines the contract between the transfer pipeline
// and a publishing platform, plus the registry that maps configured
// protocols to implementations.
//
// # Overview
//
// A Connector adapts one server to four operations:
//   - ListResources enumerates the children of one resource container
//   - GetDetail retrieves a resource's full representation
//   - GetFileContent streams a binary attachment
//   - PushResource and PushFile create resources and attachments on a
//     target server
//
// Implementations translate transport outcomes into the typed errors the
// pipeline's retry executor classifies: network errors are the only
// retryable kind, auth errors abort the transfer, not found and
// validation errors fail single resources.
//
// # Registering Implementations
//
// Implementations self-register by protocol in an init function:
//
//	func init() {
//	    connector.Register(config.ProtocolHTTP, New)
//	}
package connector

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

// FileDescriptor identifies one binary attachment of a resource.
type FileDescriptor struct {
	Name      string `json:"file_name"`
	SourceKey string `json:"source_record_key"`
	Size      int64  `json:"size,omitempty"`
}

// Stub is one entry of a source index listing: the identity of a resource
// before its detail is fetched.
type Stub struct {
	SourceKey     string            `json:"source_record_key"`
	KeyAttributes gojson.RawMessage `json:"-"`
	Files         []FileDescriptor  `json:"files,omitempty"`
}

// Segment is one step of a resource path: a typed container plus the
// record keys identifying the resource on each side of the transfer.
// TargetID is set only once the resource has been pushed.
type Segment struct {
	Type      resource.Type
	SourceKey string
	TargetID  string
}

// Path addresses a resource through its parent chain, root first. An
// empty path addresses the server's top level.
type Path []Segment

// Child extends the path with one segment.
func (p Path) Child(t resource.Type, sourceKey string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Segment{Type: t, SourceKey: sourceKey})
}

// Leaf returns the final segment. Calling Leaf on an empty path is a
// programming error.
func (p Path) Leaf() Segment {
	return p[len(p)-1]
}

// String renders the path for logs, e.g. "journals/12/articles/34".
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(string(seg.Type))
		if seg.SourceKey != "" {
			b.WriteByte('/')
			b.WriteString(seg.SourceKey)
		}
	}
	return b.String()
}

// Connector is the transport abstraction over one configured server.
// All operations honor context cancellation.
type Connector interface {
	// Ping verifies the server is reachable and the configured
	// credentials work, without touching any resources.
	Ping(ctx context.Context) error

	// ListResources enumerates children of type childType under the
	// container addressed by path.
	ListResources(ctx context.Context, path Path, childType resource.Type) ([]Stub, error)

	// GetDetail retrieves the full representation of the resource at path.
	GetDetail(ctx context.Context, path Path) (gojson.RawMessage, error)

	// GetFileContent streams one binary attachment of the resource at
	// path. The caller closes the reader.
	GetFileContent(ctx context.Context, path Path, file FileDescriptor) (io.ReadCloser, error)

	// PushResource creates the resource at path on the target and returns
	// the target's record key for it.
	PushResource(ctx context.Context, path Path, detail gojson.RawMessage) (string, error)

	// PushFile uploads one binary attachment of the resource at path.
	PushFile(ctx context.Context, path Path, name string, content io.Reader, size int64) error

	// Close releases transport resources.
	Close() error
}

// Factory constructs a connector for one configured server.
type Factory func(server config.ServerDefinition, logger *zap.Logger) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[config.Protocol]Factory)
)

// Register installs a connector factory for a protocol. Later
// registrations for the same protocol replace earlier ones.
func Register(protocol config.Protocol, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = factory
}

// New builds a connector for the server's configured protocol.
func New(server config.ServerDefinition, logger *zap.Logger) (Connector, error) {
	if err := server.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[server.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("no connector registered for protocol %q", server.Protocol)).
			WithDetail("server", server.Name)
	}
	return factory(server, logger)
}

// Protocols lists the registered protocols.
func Protocols() []config.Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]config.Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	return out
}
