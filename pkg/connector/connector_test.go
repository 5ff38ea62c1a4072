package connector

import (
	"context"
	"io"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

type nopConnector struct{}

func (nopConnector) Ping(context.Context) error { return nil }
func (nopConnector) ListResources(context.Context, Path, resource.Type) ([]Stub, error) {
	return nil, nil
}
func (nopConnector) GetDetail(context.Context, Path) (gojson.RawMessage, error) { return nil, nil }
func (nopConnector) GetFileContent(context.Context, Path, FileDescriptor) (io.ReadCloser, error) {
	return nil, nil
}
func (nopConnector) PushResource(context.Context, Path, gojson.RawMessage) (string, error) {
	return "", nil
}
func (nopConnector) PushFile(context.Context, Path, string, io.Reader, int64) error { return nil }
func (nopConnector) Close() error                                                   { return nil }

func TestPathChild(t *testing.T) {
	root := Path{}
	journals := root.Child(resource.TypeJournals, "12")
	articles := journals.Child(resource.TypeArticles, "34")

	require.Len(t, journals, 1, "Child does not mutate the receiver")
	require.Len(t, articles, 2)
	assert.Equal(t, resource.TypeArticles, articles.Leaf().Type)
	assert.Equal(t, "34", articles.Leaf().SourceKey)
	assert.Equal(t, "journals/12/articles/34", articles.String())
}

func TestPathChildDoesNotAliasBacking(t *testing.T) {
	base := Path{}.Child(resource.TypeJournals, "1")
	a := base.Child(resource.TypeArticles, "2")
	b := base.Child(resource.TypeSections, "3")

	assert.Equal(t, resource.TypeArticles, a.Leaf().Type)
	assert.Equal(t, resource.TypeSections, b.Leaf().Type)
}

func TestRegistryDispatch(t *testing.T) {
	Register(config.ProtocolHTTP, func(server config.ServerDefinition, logger *zap.Logger) (Connector, error) {
		return nopConnector{}, nil
	})

	conn, err := New(config.ServerDefinition{
		Name:     "source",
		Protocol: config.ProtocolHTTP,
		Host:     "example.org",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Contains(t, Protocols(), config.ProtocolHTTP)
}

func TestRegistryUnknownProtocol(t *testing.T) {
	_, err := New(config.ServerDefinition{
		Name:     "source",
		Protocol: config.Protocol("gopher"),
		Host:     "example.org",
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
