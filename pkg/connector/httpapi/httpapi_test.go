package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/config"
	"github.com/cdlib/journal-transporter/pkg/connector"
	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := New(config.ServerDefinition{
		Name:     "test",
		Protocol: config.ProtocolHTTP,
		Host:     srv.URL,
		BasePath: "api/v1",
		Token:    "sekrit",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*Client), srv
}

func TestPingAcceptsReachableServer(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, client.Ping(context.Background()))
}

func TestPingReportsBadCredentials(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuth))
}

func TestListResourcesBareArray(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/journals", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		fmt.Fprint(w, `[
			{"source_record_key":"journal-1","path":"jcom"},
			{"source_record_key":"journal-2","path":"jtest"}
		]`)
	}))

	stubs, err := client.ListResources(context.Background(), connector.Path{}, resource.TypeJournals)
	require.NoError(t, err)
	require.Len(t, stubs, 2)
	assert.Equal(t, "journal-1", stubs[0].SourceKey)
	assert.JSONEq(t, `{"source_record_key":"journal-1","path":"jcom"}`, string(stubs[0].KeyAttributes))
}

func TestListResourcesPaginated(t *testing.T) {
	var srv *httptest.Server
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"results":[{"source_record_key":"a-3"}],"next":""}`)
			return
		}
		fmt.Fprintf(w, `{"results":[{"source_record_key":"a-1"},{"source_record_key":"a-2"}],"next":%q}`,
			srv.URL+"/api/v1/journals/12/articles?page=2")
	}))

	path := connector.Path{}.Child(resource.TypeJournals, "12")
	stubs, err := client.ListResources(context.Background(), path, resource.TypeArticles)
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	assert.Equal(t, "a-3", stubs[2].SourceKey)
}

func TestListResourcesNestedURL(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `[]`)
	}))

	path := connector.Path{}.
		Child(resource.TypeJournals, "12").
		Child(resource.TypeArticles, "34")
	_, err := client.ListResources(context.Background(), path, resource.TypeFiles)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/journals/12/articles/34/files", gotPath)
}

func TestGetDetail(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/journals/12", r.URL.Path)
		fmt.Fprint(w, `{"title":"Journal of Tests"}`)
	}))

	detail, err := client.GetDetail(context.Background(), connector.Path{}.Child(resource.TypeJournals, "12"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Journal of Tests"}`, string(detail))
}

func TestGetFileContent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/journals/1/articles/2/files/3/content", r.URL.Path)
		w.Write([]byte("pdf bytes"))
	}))

	path := connector.Path{}.
		Child(resource.TypeJournals, "1").
		Child(resource.TypeArticles, "2").
		Child(resource.TypeFiles, "3")
	rc, err := client.GetFileContent(context.Background(), path, connector.FileDescriptor{Name: "m.pdf"})
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "pdf bytes", string(data))
}

func TestPushResourceUsesParentTargetIDs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/journals/77/articles", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"An Article"}`, string(body))
		fmt.Fprint(w, `{"target_record_key":"article-900"}`)
	}))

	path := connector.Path{
		{Type: resource.TypeJournals, SourceKey: "12", TargetID: "77"},
		{Type: resource.TypeArticles, SourceKey: "34"},
	}
	id, err := client.PushResource(context.Background(), path, []byte(`{"title":"An Article"}`))
	require.NoError(t, err)
	assert.Equal(t, "article-900", id)
}

func TestPushFile(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/journals/1/articles/2/files/9/content", r.URL.Path)
		assert.Contains(t, r.Header.Get("Content-Disposition"), "m.pdf")
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(data))
		w.WriteHeader(http.StatusCreated)
	}))

	path := connector.Path{
		{Type: resource.TypeJournals, SourceKey: "1", TargetID: "1"},
		{Type: resource.TypeArticles, SourceKey: "2", TargetID: "2"},
		{Type: resource.TypeFiles, SourceKey: "3", TargetID: "9"},
	}
	err := client.PushFile(context.Background(), path, "m.pdf", strings.NewReader("payload"), 7)
	require.NoError(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorType
	}{
		{http.StatusUnauthorized, errors.ErrorTypeAuth},
		{http.StatusForbidden, errors.ErrorTypeAuth},
		{http.StatusNotFound, errors.ErrorTypeNotFound},
		{http.StatusUnprocessableEntity, errors.ErrorTypeValidation},
		{http.StatusTooManyRequests, errors.ErrorTypeNetwork},
		{http.StatusBadGateway, errors.ErrorTypeNetwork},
		{http.StatusInternalServerError, errors.ErrorTypeNetwork},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			_, err := client.GetDetail(context.Background(), connector.Path{}.Child(resource.TypeJournals, "1"))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.want), "status %d should map to %s", tt.status, tt.want)
		})
	}
}

func TestConnectionRefusedIsNetwork(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := client.GetDetail(context.Background(), connector.Path{}.Child(resource.TypeJournals, "1"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
