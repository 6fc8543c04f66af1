package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentuity/mcp-server/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestGenerateOTLPBearerToken(t *testing.T) {
	token, err := GenerateOTLPBearerToken("secret", "abc")
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 2)
	assert.Equal(t, "abc", parts[0])
	sum := sha256.Sum256([]byte("secret.abc"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), parts[1])
}

func TestNew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	console := logger.NewTestLogger()
	log, shutdown, err := New(context.Background(), Config{URL: server.URL, ServiceName: "test", Token: "t", Secret: "s"}, console)
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Info("hello %s", "world")
	shutdown()
	assert.True(t, console.Contains("INFO", "hello world"))

	log, shutdown, err = New(context.Background(), Config{URL: server.URL, ServiceName: "test"}, nil)
	require.NoError(t, err)
	require.NotNil(t, log)
	shutdown()
}

func TestNewWithInvalidURL(t *testing.T) {
	log, shutdown, err := New(context.Background(), Config{URL: "://invalid-url"}, nil)
	assert.Error(t, err)
	assert.Nil(t, log)
	assert.Nil(t, shutdown)
	assert.Contains(t, err.Error(), "error parsing otlp url")

	_, _, err = New(context.Background(), Config{URL: "grpc://localhost:4317"}, nil)
	assert.Error(t, err)
}

func TestDroppedCallbackCounter(t *testing.T) {
	counter, err := NewDroppedCallbackCounter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	assert.NotNil(t, Meter())
}
