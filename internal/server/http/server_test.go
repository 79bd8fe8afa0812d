package http

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracedash/internal/logging"
	"tracedash/internal/tracesvc"
)

func TestServerStopsWithContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := NewBackendRouter(newSimulator(tracesvc.SimulatorConfig{}), nil, logging.Nop(), RouterConfig{})
	server := NewServer("backend", listener.Addr().String(), router, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerRunReportsListenError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	server := NewServer("dashboard", listener.Addr().String(), http.NotFoundHandler(), logging.Nop())
	err = server.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dashboard: listen on")
}
