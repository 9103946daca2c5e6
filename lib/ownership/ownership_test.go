package ownership

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestClaimFreePort(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ln, err := Claim(t.Context(), silentLogger(), "127.0.0.1", port)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, port, ln.Addr().(*net.TCPAddr).Port)
}

func TestClaimEvictsRunningRelay(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)

	// A minimal stand-in for an older relay: answers /version and releases
	// the port when told to shut down.
	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": "0.9.0"}) //nolint:errcheck
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		go srv.Close() //nolint:errcheck
	})
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	// Give the stand-in a moment to start accepting.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + itoa(port) + "/version")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)

	claimed, err := Claim(t.Context(), silentLogger(), "127.0.0.1", port)
	require.NoError(t, err)
	defer claimed.Close()
	assert.Equal(t, port, claimed.Addr().(*net.TCPAddr).Port)
}

func TestClaimRefusesForeignHolder(t *testing.T) {
	t.Parallel()
	port := freePort(t)
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer ln.Close()

	// A non-relay holder: plain HTTP with no /version.
	srv := &http.Server{Handler: http.NotFoundHandler()}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	_, err = Claim(t.Context(), silentLogger(), "127.0.0.1", port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by another process")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
