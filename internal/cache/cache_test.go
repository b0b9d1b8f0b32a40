package cache

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemoteServer is a minimal in-process implementation of the
// remote backend's GET/SET/DEL/SCAN line protocol, grounded on the
// teacher's startEchoBackend harness (internal/services/proxy_test.go).
func fakeRemoteServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	store := map[string][]byte{}
	stop := make(chan struct{})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rd := bufio.NewReader(c)
				w := bufio.NewWriter(c)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					fields := strings.Fields(line)
					if len(fields) == 0 {
						continue
					}
					switch fields[0] {
					case "GET":
						v, ok := store[fields[1]]
						if !ok {
							fmt.Fprintf(w, "NOTFOUND\n")
						} else {
							fmt.Fprintf(w, "VALUE %d\n", len(v))
							w.Write(v)
							w.Write([]byte("\n"))
						}
					case "SET":
						n := 0
						fmt.Sscanf(fields[3], "%d", &n)
						buf := make([]byte, n)
						rd.Read(buf) // best effort; test payloads are small and arrive together
						rd.Discard(1)
						store[fields[1]] = buf
						fmt.Fprintf(w, "STORED\n")
					case "DEL":
						delete(store, fields[1])
						fmt.Fprintf(w, "DELETED\n")
					case "SCAN":
						prefix := fields[1]
						var matched []string
						for k := range store {
							if strings.HasPrefix(k, prefix) {
								matched = append(matched, k)
							}
						}
						fmt.Fprintf(w, "KEYS 0 %d\n", len(matched))
						for _, k := range matched {
							fmt.Fprintf(w, "%s\n", k)
						}
					}
					w.Flush()
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() {
		close(stop)
		ln.Close()
	}
}

func TestRemoteBackendRoundTrip(t *testing.T) {
	addr, shutdown := fakeRemoteServer(t)
	defer shutdown()

	svc, err := New(Config{Provider: "remote", RemoteAddr: addr, DialTimeout: time.Second}, nil)
	require.NoError(t, err)
	_, isRemote := svc.backend.(*remoteBackend)
	require.True(t, isRemote, "expected remote backend to connect, not fall back to memory")

	require.NoError(t, svc.Set("rk", "rv", 0))
	var out string
	ok, err := svc.Get("rk", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rv", out)

	require.NoError(t, svc.Del("rk"))
	ok, err = svc.Get("rk", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteBackendClearScansPrefix(t *testing.T) {
	addr, shutdown := fakeRemoteServer(t)
	defer shutdown()

	backend, err := newRemoteBackend(addr, time.Second)
	require.NoError(t, err)

	require.NoError(t, backend.Set("demo:a", []byte("1"), 0))
	require.NoError(t, backend.Set("demo:b", []byte("2"), 0))
	require.NoError(t, backend.Set("other:c", []byte("3"), 0))

	require.NoError(t, backend.Clear("demo:"))

	_, ok, err := backend.Get("demo:a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = backend.Get("other:c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteBackendDialFailureReturnsError(t *testing.T) {
	_, err := newRemoteBackend("127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, err)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{Provider: "memory"}, nil)
	require.NoError(t, err)
	return svc
}

func TestSetGetRoundTrip(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Set("k1", map[string]string{"a": "b"}, 0))

	var out map[string]string
	ok, err := svc.Get("k1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", out["a"])
}

func TestGetMissReturnsFalse(t *testing.T) {
	svc := newTestService(t)
	ok, err := svc.Get("missing", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Set("short", "v", 0))
	b := svc.backend.(*memoryBackend)
	b.mu.Lock()
	b.items["short"] = memEntry{value: []byte(`"v"`), expireAt: time.Now().Add(-time.Second)}
	b.mu.Unlock()

	ok, err := svc.Get("short", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDel(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Set("k", "v", 0))
	require.NoError(t, svc.Del("k"))
	ok, _ := svc.Get("k", nil)
	assert.False(t, ok)
}

func TestAppFacadeNamespacesKeys(t *testing.T) {
	svc := newTestService(t)
	a := svc.ForApp("demo")
	b := svc.ForApp("other")

	require.NoError(t, a.Set("x", "mine", 0))
	require.NoError(t, b.Set("x", "theirs", 0))

	var got string
	ok, err := a.Get("x", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mine", got)

	ok, err = b.Get("x", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "theirs", got)
}

func TestAppFacadeClearOnlyAffectsOwnPrefix(t *testing.T) {
	svc := newTestService(t)
	a := svc.ForApp("demo")
	b := svc.ForApp("other")

	require.NoError(t, a.Set("x", 1, 0))
	require.NoError(t, b.Set("x", 1, 0))

	require.NoError(t, a.Clear())

	ok, _ := a.Get("x", nil)
	assert.False(t, ok)
	ok, _ = b.Get("x", nil)
	assert.True(t, ok)
}

func TestRemoteBackendFailureFallsBackToMemory(t *testing.T) {
	svc, err := New(Config{Provider: "remote", RemoteAddr: ""}, nil)
	require.NoError(t, err)
	_, ok := svc.backend.(*memoryBackend)
	assert.True(t, ok)
}
