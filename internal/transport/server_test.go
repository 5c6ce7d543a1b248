package transport

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ransomwave/azul/internal/codec"
)

// newTestServer wires Server.handleUpgrade behind an httptest.Server so
// tests can dial it directly without binding a real port.
func newTestServer(t *testing.T, s *Server) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", s.handleUpgrade)
	srv := httptest.NewServer(router)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestServerAcceptsPeerAndRoutesMessages(t *testing.T) {
	var mu sync.Mutex
	var received []codec.Type

	s := New(Options{}, nil)
	s.OnMessage(func(t codec.Type, raw []byte) {
		mu.Lock()
		received = append(received, t)
		mu.Unlock()
	})

	srv, wsURL := newTestServer(t, s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	body, err := codec.Encode(codec.TypeInstanceDeleted, codec.InstanceDeleted{GUID: "aaaa"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, codec.TypeInstanceDeleted, received[0])
}

func TestServerSupersedesPreviousPeer(t *testing.T) {
	s := New(Options{}, nil)
	srv, wsURL := newTestServer(t, s)
	defer srv.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.HasPeer())

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	time.Sleep(50 * time.Millisecond)

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadMessage()
	assert.Error(t, err, "superseded peer connection must be closed")
}

func TestSendWithNoPeerIsANoOp(t *testing.T) {
	s := New(Options{}, nil)
	err := s.Send(codec.TypeRequestSnapshot, codec.RequestSnapshot{})
	assert.NoError(t, err)
}

func TestRequestSnapshotSentOnConnectWhenEnabled(t *testing.T) {
	s := New(Options{RequestSnapshotOnConnect: true}, nil)
	srv, wsURL := newTestServer(t, s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	typ, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, codec.TypeRequestSnapshot, typ)
}
