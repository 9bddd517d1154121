// Package websockettest provides dial helpers for exercising socket
// endpoints from tests.
package websockettest

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// URL rewrites an httptest server URL to the websocket scheme.
func URL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// Dial opens a websocket connection and registers cleanup on the test.
func Dial(tb testing.TB, urlStr string, header http.Header) *websocket.Conn {
	tb.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		tb.Fatalf("dial %s: %v", urlStr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	tb.Cleanup(func() { conn.Close() })
	return conn
}

// DialIgnoringPongs dials and silences the automatic ping/pong handlers so
// tests can simulate an unresponsive peer.
func DialIgnoringPongs(tb testing.TB, urlStr string, header http.Header) *websocket.Conn {
	tb.Helper()
	conn := Dial(tb, urlStr, header)
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn
}
