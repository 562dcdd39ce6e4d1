// Package daptest provides a sample client with utilities
// for DAP mode testing.
package daptest

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"

	"github.com/google/go-dap"
)

// Client is a DAP client used by tests. All client methods are
// synchronous.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	// seq is used to track the sequence number of each
	// requests that the client sends to the server
	seq int
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(t testing.TB, addr string) *Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("dialing:", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), seq: 1}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) send(request dap.Message) {
	dap.WriteProtocolMessage(c.conn, request)
}

// ReadMessage reads the next message from the server.
func (c *Client) ReadMessage(t testing.TB) dap.Message {
	t.Helper()
	m, err := dap.ReadProtocolMessage(c.reader)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func expect[T dap.Message](t testing.TB, c *Client) T {
	t.Helper()
	m := c.ReadMessage(t)
	r, ok := m.(T)
	if !ok {
		jsonmsg, _ := json.Marshal(m)
		t.Fatalf("got %s, want %T", jsonmsg, r)
	}
	return r
}

func (c *Client) ExpectInitializeResponse(t testing.TB) *dap.InitializeResponse {
	t.Helper()
	return expect[*dap.InitializeResponse](t, c)
}

func (c *Client) ExpectAttachResponse(t testing.TB) *dap.AttachResponse {
	t.Helper()
	return expect[*dap.AttachResponse](t, c)
}

func (c *Client) ExpectInitializedEvent(t testing.TB) *dap.InitializedEvent {
	t.Helper()
	return expect[*dap.InitializedEvent](t, c)
}

func (c *Client) ExpectConfigurationDoneResponse(t testing.TB) *dap.ConfigurationDoneResponse {
	t.Helper()
	return expect[*dap.ConfigurationDoneResponse](t, c)
}

func (c *Client) ExpectThreadsResponse(t testing.TB) *dap.ThreadsResponse {
	t.Helper()
	return expect[*dap.ThreadsResponse](t, c)
}

func (c *Client) ExpectReadMemoryResponse(t testing.TB) *dap.ReadMemoryResponse {
	t.Helper()
	return expect[*dap.ReadMemoryResponse](t, c)
}

func (c *Client) ExpectWriteMemoryResponse(t testing.TB) *dap.WriteMemoryResponse {
	t.Helper()
	return expect[*dap.WriteMemoryResponse](t, c)
}

func (c *Client) ExpectDisconnectResponse(t testing.TB) *dap.DisconnectResponse {
	t.Helper()
	return expect[*dap.DisconnectResponse](t, c)
}

func (c *Client) ExpectErrorResponse(t testing.TB) *dap.ErrorResponse {
	t.Helper()
	return expect[*dap.ErrorResponse](t, c)
}

// InitializeRequest sends an 'initialize' request.
func (c *Client) InitializeRequest() {
	request := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	request.Arguments = dap.InitializeRequestArguments{
		AdapterID:       "memscan",
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		Locale:          "en-us",
	}
	c.send(request)
}

// AttachRequest sends an 'attach' request with the given arguments.
func (c *Client) AttachRequest(args map[string]interface{}) {
	request := &dap.AttachRequest{Request: *c.newRequest("attach")}
	request.Arguments, _ = json.Marshal(args)
	c.send(request)
}

// ConfigurationDoneRequest sends a 'configurationDone' request.
func (c *Client) ConfigurationDoneRequest() {
	c.send(&dap.ConfigurationDoneRequest{Request: *c.newRequest("configurationDone")})
}

// ThreadsRequest sends a 'threads' request.
func (c *Client) ThreadsRequest() {
	c.send(&dap.ThreadsRequest{Request: *c.newRequest("threads")})
}

// ReadMemoryRequest sends a 'readMemory' request.
func (c *Client) ReadMemoryRequest(ref string, offset, count int) {
	request := &dap.ReadMemoryRequest{Request: *c.newRequest("readMemory")}
	request.Arguments = dap.ReadMemoryArguments{MemoryReference: ref, Offset: offset, Count: count}
	c.send(request)
}

// WriteMemoryRequest sends a 'writeMemory' request; data is base64.
func (c *Client) WriteMemoryRequest(ref string, offset int, data string) {
	request := &dap.WriteMemoryRequest{Request: *c.newRequest("writeMemory")}
	request.Arguments = dap.WriteMemoryArguments{MemoryReference: ref, Offset: offset, Data: data}
	c.send(request)
}

// ContinueRequest sends a 'continue' request, which memscan does not support.
func (c *Client) ContinueRequest(thread int) {
	request := &dap.ContinueRequest{Request: *c.newRequest("continue")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// DisconnectRequest sends a 'disconnect' request.
func (c *Client) DisconnectRequest() {
	c.send(&dap.DisconnectRequest{Request: *c.newRequest("disconnect")})
}

// UnknownRequest sends a request go-dap has no type for.
func (c *Client) UnknownRequest() {
	c.send(c.newRequest("unknown"))
}

func (c *Client) newRequest(command string) *dap.Request {
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	request.Seq = c.seq
	c.seq++
	return request
}
