package dap

import (
	"encoding/base64"
	"flag"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote/remotetest"
	"github.com/memscan/memscan/pkg/section"
	"github.com/memscan/memscan/service/dap/daptest"
)

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

// runTest serves a fake target with process "game" (pid 42), whose heap
// at 0x1000 holds the bytes 0 to 15.
func runTest(t *testing.T, test func(c *daptest.Client, fake *remotetest.Fake, p *remotetest.Process)) {
	f := remotetest.NewFake()
	p := f.AddProcess(42, "game")
	heap := make([]byte, 16)
	for i := range heap {
		heap[i] = byte(i)
	}
	p.Map("[heap]", 0x1000, section.ProtRW, heap)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	disconnectChan := make(chan struct{})
	server := NewServer(&Config{
		Listener:       listener,
		Dial:           f.Dialer(),
		Addr:           "fake",
		DisconnectChan: disconnectChan,
	})
	server.Run()

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(server.Stop) }
	go func() {
		<-disconnectChan
		stop()
	}()
	defer stop()

	client := daptest.NewClient(t, listener.Addr().String())
	defer client.Close()

	test(client, f, p)
}

func attach(t *testing.T, client *daptest.Client, args map[string]interface{}) {
	client.InitializeRequest()
	initResp := client.ExpectInitializeResponse(t)
	assert.True(t, initResp.Body.SupportsReadMemoryRequest)
	assert.True(t, initResp.Body.SupportsWriteMemoryRequest)

	client.AttachRequest(args)
	client.ExpectAttachResponse(t)
	client.ExpectInitializedEvent(t)
	client.ConfigurationDoneRequest()
	client.ExpectConfigurationDoneResponse(t)
}

func TestReadWriteMemory(t *testing.T) {
	runTest(t, func(client *daptest.Client, fake *remotetest.Fake, p *remotetest.Process) {
		attach(t, client, map[string]interface{}{"processId": 42})

		client.ThreadsRequest()
		assert.Empty(t, client.ExpectThreadsResponse(t).Body.Threads)

		client.ReadMemoryRequest("0x1000", 4, 4)
		resp := client.ExpectReadMemoryResponse(t)
		assert.Equal(t, "0x1004", resp.Body.Address)
		data, err := base64.StdEncoding.DecodeString(resp.Body.Data)
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 5, 6, 7}, data)

		client.WriteMemoryRequest("0x1008", 0, base64.StdEncoding.EncodeToString([]byte{0xaa, 0xbb}))
		wresp := client.ExpectWriteMemoryResponse(t)
		assert.Equal(t, 2, wresp.Body.BytesWritten)
		assert.Equal(t, []byte{0xaa, 0xbb}, p.Peek(0x1008, 2))

		client.ReadMemoryRequest("0x9000", 0, 8)
		resp = client.ExpectReadMemoryResponse(t)
		assert.Equal(t, 8, resp.Body.UnreadableBytes)
		assert.Empty(t, resp.Body.Data)

		calls := fake.Calls()
		client.ReadMemoryRequest("0x1000", 0, 1<<40)
		er := client.ExpectErrorResponse(t)
		assert.Equal(t, UnableToReadMemory, er.Body.Error.Id)
		assert.Contains(t, er.Body.Error.Format, "exceeds the limit")
		assert.Equal(t, calls, fake.Calls())

		client.ReadMemoryRequest("0x1000", 0, defaultMaxReadSize)
		resp = client.ExpectReadMemoryResponse(t)
		assert.Equal(t, defaultMaxReadSize, resp.Body.UnreadableBytes)

		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
		assert.Eventually(t, fake.Closed, time.Second, 10*time.Millisecond)
	})
}

func TestAttachByName(t *testing.T) {
	runTest(t, func(client *daptest.Client, fake *remotetest.Fake, p *remotetest.Process) {
		attach(t, client, map[string]interface{}{"processName": "game"})
		client.ReadMemoryRequest("0x100f", 0, 1)
		resp := client.ExpectReadMemoryResponse(t)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{15}), resp.Body.Data)
	})
}

func TestAttachErrors(t *testing.T) {
	runTest(t, func(client *daptest.Client, fake *remotetest.Fake, p *remotetest.Process) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)

		client.ReadMemoryRequest("0x1000", 0, 1)
		er := client.ExpectErrorResponse(t)
		assert.Equal(t, NotAttached, er.Body.Error.Id)

		client.AttachRequest(map[string]interface{}{})
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, FailedToAttach, er.Body.Error.Id)

		client.AttachRequest(map[string]interface{}{"processName": "nosuch"})
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, FailedToAttach, er.Body.Error.Id)
		assert.Contains(t, er.Body.Error.Format, "not found")
	})
}

func TestBadRequests(t *testing.T) {
	runTest(t, func(client *daptest.Client, fake *remotetest.Fake, p *remotetest.Process) {
		attach(t, client, map[string]interface{}{"processId": 42})

		client.ContinueRequest(1)
		er := client.ExpectErrorResponse(t)
		assert.Equal(t, UnsupportedCommand, er.Body.Error.Id)
		assert.Equal(t, "continue", er.Command)

		client.UnknownRequest()
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, UnsupportedCommand, er.Body.Error.Id)

		client.ReadMemoryRequest("heap", 0, 1)
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, UnableToReadMemory, er.Body.Error.Id)

		client.WriteMemoryRequest("0x1000", 0, "not base64!")
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, UnableToWriteMemory, er.Body.Error.Id)

		client.ReadMemoryRequest("0x1000", -0x2000, 1)
		er = client.ExpectErrorResponse(t)
		assert.Equal(t, UnableToReadMemory, er.Body.Error.Id)
	})
}

func TestMemoryAddress(t *testing.T) {
	addr, err := memoryAddress("0x1000", -16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff0), addr)
	_, err = memoryAddress("", 0)
	assert.Error(t, err)
}
