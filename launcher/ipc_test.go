package launcher

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPCMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeIPCMessage(&buf, "grpclistener",
		[]byte("127.0.0.1:1234")))
	require.NoError(t, writeIPCMessage(&buf, "jsonrpclistener",
		[]byte("127.0.0.1:9110")))
	require.NoError(t, writeIPCMessage(&buf, "lifetimeevent",
		[]byte{0, 1}))

	msg, err := nextIPCMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, boundGRPCListenAddrEvent("127.0.0.1:1234"), msg)

	msg, err = nextIPCMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, boundJSONRPCListenAddrEvent("127.0.0.1:9110"), msg)

	msg, err = nextIPCMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, unknownIPCEvent{
		mtype:   "lifetimeevent",
		payload: []byte{0, 1},
	}, msg)

	_, err = nextIPCMessage(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestIPCBadVersion(t *testing.T) {
	buf := bytes.NewReader([]byte{9, 0, 0, 0, 0, 0})
	_, err := nextIPCMessage(buf)
	require.ErrorIs(t, err, errUnsupportedIPCVersion)
}

func TestIPCTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeIPCMessage(&buf, "grpclistener",
		[]byte("127.0.0.1:1234")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := nextIPCMessage(truncated)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadWalletIPC(t *testing.T) {
	pipe, err := newIPCPipePair()
	require.NoError(t, err)

	require.NoError(t, writeIPCMessage(pipe.w, "grpclistener",
		[]byte("bad")))
	require.NoError(t, writeIPCMessage(pipe.w, "grpclistener",
		[]byte("127.0.0.1:5555")))
	require.NoError(t, writeIPCMessage(pipe.w, "grpclistener",
		[]byte("127.0.0.1:6666")))
	pipe.closeWrite()

	portChan := make(chan int, 1)
	readWalletIPC(pipe, portChan)
	require.Equal(t, 5555, <-portChan)
	require.Nil(t, pipe.r)
}
