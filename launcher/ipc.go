package launcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ipcPipePair is an os.Pipe whose ends are closed independently. The child
// inherits one end, the launcher keeps the other.
type ipcPipePair struct {
	r, w *os.File
}

func newIPCPipePair() (*ipcPipePair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &ipcPipePair{r: r, w: w}, nil
}

func (p *ipcPipePair) closeRead() {
	if p.r != nil {
		p.r.Close()
		p.r = nil
	}
}

func (p *ipcPipePair) closeWrite() {
	if p.w != nil {
		p.w.Close()
		p.w = nil
	}
}

func (p *ipcPipePair) close() {
	p.closeRead()
	p.closeWrite()
}

// ipcProtocolVersion is the only framing version dcrwallet writes.
const ipcProtocolVersion = 1

// maxIPCPayload bounds the payload of a single message.
const maxIPCPayload = 1 << 16

// boundGRPCListenAddrEvent carries the address of a gRPC listener bound by
// the wallet.
type boundGRPCListenAddrEvent string

// boundJSONRPCListenAddrEvent carries the address of a JSON-RPC listener
// bound by the wallet.
type boundJSONRPCListenAddrEvent string

// unknownIPCEvent is any message type the launcher does not act on.
type unknownIPCEvent struct {
	mtype   string
	payload []byte
}

var errUnsupportedIPCVersion = errors.New("unsupported IPC protocol version")

// nextIPCMessage reads the next framed message from r. The frame is a
// protocol version byte, a type length byte, the type string, a little
// endian uint32 payload length and the payload.
func nextIPCMessage(r io.Reader) (interface{}, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != ipcProtocolVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedIPCVersion,
			hdr[0])
	}

	mtype := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, mtype); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	plen := binary.LittleEndian.Uint32(lenBuf[:])
	if plen > maxIPCPayload {
		return nil, fmt.Errorf("IPC payload too large: %d", plen)
	}

	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	switch string(mtype) {
	case "grpclistener":
		return boundGRPCListenAddrEvent(payload), nil
	case "jsonrpclistener":
		return boundJSONRPCListenAddrEvent(payload), nil
	default:
		return unknownIPCEvent{mtype: string(mtype), payload: payload},
			nil
	}
}

// writeIPCMessage frames a message the way nextIPCMessage expects it.
func writeIPCMessage(w io.Writer, mtype string, payload []byte) error {
	if len(mtype) > 255 {
		return fmt.Errorf("IPC message type too long")
	}
	buf := make([]byte, 0, 2+len(mtype)+4+len(payload))
	buf = append(buf, ipcProtocolVersion, byte(len(mtype)))
	buf = append(buf, mtype...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
