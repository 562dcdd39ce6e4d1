package gdbserial

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/memscan/memscan/pkg/logflags"
)

const (
	// maxWireLen is the longest packet prefix written to the wire log.
	maxWireLen = 120
	// minPacketSize is assumed until the stub tells otherwise.
	minPacketSize = 256
)

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of the GDB Remote Serial
// Protocol, or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *ProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

// gdbConn is one connection to a stub. It is not safe for concurrent use:
// remote.Client serializes the calls.
type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int // maximum packet size supported by stub

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log logflags.Logger
}

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{
		conn:                c,
		rdr:                 bufio.NewReader(c),
		inbuf:               make([]byte, 0, minPacketSize),
		packetSize:          minPacketSize,
		ack:                 true,
		maxTransmitAttempts: 3,
		log:                 logflags.GdbWireLogger(),
	}
}

func (conn *gdbConn) handshake(ctx context.Context) error {
	defer conn.bind(ctx)()

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	_, err := conn.qSupported()
	if err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	return nil
}

// bind makes the socket honour ctx until the returned function is called:
// the context deadline becomes the socket deadline and cancelling the
// context interrupts a blocked read or write.
func (conn *gdbConn) bind(ctx context.Context) func() {
	deadline, _ := ctx.Deadline()
	conn.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		conn.conn.SetDeadline(time.Time{})
	}
}

func (conn *gdbConn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte("$qSupported:multiprocess+"), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// parseKeyValues splits a "key:value;key:value;" response.
func parseKeyValues(resp []byte) map[string]string {
	kv := make(map[string]string)
	for _, field := range strings.Split(string(resp), ";") {
		colon := strings.Index(field, ":")
		if colon < 0 {
			continue
		}
		kv[field[:colon]] = field[colon+1:]
	}
	return kv
}

// hexString decodes the hex encoded strings used by lldb for names.
func hexString(s string) string {
	name := make([]byte, 0, len(s)/2)
	for i := 0; i+2 <= len(s); i += 2 {
		n, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			break
		}
		name = append(name, byte(n))
	}
	return string(name)
}

// queryProcessInfo executes a qProcessInfo, describing the attached process.
func (conn *gdbConn) queryProcessInfo() (map[string]string, error) {
	resp, err := conn.exec([]byte("$qProcessInfo"), "process info")
	if err != nil {
		return nil, err
	}
	pi := parseKeyValues(resp)
	if name, ok := pi["name"]; ok {
		pi["name"] = hexString(name)
	}
	return pi, nil
}

// queryProcessList executes qfProcessInfo/qsProcessInfo, the process
// listing of lldb platform stubs.
func (conn *gdbConn) queryProcessList(first bool) (map[string]string, error) {
	cmd := "$qsProcessInfo"
	if first {
		cmd = "$qfProcessInfo"
	}
	resp, err := conn.exec([]byte(cmd), "process list")
	if err != nil {
		return nil, err
	}
	pi := parseKeyValues(resp)
	if name, ok := pi["name"]; ok {
		pi["name"] = hexString(name)
	}
	return pi, nil
}

// queryMemoryRegion executes qMemoryRegionInfo for the region containing
// addr, or the unmapped gap following it.
func (conn *gdbConn) queryMemoryRegion(addr uint64) (map[string]string, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$qMemoryRegionInfo:%x", addr)
	resp, err := conn.exec(conn.outbuf.Bytes(), "memory region info")
	if err != nil {
		return nil, err
	}
	ri := parseKeyValues(resp)
	if name, ok := ri["name"]; ok {
		ri["name"] = hexString(name)
	}
	return ri, nil
}

// executes 'm' (read memory) command
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != sz*2 {
			return fmt.Errorf("short memory read at %#x: %d of %d bytes", addr+uint64(len(data)), len(resp)/2, sz)
		}

		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return fmt.Errorf("malformed memory read response: %v", err)
			}
			data = append(data, uint8(n))
		}
	}
	return nil
}

// executes 'M' (write memory) command, split so that no packet exceeds the
// stub's packet size
func (conn *gdbConn) writeMemory(addr uint64, data []byte) error {
	chunk := (conn.packetSize - 40) / 2
	if chunk < 1 {
		chunk = 1
	}
	for len(data) > 0 {
		sz := len(data)
		if sz > chunk {
			sz = chunk
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr, sz)
		for _, b := range data[:sz] {
			conn.outbuf.WriteByte(hexdigit[b>>4])
			conn.outbuf.WriteByte(hexdigit[b&0xf])
		}
		if _, err := conn.exec(conn.outbuf.Bytes(), "memory write"); err != nil {
			return err
		}
		addr += uint64(sz)
		data = data[sz:]
	}
	return nil
}

func (conn *gdbConn) detach() error {
	_, err := conn.exec([]byte("$D"), "detach")
	return err
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > maxWireLen {
				conn.log.Debugf("<- %s...", string(cmd[:maxWireLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		ok, err := conn.readack()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string) (resp []byte, err error) {
	var csum [2]byte
	attempt := 0
	for {
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		// skip anything sent before the start of the packet
		if start := bytes.IndexAny(resp, "$%"); start > 0 {
			resp = resp[start:]
		}

		// read checksum
		if _, err := io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			if len(out) > maxWireLen {
				conn.log.Debugf("-> %s...", string(out[:maxWireLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			}
		}

		if resp[0] == '%' {
			// notification packets are never requested, ignore them
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || isErrorResponse(resp) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// isErrorResponse reports whether resp is an "Exx" error reply, optionally
// followed by lldb's ";text" or gdb's ".text" message.
func isErrorResponse(resp []byte) bool {
	if len(resp) < 3 || resp[0] != 'E' || !isHexDigit(resp[1]) || !isHexDigit(resp[2]) {
		return false
	}
	return len(resp) == 3 || resp[3] == ';' || resp[3] == '.'
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() (bool, error) {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false, err
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+', nil
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value the RSP protocol uses to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 || len(buf) <= start {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
