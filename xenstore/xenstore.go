// Package xenstore talks to the guest-metadata store through the
// xenbus device. The store is a path-keyed tree; the debugger uses it
// for domain names and kernel paths, never for watches.
//
// Wire format for each message:
//
//	[4-byte LE op][4-byte LE req_id][4-byte LE tx_id][4-byte LE length][payload]
//
// Request payloads are NUL-terminated paths; error replies carry the
// errno name as a string.
package xenstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/virtdbg/virtdbg/logflags"
	"github.com/virtdbg/virtdbg/xen"
)

const xenbusPath = "/dev/xen/xenbus"

// Store message ops, from the public wire protocol.
const (
	opDirectory     uint32 = 1
	opRead          uint32 = 2
	opGetDomainPath uint32 = 10
	opWrite         uint32 = 11
	opError         uint32 = 16
)

const headerSize = 16

// storeErrnos maps the error names the store replies with onto their
// local counterparts, so callers match with errors.Is.
var storeErrnos = map[string]unix.Errno{
	"EINVAL":    unix.EINVAL,
	"EACCES":    unix.EACCES,
	"EEXIST":    unix.EEXIST,
	"EISDIR":    unix.EISDIR,
	"ENOENT":    unix.ENOENT,
	"ENOMEM":    unix.ENOMEM,
	"ENOSPC":    unix.ENOSPC,
	"EIO":       unix.EIO,
	"ENOTEMPTY": unix.ENOTEMPTY,
	"ENOSYS":    unix.ENOSYS,
	"EROFS":     unix.EROFS,
	"EBUSY":     unix.EBUSY,
	"EAGAIN":    unix.EAGAIN,
	"EISCONN":   unix.EISCONN,
	"E2BIG":     unix.E2BIG,
	"EPERM":     unix.EPERM,
}

// Client is one connection to the store. Request ids increase per
// request and replies are matched against them; the client registers
// no watches, so nothing else ever arrives on the connection.
type Client struct {
	conn  io.ReadWriteCloser
	reqID uint32
}

// Open connects to the store through the xenbus device.
func Open() (*Client, error) {
	return OpenPath(xenbusPath)
}

// OpenPath connects to the store through a device node at path,
// for setups where the xenbus node lives somewhere nonstandard.
func OpenPath(path string) (*Client, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return NewClient(f), nil
}

// NewClient wraps an established store connection. Tests hand in a
// recorded stream.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one request and reads its reply payload.
func (c *Client) roundTrip(op uint32, payload []byte) ([]byte, error) {
	c.reqID++

	msg := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:4], op)
	binary.LittleEndian.PutUint32(msg[4:8], c.reqID)
	binary.LittleEndian.PutUint32(msg[12:16], uint32(len(payload)))
	copy(msg[headerSize:], payload)

	if logflags.XenStore() {
		logflags.XenStoreLogger().Debugf("-> op %d req %d %q", op, c.reqID, payload)
	}

	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return nil, fmt.Errorf("store reply header: %w", err)
	}

	replyOp := binary.LittleEndian.Uint32(hdr[0:4])
	replyID := binary.LittleEndian.Uint32(hdr[4:8])
	length := binary.LittleEndian.Uint32(hdr[12:16])

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("store reply payload (op=%d len=%d): %w", replyOp, length, err)
	}

	if logflags.XenStore() {
		logflags.XenStoreLogger().Debugf("<- op %d req %d %q", replyOp, replyID, body)
	}

	if replyID != c.reqID {
		return nil, fmt.Errorf("store reply for request %d, expected %d", replyID, c.reqID)
	}

	if replyOp == opError {
		name := strings.TrimRight(string(body), "\x00")
		if errno, ok := storeErrnos[name]; ok {
			return nil, fmt.Errorf("store: %w", errno)
		}

		return nil, fmt.Errorf("store error %q", name)
	}

	return body, nil
}

// pathArg NUL-terminates a path for the wire.
func pathArg(path string) []byte {
	return append([]byte(path), 0)
}

// Read returns the value stored at path.
func (c *Client) Read(path string) (string, error) {
	body, err := c.roundTrip(opRead, pathArg(path))
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(body), "\x00"), nil
}

// Write stores value at path.
func (c *Client) Write(path, value string) error {
	payload := pathArg(path)
	payload = append(payload, value...)

	_, err := c.roundTrip(opWrite, payload)

	return err
}

// Directory lists the children of path.
func (c *Client) Directory(path string) ([]string, error) {
	body, err := c.roundTrip(opDirectory, pathArg(path))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimRight(string(body), "\x00")
	if trimmed == "" {
		return nil, nil
	}

	return strings.Split(trimmed, "\x00"), nil
}

// DomainPath returns the root of a domain's store subtree.
func (c *Client) DomainPath(dom xen.DomID) (string, error) {
	body, err := c.roundTrip(opGetDomainPath, pathArg(strconv.Itoa(int(dom))))
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(body), "\x00"), nil
}

// DomainName returns the name the toolstack gave a domain.
func (c *Client) DomainName(dom xen.DomID) (string, error) {
	return c.Read(fmt.Sprintf("/local/domain/%d/name", dom))
}

// KernelPath returns the path of the kernel image a domain was booted
// from, resolved through the domain's vm link.
func (c *Client) KernelPath(dom xen.DomID) (string, error) {
	vm, err := c.Read(fmt.Sprintf("/local/domain/%d/vm", dom))
	if err != nil {
		return "", err
	}

	return c.Read(vm + "/image/kernel")
}
