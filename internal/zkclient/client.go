package zkclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("device is not connected")
	ErrConnection   = errors.New("device connection failed")
	ErrResponse     = errors.New("device rejected the command")
)

// DefaultPort is the terminal's TCP port.
const DefaultPort = 4370

// Client implements DeviceClient over the terminal's binary TCP protocol.
// A Client is safe for concurrent use; calls are serialized on the socket.
type Client struct {
	addr     string
	commKey  int
	timeout  time.Duration
	dialer   net.Dialer
	mu       sync.Mutex
	conn     net.Conn
	session  uint16
	reply    uint16
	userSize int
}

var _ DeviceClient = (*Client)(nil)

// NewClient creates a client for the terminal at host:port.
// Parameters:
//   - host: terminal IP address or hostname
//   - port: TCP port, DefaultPort when <= 0
//   - password: numeric comm key, empty or "0" when the terminal has none
//   - timeout: per call deadline used when ctx carries none
func NewClient(host string, port int, password string, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		commKey: cast.ToInt(strings.TrimLeft(strings.TrimSpace(password), "0")),
		timeout: timeout,
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the terminal and opens a session. A dial failure is
// reported as ErrConnection and is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", c.addr)
	if err != nil {
		zap.L().Warn("terminal dial failed",
			zap.String("namespace", "zkclient"),
			zap.String("addr", c.addr),
			zap.Error(err))
		return errors.Wrapf(ErrConnection, "dial %s: %v", c.addr, err)
	}
	c.conn = conn
	c.session = 0
	c.reply = ushrtMax - 1

	resp, err := c.exchange(ctx, cmdConnect, nil)
	if err != nil {
		c.closeLocked()
		return errors.Wrapf(ErrConnection, "connect %s: %v", c.addr, err)
	}
	c.session = resp.SessionID
	if resp.Command == cmdAckUnauth {
		resp, err = c.exchange(ctx, cmdAuth, makeCommKey(c.commKey, c.session, 50))
		if err != nil {
			c.closeLocked()
			return errors.Wrapf(ErrConnection, "auth %s: %v", c.addr, err)
		}
	}
	if !resp.ok() {
		c.closeLocked()
		return errors.Wrapf(ErrConnection, "connect %s: unauthorized (reply %d)", c.addr, resp.Command)
	}
	zap.L().Info("terminal connected",
		zap.String("namespace", "zkclient"),
		zap.String("addr", c.addr),
		zap.Uint16("session", c.session))
	return nil
}

// Disconnect sends CMD_EXIT and closes the socket. It is a no-op when the
// client is not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_, err := c.exchange(context.Background(), cmdExit, nil)
	c.closeLocked()
	return err
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) EnableDevice(ctx context.Context) error {
	return c.simple(ctx, cmdEnableDevice, nil)
}

func (c *Client) DisableDevice(ctx context.Context) error {
	return c.simple(ctx, cmdDisableDevice, nil)
}

// GetUsers reads the user table with the buffered read protocol.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	count, err := c.userCount(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []User{}, nil
	}
	data, err := c.readWithBuffer(ctx, cmdUserTempRrq, fctUser)
	if err != nil {
		return nil, err
	}
	if len(data) <= 4 {
		return []User{}, nil
	}
	total := int(binary.LittleEndian.Uint32(data[:4]))
	c.userSize = userRecordLarge
	if total/count == userRecordSmall {
		c.userSize = userRecordSmall
	}
	return decodeUsers(data[4:], c.userSize), nil
}

// SetUser writes a user record and refreshes the terminal's user cache.
func (c *Client) SetUser(ctx context.Context, user User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	size := c.userSize
	if size == 0 {
		size = userRecordLarge
	}
	payload, err := encodeUser(user, size)
	if err != nil {
		return err
	}
	if err := c.expectOK(ctx, cmdUserWrq, payload); err != nil {
		return errors.Wrapf(err, "set user %d", user.UID)
	}
	return c.expectOK(ctx, cmdRefreshData, nil)
}

// DeleteUser removes the record in slot uid.
func (c *Client) DeleteUser(ctx context.Context, uid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(uid))
	if err := c.expectOK(ctx, cmdDeleteUser, payload); err != nil {
		return errors.Wrapf(err, "delete user %d", uid)
	}
	return c.expectOK(ctx, cmdRefreshData, nil)
}

// EnrollUser cancels any running capture and starts fingerprint enrollment.
// It returns once the terminal accepted the request.
func (c *Client) EnrollUser(ctx context.Context, userID string, fingerIndex int) error {
	if fingerIndex < 0 || fingerIndex > 9 {
		return errors.Errorf("finger index %d out of range 0-9", fingerIndex)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.expectOK(ctx, cmdCancelCapture, nil); err != nil {
		return errors.Wrap(err, "cancel capture")
	}
	payload := make([]byte, 26)
	putString(payload[:24], userID)
	payload[24] = byte(int8(fingerIndex))
	payload[25] = 1
	if err := c.expectOK(ctx, cmdStartEnroll, payload); err != nil {
		return errors.Wrapf(err, "enroll user %s finger %d", userID, fingerIndex)
	}
	return nil
}

func (c *Client) simple(ctx context.Context, command uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.expectOK(ctx, command, payload)
}

func (c *Client) expectOK(ctx context.Context, command uint16, payload []byte) error {
	resp, err := c.exchange(ctx, command, payload)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return errors.Wrapf(ErrResponse, "command %d answered %d", command, resp.Command)
	}
	return nil
}

// userCount reads the user counter from CMD_GET_FREE_SIZES.
func (c *Client) userCount(ctx context.Context) (int, error) {
	resp, err := c.exchange(ctx, cmdGetFreeSizes, nil)
	if err != nil {
		return 0, err
	}
	if !resp.ok() || len(resp.Data) < 20 {
		return 0, errors.Wrap(ErrResponse, "read sizes")
	}
	return int(int32(binary.LittleEndian.Uint32(resp.Data[16:]))), nil
}

// readWithBuffer asks the terminal to stage a table and reads it back in
// chunks. Small tables come back directly as CMD_DATA.
func (c *Client) readWithBuffer(ctx context.Context, command uint16, fct int32) ([]byte, error) {
	resp, err := c.exchange(ctx, cmdPrepareBuffer, prepareBufferRequest(command, fct, 0))
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, errors.Wrap(ErrResponse, "prepare buffer")
	}
	if resp.Command == cmdData {
		return resp.Data, nil
	}
	if len(resp.Data) < 5 {
		return nil, errors.Wrap(ErrResponse, "prepare buffer: missing size")
	}
	size := int(binary.LittleEndian.Uint32(resp.Data[1:5]))

	data := make([]byte, 0, size)
	for start := 0; start < size; {
		n := size - start
		if n > maxChunk {
			n = maxChunk
		}
		chunk, err := c.readChunk(ctx, start, n)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		start += n
	}
	if err := c.expectOK(ctx, cmdFreeData, nil); err != nil {
		return nil, errors.Wrap(err, "free data")
	}
	return data, nil
}

// readChunk reads one staged chunk. The terminal either answers with the
// data itself or announces it with CMD_PREPARE_DATA, streams CMD_DATA
// packets and closes with CMD_ACK_OK.
func (c *Client) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	resp, err := c.exchange(ctx, cmdReadBuffer, readBufferRequest(start, size))
	if err != nil {
		return nil, err
	}
	switch resp.Command {
	case cmdData:
		return resp.Data, nil
	case cmdPrepareData:
	default:
		return nil, errors.Wrapf(ErrResponse, "read chunk at %d answered %d", start, resp.Command)
	}

	data := make([]byte, 0, size)
	for len(data) < size {
		p, err := c.readPacket()
		if err != nil {
			return nil, err
		}
		if p.Command != cmdData {
			return nil, errors.Wrapf(ErrResponse, "read chunk at %d: unexpected %d", start, p.Command)
		}
		data = append(data, p.Data...)
	}
	ack, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	if ack.Command != cmdAckOK {
		return nil, errors.Wrapf(ErrResponse, "read chunk at %d: missing ack", start)
	}
	return data, nil
}

// exchange sends one command and reads the answer. The caller holds mu.
func (c *Client) exchange(ctx context.Context, command uint16, payload []byte) (*packet, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	frame := createTCPTop(createHeader(command, c.session, c.reply, payload))
	if _, err := c.conn.Write(frame); err != nil {
		c.closeLocked()
		return nil, errors.Wrapf(err, "send command %d", command)
	}
	resp, err := c.readPacket()
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	c.reply = resp.ReplyID
	return resp, nil
}

func (c *Client) readPacket() (*packet, error) {
	top := make([]byte, tcpTopSize)
	if _, err := io.ReadFull(c.conn, top); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}
	if binary.LittleEndian.Uint16(top[0:]) != machinePrepareData1 ||
		binary.LittleEndian.Uint16(top[2:]) != machinePrepareData2 {
		return nil, errors.Errorf("bad frame magic % x", top[:4])
	}
	n := binary.LittleEndian.Uint32(top[4:])
	if n < headerSize || n > maxChunk+1024 {
		return nil, errors.Errorf("bad frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}
	return parsePacket(buf)
}
