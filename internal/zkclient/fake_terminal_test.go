package zkclient

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const fakeSession = 42

// fakeTerminal speaks the server side of the protocol over loopback TCP.
type fakeTerminal struct {
	ln      net.Listener
	commKey int
	direct  bool // answer PREPARE_BUFFER with the data itself

	mu          sync.Mutex
	users       []User
	enroll      []byte
	badChecksum int
	seen        []uint16
}

func startTerminal(t *testing.T, commKey int, direct bool, users ...User) *fakeTerminal {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeTerminal{ln: ln, commKey: commKey, direct: direct, users: users}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeTerminal) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeTerminal) snapshot() []User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]User(nil), f.users...)
}

func (f *fakeTerminal) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeTerminal) send(conn net.Conn, command, replyID uint16, data []byte) {
	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(buf[0:], command)
	binary.LittleEndian.PutUint16(buf[4:], fakeSession)
	binary.LittleEndian.PutUint16(buf[6:], replyID)
	copy(buf[headerSize:], data)
	_, _ = conn.Write(createTCPTop(buf))
}

func (f *fakeTerminal) table() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []byte
	for _, u := range f.users {
		rec, _ := encodeUser(u, userRecordLarge)
		records = append(records, rec...)
	}
	out := make([]byte, 4, 4+len(records))
	binary.LittleEndian.PutUint32(out, uint32(len(records)))
	return append(out, records...)
}

func (f *fakeTerminal) handle(conn net.Conn) {
	defer conn.Close()
	var staged []byte
	for {
		top := make([]byte, tcpTopSize)
		if _, err := io.ReadFull(conn, top); err != nil {
			return
		}
		buf := make([]byte, binary.LittleEndian.Uint32(top[4:]))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		p, err := parsePacket(buf)
		if err != nil {
			return
		}

		// the checksum was computed over the previous reply id
		check := append([]byte(nil), buf...)
		binary.LittleEndian.PutUint16(check[2:], 0)
		binary.LittleEndian.PutUint16(check[6:], uint16((int(p.ReplyID)+ushrtMax-1)%ushrtMax))
		f.mu.Lock()
		if checksum(check) != p.Checksum {
			f.badChecksum++
		}
		f.seen = append(f.seen, p.Command)
		f.mu.Unlock()

		switch p.Command {
		case cmdConnect:
			if f.commKey != 0 {
				f.send(conn, cmdAckUnauth, p.ReplyID, nil)
			} else {
				f.send(conn, cmdAckOK, p.ReplyID, nil)
			}
		case cmdAuth:
			if bytes.Equal(p.Data, makeCommKey(f.commKey, fakeSession, 50)) {
				f.send(conn, cmdAckOK, p.ReplyID, nil)
			} else {
				f.send(conn, cmdAckUnauth, p.ReplyID, nil)
			}
		case cmdGetFreeSizes:
			sizes := make([]byte, 80)
			f.mu.Lock()
			binary.LittleEndian.PutUint32(sizes[16:], uint32(len(f.users)))
			f.mu.Unlock()
			f.send(conn, cmdAckOK, p.ReplyID, sizes)
		case cmdPrepareBuffer:
			staged = f.table()
			if f.direct {
				f.send(conn, cmdData, p.ReplyID, staged)
				continue
			}
			ack := make([]byte, 9)
			binary.LittleEndian.PutUint32(ack[1:], uint32(len(staged)))
			f.send(conn, cmdAckOK, p.ReplyID, ack)
		case cmdReadBuffer:
			start := int(binary.LittleEndian.Uint32(p.Data[0:]))
			size := int(binary.LittleEndian.Uint32(p.Data[4:]))
			chunk := staged[start : start+size]
			announce := make([]byte, 4)
			binary.LittleEndian.PutUint32(announce, uint32(size))
			f.send(conn, cmdPrepareData, p.ReplyID, announce)
			for len(chunk) > 0 {
				n := len(chunk)
				if n > 100 {
					n = 100
				}
				f.send(conn, cmdData, p.ReplyID, chunk[:n])
				chunk = chunk[n:]
			}
			f.send(conn, cmdAckOK, p.ReplyID, nil)
		case cmdUserWrq:
			u := decodeUsers(p.Data, userRecordLarge)[0]
			f.mu.Lock()
			replaced := false
			for i := range f.users {
				if f.users[i].UID == u.UID {
					f.users[i] = u
					replaced = true
				}
			}
			if !replaced {
				f.users = append(f.users, u)
			}
			f.mu.Unlock()
			f.send(conn, cmdAckOK, p.ReplyID, nil)
		case cmdDeleteUser:
			uid := int(binary.LittleEndian.Uint16(p.Data))
			f.mu.Lock()
			kept := f.users[:0]
			for _, u := range f.users {
				if u.UID != uid {
					kept = append(kept, u)
				}
			}
			f.users = kept
			f.mu.Unlock()
			f.send(conn, cmdAckOK, p.ReplyID, nil)
		case cmdStartEnroll:
			f.mu.Lock()
			f.enroll = append([]byte(nil), p.Data...)
			f.mu.Unlock()
			f.send(conn, cmdAckOK, p.ReplyID, nil)
		case cmdFreeData, cmdRefreshData, cmdEnableDevice, cmdDisableDevice, cmdCancelCapture:
			f.send(conn, cmdAckOK, p.ReplyID, nil)
		case cmdExit:
			f.send(conn, cmdAckOK, p.ReplyID, nil)
			return
		default:
			f.send(conn, cmdAckError, p.ReplyID, nil)
		}
	}
}
