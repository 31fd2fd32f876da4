package zkclient

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command codes of the terminal protocol
const (
	cmdConnect       uint16 = 1000
	cmdExit          uint16 = 1001
	cmdEnableDevice  uint16 = 1002
	cmdDisableDevice uint16 = 1003
	cmdAckOK         uint16 = 2000
	cmdAckError      uint16 = 2001
	cmdAckData       uint16 = 2002
	cmdAckUnauth     uint16 = 2005
	cmdAuth          uint16 = 1102
	cmdUserWrq       uint16 = 8
	cmdUserTempRrq   uint16 = 9
	cmdDeleteUser    uint16 = 18
	cmdGetFreeSizes  uint16 = 50
	cmdStartEnroll   uint16 = 61
	cmdCancelCapture uint16 = 62
	cmdRefreshData   uint16 = 1013
	cmdPrepareData   uint16 = 1500
	cmdData          uint16 = 1501
	cmdFreeData      uint16 = 1502
	cmdPrepareBuffer uint16 = 1503
	cmdReadBuffer    uint16 = 1504

	fctUser = 5
)

const (
	machinePrepareData1 uint16 = 0x5050
	machinePrepareData2 uint16 = 0x7D82

	ushrtMax = 65535

	tcpTopSize = 8
	headerSize = 8

	maxChunk = 0xFFC0

	userRecordLarge = 72
	userRecordSmall = 28
)

// packet is one decoded frame
type packet struct {
	Command   uint16
	Checksum  uint16
	SessionID uint16
	ReplyID   uint16
	Data      []byte
}

// ok reports whether the terminal accepted the command.
func (p *packet) ok() bool {
	switch p.Command {
	case cmdAckOK, cmdPrepareData, cmdData:
		return true
	}
	return false
}

// checksum sums the buffer as little endian 16 bit words, folding at
// 0xFFFF, and returns the ones' complement.
func checksum(p []byte) uint16 {
	sum := 0
	for len(p) > 1 {
		sum += int(binary.LittleEndian.Uint16(p))
		p = p[2:]
		if sum > ushrtMax {
			sum -= ushrtMax
		}
	}
	if len(p) == 1 {
		sum += int(p[0])
	}
	for sum > ushrtMax {
		sum -= ushrtMax
	}
	sum = ^sum
	for sum < 0 {
		sum += ushrtMax
	}
	return uint16(sum)
}

// createHeader builds the command packet. The checksum covers the packet
// carrying replyID, while the packet itself carries replyID+1.
func createHeader(command, sessionID, replyID uint16, data []byte) []byte {
	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(buf[0:], command)
	binary.LittleEndian.PutUint16(buf[4:], sessionID)
	binary.LittleEndian.PutUint16(buf[6:], replyID)
	copy(buf[headerSize:], data)
	sum := checksum(buf)

	next := int(replyID) + 1
	if next >= ushrtMax {
		next -= ushrtMax
	}
	binary.LittleEndian.PutUint16(buf[2:], sum)
	binary.LittleEndian.PutUint16(buf[6:], uint16(next))
	return buf
}

// createTCPTop prefixes a packet with the TCP frame header.
func createTCPTop(pkt []byte) []byte {
	top := make([]byte, tcpTopSize, tcpTopSize+len(pkt))
	binary.LittleEndian.PutUint16(top[0:], machinePrepareData1)
	binary.LittleEndian.PutUint16(top[2:], machinePrepareData2)
	binary.LittleEndian.PutUint32(top[4:], uint32(len(pkt)))
	return append(top, pkt...)
}

// parsePacket decodes the packet that follows a TCP frame header.
func parsePacket(buf []byte) (*packet, error) {
	if len(buf) < headerSize {
		return nil, errors.Errorf("short packet: %d bytes", len(buf))
	}
	return &packet{
		Command:   binary.LittleEndian.Uint16(buf[0:]),
		Checksum:  binary.LittleEndian.Uint16(buf[2:]),
		SessionID: binary.LittleEndian.Uint16(buf[4:]),
		ReplyID:   binary.LittleEndian.Uint16(buf[6:]),
		Data:      buf[headerSize:],
	}, nil
}

// makeCommKey scrambles the numeric comm key with the session id the way
// the firmware expects it in CMD_AUTH.
func makeCommKey(key int, sessionID uint16, ticks int) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if key&(1<<uint(i)) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	// swap the two 16 bit halves
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]

	t := byte(0xff & ticks)
	return []byte{b[0] ^ t, b[1] ^ t, t, b[3] ^ t}
}

// prepareBufferRequest is the <bhii payload of CMD_PREPARE_BUFFER.
func prepareBufferRequest(command uint16, fct, ext int32) []byte {
	buf := make([]byte, 11)
	buf[0] = 1
	binary.LittleEndian.PutUint16(buf[1:], command)
	binary.LittleEndian.PutUint32(buf[3:], uint32(fct))
	binary.LittleEndian.PutUint32(buf[7:], uint32(ext))
	return buf
}

// readBufferRequest is the <ii payload of CMD_READ_BUFFER.
func readBufferRequest(start, size int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(start))
	binary.LittleEndian.PutUint32(buf[4:], uint32(size))
	return buf
}

// cString reads a NUL terminated field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// putString copies s into a fixed width field, truncating it.
func putString(dst []byte, s string) {
	copy(dst, s)
}

// encodeUser renders a user record in the layout the terminal reported.
//
//	72 bytes: <HB8s24sIx7sx24s  uid, privilege, password, name, card, group, user_id
//	28 bytes: <HB5s8sIxBhI      uid, privilege, password, name, card, group, tz, user_id
func encodeUser(u User, size int) ([]byte, error) {
	if size == userRecordSmall {
		userID, err := strconv.ParseUint(strings.TrimSpace(u.UserID), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "user id %q is not numeric", u.UserID)
		}
		group, _ := strconv.Atoi(u.GroupID)
		buf := make([]byte, userRecordSmall)
		binary.LittleEndian.PutUint16(buf[0:], uint16(u.UID))
		buf[2] = byte(u.Privilege)
		putString(buf[3:8], u.Password)
		putString(buf[8:16], u.Name)
		binary.LittleEndian.PutUint32(buf[16:], u.Card)
		buf[21] = byte(group)
		binary.LittleEndian.PutUint32(buf[24:], uint32(userID))
		return buf, nil
	}
	buf := make([]byte, userRecordLarge)
	binary.LittleEndian.PutUint16(buf[0:], uint16(u.UID))
	buf[2] = byte(u.Privilege)
	putString(buf[3:11], u.Password)
	putString(buf[11:35], u.Name)
	binary.LittleEndian.PutUint32(buf[35:], u.Card)
	putString(buf[40:47], u.GroupID)
	putString(buf[48:72], u.UserID)
	return buf, nil
}

// decodeUsers parses consecutive user records of the given size. A trailing
// partial record is ignored.
func decodeUsers(data []byte, size int) []User {
	var users []User
	for len(data) >= size {
		rec := data[:size]
		data = data[size:]
		var u User
		u.UID = int(binary.LittleEndian.Uint16(rec[0:]))
		u.Privilege = int(rec[2])
		if size == userRecordSmall {
			u.Password = cString(rec[3:8])
			u.Name = strings.TrimSpace(cString(rec[8:16]))
			u.Card = binary.LittleEndian.Uint32(rec[16:])
			u.GroupID = strconv.Itoa(int(rec[21]))
			u.UserID = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(rec[24:])), 10)
		} else {
			u.Password = cString(rec[3:11])
			u.Name = strings.TrimSpace(cString(rec[11:35]))
			u.Card = binary.LittleEndian.Uint32(rec[35:])
			u.GroupID = cString(rec[40:47])
			u.UserID = cString(rec[48:72])
		}
		if u.Name == "" {
			u.Name = "NN-" + u.UserID
		}
		users = append(users, u)
	}
	return users
}
