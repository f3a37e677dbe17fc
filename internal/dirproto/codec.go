package dirproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"nanofiles/internal/fileindex"
)

var (
	ErrUnknownOpcode = errors.New("dirproto: unknown opcode")
	ErrTruncated     = errors.New("dirproto: truncated message")
	ErrTrailingBytes = errors.New("dirproto: trailing bytes after message")
	ErrStringTooLong = errors.New("dirproto: string longer than 255 bytes")
	ErrOutOfRange    = errors.New("dirproto: integer out of range")
	ErrTooLarge      = errors.New("dirproto: message exceeds packet size")
)

const headerLen = 5

// maxUDPPayload is the largest datagram IPv4 can carry, a little under
// PacketMaxSize.
const maxUDPPayload = 65507

// Encode renders m with the given request id.
func Encode(id uint32, m Message) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, byte(m.Opcode()))
	e.u32(id)

	switch m := m.(type) {
	case Login, RegisterOk, RegisterFail, GetUsers, LookupNotFound, GetFiles,
		ServeFilesOk, ServeFilesFail, LogoutOk:
	case LoginOk:
		e.int(m.ServerCount)
	case Register:
		e.str(m.Nick)
	case Lookup:
		e.str(m.Nick)
	case Logout:
		e.str(m.Nick)
	case UserList:
		e.set(m.Nicks)
	case FileList:
		e.set(m.Entries)
	case LookupFound:
		e.str(m.Host)
		e.int(m.Port)
	case ServeFiles:
		e.str(m.Nick)
		e.int(m.Port)
		e.int(len(m.Files))
		for _, f := range m.Files {
			e.str(f.Hash)
			e.str(f.Name)
			e.str(f.Path)
			e.int64(f.Size)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOpcode, m)
	}
	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Opcode(), e.err)
	}
	if len(e.buf) > PacketMaxSize {
		return nil, fmt.Errorf("encode %s: %w (%d bytes)", m.Opcode(), ErrTooLarge, len(e.buf))
	}
	return e.buf, nil
}

// Decode parses one datagram. On error no message is returned.
func Decode(b []byte) (uint32, Message, error) {
	if len(b) < headerLen {
		return 0, nil, ErrTruncated
	}
	op := Opcode(b[0])
	id := binary.BigEndian.Uint32(b[1:headerLen])
	d := &decoder{b: b, off: headerLen}

	var m Message
	switch op {
	case OpLogin:
		m = Login{}
	case OpLoginOk:
		m = LoginOk{ServerCount: d.int()}
	case OpRegister:
		m = Register{Nick: d.str()}
	case OpRegisterOk:
		m = RegisterOk{}
	case OpRegisterFail:
		m = RegisterFail{}
	case OpGetUsers:
		m = GetUsers{}
	case OpUserList:
		m = UserList{Nicks: d.set()}
	case OpLookup:
		m = Lookup{Nick: d.str()}
	case OpLookupFound:
		host := d.str()
		m = LookupFound{Host: host, Port: d.int()}
	case OpLookupNotFound:
		m = LookupNotFound{}
	case OpGetFiles:
		m = GetFiles{}
	case OpFileList:
		m = FileList{Entries: d.set()}
	case OpServeFiles:
		m = d.serveFiles()
	case OpServeFilesOk:
		m = ServeFilesOk{}
	case OpServeFilesFail:
		m = ServeFilesFail{}
	case OpLogout:
		m = Logout{Nick: d.str()}
	case OpLogoutOk:
		m = LogoutOk{}
	default:
		return id, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(op))
	}
	if d.err != nil {
		return id, nil, fmt.Errorf("decode %s: %w", op, d.err)
	}
	if d.off != len(b) {
		return id, nil, fmt.Errorf("decode %s: %w", op, ErrTrailingBytes)
	}
	return id, m, nil
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) int(v int) { e.int64(int64(v)) }

func (e *encoder) int64(v int64) {
	if v < 0 || v > math.MaxUint32 {
		e.fail(fmt.Errorf("%w: %d", ErrOutOfRange, v))
		return
	}
	e.u32(uint32(v))
}

func (e *encoder) str(s string) {
	if len(s) > math.MaxUint8 {
		e.fail(fmt.Errorf("%w: %q", ErrStringTooLong, s[:32]+"..."))
		return
	}
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
}

// set writes a sorted copy so identical sets encode identically.
func (e *encoder) set(items []string) {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	e.int(len(sorted))
	for _, s := range sorted {
		e.str(s)
	}
}

// FitList returns the entries, sorted, that fit in a UserList or FileList
// datagram, and how many were left out. Entries too long to encode are
// skipped; the rest are kept in order until the next would overflow.
func FitList(items []string) (kept []string, dropped int) {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	room := maxUDPPayload - headerLen - 4
	for i, s := range sorted {
		if len(s) > math.MaxUint8 {
			dropped++
			continue
		}
		if room < 1+len(s) {
			return kept, dropped + len(sorted) - i
		}
		room -= 1 + len(s)
		kept = append(kept, s)
	}
	return kept, dropped
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.b)-d.off < n {
		d.err = ErrTruncated
		return false
	}
	return true
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) int() int { return int(d.u32()) }

func (d *decoder) str() string {
	if !d.need(1) {
		return ""
	}
	n := int(d.b[d.off])
	d.off++
	if !d.need(n) {
		return ""
	}
	s := string(d.b[d.off : d.off+n])
	d.off += n
	return s
}

// count reads an element count and checks it against the bytes left, each
// element taking at least minLen bytes.
func (d *decoder) count(minLen int) int {
	n := d.int()
	if d.err == nil && n > (len(d.b)-d.off)/minLen {
		d.err = ErrTruncated
		return 0
	}
	return n
}

func (d *decoder) set() []string {
	n := d.count(1)
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) serveFiles() ServeFiles {
	m := ServeFiles{Nick: d.str()}
	m.Port = d.int()
	n := d.count(3 + 4)
	if n > 0 {
		m.Files = make([]fileindex.Descriptor, 0, n)
	}
	for i := 0; i < n && d.err == nil; i++ {
		var f fileindex.Descriptor
		f.Hash = d.str()
		f.Name = d.str()
		f.Path = d.str()
		f.Size = int64(d.u32())
		m.Files = append(m.Files, f)
	}
	return m
}
