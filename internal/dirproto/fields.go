package dirproto

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"

	"nanofiles/internal/fileindex"
)

// ErrMissingField is matched by every *MissingFieldError.
var ErrMissingField = errors.New("dirproto: missing field")

// MissingFieldError reports a field read from a variant that does not carry it.
type MissingFieldError struct {
	Field string
	Op    Opcode
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("dirproto: %s message has no %s field", e.Op, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

func missing(field string, m Message) error {
	return &MissingFieldError{Field: field, Op: m.Opcode()}
}

// Nick returns the nickname carried by register, lookup, logout and serveFiles.
func Nick(m Message) (string, error) {
	switch m := m.(type) {
	case Register:
		return m.Nick, nil
	case Lookup:
		return m.Nick, nil
	case Logout:
		return m.Nick, nil
	case ServeFiles:
		return m.Nick, nil
	}
	return "", missing("nick", m)
}

func Port(m Message) (int, error) {
	switch m := m.(type) {
	case LookupFound:
		return m.Port, nil
	case ServeFiles:
		return m.Port, nil
	}
	return 0, missing("port", m)
}

func Files(m Message) ([]fileindex.Descriptor, error) {
	if m, ok := m.(ServeFiles); ok {
		return m.Files, nil
	}
	return nil, missing("files", m)
}

// Entries returns the string set of a userList or fileList.
func Entries(m Message) ([]string, error) {
	switch m := m.(type) {
	case UserList:
		return m.Nicks, nil
	case FileList:
		return m.Entries, nil
	}
	return nil, missing("entries", m)
}

func ServerCount(m Message) (int, error) {
	if m, ok := m.(LoginOk); ok {
		return m.ServerCount, nil
	}
	return 0, missing("serverCount", m)
}

// Addr returns the host:port of a lookupFound.
func Addr(m Message) (string, error) {
	if m, ok := m.(LookupFound); ok {
		return net.JoinHostPort(m.Host, strconv.Itoa(m.Port)), nil
	}
	return "", missing("address", m)
}

// FileEntry renders a descriptor the way fileList carries it.
func FileEntry(d fileindex.Descriptor) string {
	return d.Name + ";" + strconv.FormatInt(d.Size, 10) + ";" + d.Hash
}

// ParseFileEntry splits a fileList entry. The name may itself contain ';'.
func ParseFileEntry(s string) (name string, size int64, hash string, err error) {
	i := strings.LastIndexByte(s, ';')
	if i < 0 {
		return "", 0, "", fmt.Errorf("dirproto: bad file entry %q", s)
	}
	hash = s[i+1:]
	rest := s[:i]
	j := strings.LastIndexByte(rest, ';')
	if j < 0 {
		return "", 0, "", fmt.Errorf("dirproto: bad file entry %q", s)
	}
	size, err = strconv.ParseInt(rest[j+1:], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("dirproto: bad file entry %q: %w", s, err)
	}
	return rest[:j], size, hash, nil
}

// ValidNick reports whether nick can be registered: non-empty, encodable, and
// free of ':' and whitespace so it can never be mistaken for host:port.
func ValidNick(nick string) bool {
	if nick == "" || len(nick) > 255 {
		return false
	}
	return strings.IndexFunc(nick, func(r rune) bool {
		return r == ':' || unicode.IsSpace(r)
	}) < 0
}
