// Package dirproto implements the binary datagram protocol spoken between
// peers and the directory service.
//
// Every datagram is laid out as
//
//	opcode(1) | request id(4) | body
//
// Strings are a one byte length followed by the raw bytes, integers are four
// bytes big-endian. The service echoes the request id in its reply so a client
// can tell a late answer to an earlier call from the answer it is waiting for.
package dirproto

import (
	"fmt"

	"nanofiles/internal/fileindex"
)

// PacketMaxSize bounds every encoded datagram.
const PacketMaxSize = 65536

// DefaultPort is where the directory service listens unless told otherwise.
const DefaultPort = 6868

type Opcode byte

const (
	OpLogin          Opcode = 0x01
	OpLoginOk        Opcode = 0x02
	OpRegister       Opcode = 0x03
	OpRegisterOk     Opcode = 0x04
	OpRegisterFail   Opcode = 0x05
	OpGetUsers       Opcode = 0x06
	OpUserList       Opcode = 0x07
	OpLookup         Opcode = 0x08
	OpLookupFound    Opcode = 0x09
	OpLookupNotFound Opcode = 0x0A
	OpGetFiles       Opcode = 0x0B
	OpFileList       Opcode = 0x0C
	OpServeFiles     Opcode = 0x0D
	OpServeFilesOk   Opcode = 0x0E
	OpServeFilesFail Opcode = 0x0F
	OpLogout         Opcode = 0x10
	OpLogoutOk       Opcode = 0x11
)

var opNames = map[Opcode]string{
	OpLogin:          "login",
	OpLoginOk:        "loginOk",
	OpRegister:       "register",
	OpRegisterOk:     "registerOk",
	OpRegisterFail:   "registerFail",
	OpGetUsers:       "getUsers",
	OpUserList:       "userList",
	OpLookup:         "lookup",
	OpLookupFound:    "lookupFound",
	OpLookupNotFound: "lookupNotFound",
	OpGetFiles:       "getFiles",
	OpFileList:       "fileList",
	OpServeFiles:     "serveFiles",
	OpServeFilesOk:   "serveFilesOk",
	OpServeFilesFail: "serveFilesFail",
	OpLogout:         "logout",
	OpLogoutOk:       "logoutOk",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("opcode(0x%02x)", byte(o))
}

// Message is one directory datagram body. The concrete types below are the
// only implementations.
type Message interface {
	Opcode() Opcode
}

// The variants. FileList entries are "name;size;hash", see FileEntry.
type (
	Login        struct{}
	LoginOk      struct{ ServerCount int }
	Register     struct{ Nick string }
	RegisterOk   struct{}
	RegisterFail struct{}
	GetUsers     struct{}
	UserList     struct{ Nicks []string }
	Lookup       struct{ Nick string }
	LookupFound  struct {
		Host string
		Port int
	}
	LookupNotFound struct{}
	GetFiles       struct{}
	FileList       struct{ Entries []string }
	ServeFiles     struct {
		Nick  string
		Port  int
		Files []fileindex.Descriptor
	}
	ServeFilesOk   struct{}
	ServeFilesFail struct{}
	Logout         struct{ Nick string }
	LogoutOk       struct{}
)

func (Login) Opcode() Opcode          { return OpLogin }
func (LoginOk) Opcode() Opcode        { return OpLoginOk }
func (Register) Opcode() Opcode       { return OpRegister }
func (RegisterOk) Opcode() Opcode     { return OpRegisterOk }
func (RegisterFail) Opcode() Opcode   { return OpRegisterFail }
func (GetUsers) Opcode() Opcode       { return OpGetUsers }
func (UserList) Opcode() Opcode       { return OpUserList }
func (Lookup) Opcode() Opcode         { return OpLookup }
func (LookupFound) Opcode() Opcode    { return OpLookupFound }
func (LookupNotFound) Opcode() Opcode { return OpLookupNotFound }
func (GetFiles) Opcode() Opcode       { return OpGetFiles }
func (FileList) Opcode() Opcode       { return OpFileList }
func (ServeFiles) Opcode() Opcode     { return OpServeFiles }
func (ServeFilesOk) Opcode() Opcode   { return OpServeFilesOk }
func (ServeFilesFail) Opcode() Opcode { return OpServeFilesFail }
func (Logout) Opcode() Opcode         { return OpLogout }
func (LogoutOk) Opcode() Opcode       { return OpLogoutOk }
