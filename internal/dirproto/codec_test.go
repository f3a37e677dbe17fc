package dirproto

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"nanofiles/internal/fileindex"
)

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		Login{},
		LoginOk{ServerCount: 3},
		Register{Nick: "alice"},
		RegisterOk{},
		RegisterFail{},
		GetUsers{},
		UserList{Nicks: []string{"alice", "bob"}},
		UserList{},
		Lookup{Nick: "bob"},
		LookupFound{Host: "10.0.0.7", Port: 10000},
		LookupNotFound{},
		GetFiles{},
		FileList{Entries: []string{"a.txt;1;aa", "notes.txt;11;deadbeef"}},
		ServeFiles{Nick: "bob", Port: 10000, Files: []fileindex.Descriptor{
			{Hash: "deadbeef", Name: "notes.txt", Path: "/srv/notes.txt", Size: 11},
			{Hash: "cafe", Name: "empty", Path: "/srv/empty", Size: 0},
		}},
		ServeFiles{Nick: "carol", Port: 1},
		ServeFilesOk{},
		ServeFilesFail{},
		Logout{Nick: "alice"},
		LogoutOk{},
	}
	for i, m := range msgs {
		b, err := Encode(uint32(i+1), m)
		if err != nil {
			t.Fatalf("%s: encode: %v", m.Opcode(), err)
		}
		if Opcode(b[0]) != m.Opcode() {
			t.Fatalf("%s: first byte 0x%02x", m.Opcode(), b[0])
		}
		id, got, err := Decode(b)
		if err != nil {
			t.Fatalf("%s: decode: %v", m.Opcode(), err)
		}
		if id != uint32(i+1) {
			t.Errorf("%s: id = %d, want %d", m.Opcode(), id, i+1)
		}
		if !reflect.DeepEqual(got, m) {
			t.Errorf("%s: got %#v, want %#v", m.Opcode(), got, m)
		}
	}
}

func TestServeFilesLayout(t *testing.T) {
	m := ServeFiles{Nick: "bo", Port: 0x0102, Files: []fileindex.Descriptor{
		{Hash: "h", Name: "n", Path: "p", Size: 11},
	}}
	b, err := Encode(7, m)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		byte(OpServeFiles), 0, 0, 0, 7,
		2, 'b', 'o',
		0, 0, 1, 2,
		0, 0, 0, 1,
		1, 'h', 1, 'n', 1, 'p',
		0, 0, 0, 11,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("encoded\n%v\nwant\n%v", b, want)
	}
}

func TestSetsEncodeSorted(t *testing.T) {
	a, _ := Encode(1, UserList{Nicks: []string{"bob", "alice"}})
	b, _ := Encode(1, UserList{Nicks: []string{"alice", "bob"}})
	if !bytes.Equal(a, b) {
		t.Fatal("same set encoded differently")
	}
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(1, Register{Nick: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", []byte{byte(OpLogin), 0, 0}, ErrTruncated},
		{"unknown opcode", []byte{0xEE, 0, 0, 0, 1}, ErrUnknownOpcode},
		{"truncated string", good[:len(good)-1], ErrTruncated},
		{"trailing", append(append([]byte{}, good...), 0), ErrTrailingBytes},
		{"huge count", []byte{byte(OpUserList), 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}, ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, m, err := Decode(tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if m != nil {
				t.Fatalf("partial message returned: %#v", m)
			}
		})
	}
}

func TestEncodeLimits(t *testing.T) {
	if _, err := Encode(1, Register{Nick: strings.Repeat("x", 256)}); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("long nick: err = %v", err)
	}
	if _, err := Encode(1, LookupFound{Host: "h", Port: -1}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("negative port: err = %v", err)
	}
	var files []fileindex.Descriptor
	for i := 0; i < 200; i++ {
		files = append(files, fileindex.Descriptor{
			Hash: strings.Repeat("a", 40), Name: strings.Repeat("n", 200), Path: strings.Repeat("p", 200),
		})
	}
	if _, err := Encode(1, ServeFiles{Nick: "bob", Port: 1, Files: files}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized datagram: err = %v", err)
	}
}

func TestFitList(t *testing.T) {
	var items []string
	for i := 399; i >= 0; i-- {
		items = append(items, fmt.Sprintf("%03d", i)+strings.Repeat("x", 197))
	}
	items = append(items, strings.Repeat("y", 300))

	kept, dropped := FitList(items)
	if len(kept) != 325 || dropped != 76 {
		t.Fatalf("kept %d, dropped %d", len(kept), dropped)
	}
	if kept[0] != items[399] || kept[324][:3] != "324" {
		t.Fatalf("kept is not the sorted prefix: first %q, last %q", kept[0][:3], kept[324][:3])
	}
	b, err := Encode(7, FileList{Entries: kept})
	if err != nil {
		t.Fatal(err)
	}
	if len(b) > 65507 {
		t.Fatalf("encoded %d bytes", len(b))
	}

	small := []string{"bob", "alice"}
	if kept, dropped := FitList(small); dropped != 0 || !reflect.DeepEqual(kept, []string{"alice", "bob"}) {
		t.Fatalf("small list: %v, %d dropped", kept, dropped)
	}
}

func TestAccessors(t *testing.T) {
	if n, err := Nick(Register{Nick: "alice"}); err != nil || n != "alice" {
		t.Fatalf("Nick = %q, %v", n, err)
	}
	if a, err := Addr(LookupFound{Host: "10.0.0.7", Port: 9}); err != nil || a != "10.0.0.7:9" {
		t.Fatalf("Addr = %q, %v", a, err)
	}
	if c, err := ServerCount(LoginOk{ServerCount: 2}); err != nil || c != 2 {
		t.Fatalf("ServerCount = %d, %v", c, err)
	}

	_, err := Nick(Login{})
	var mf *MissingFieldError
	if !errors.As(err, &mf) || mf.Field != "nick" || mf.Op != OpLogin {
		t.Fatalf("Nick(Login) err = %v", err)
	}
	if _, err := Port(GetUsers{}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("Port(GetUsers) err = %v", err)
	}
	if _, err := Files(Register{Nick: "x"}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("Files(Register) err = %v", err)
	}
	if _, err := Entries(LoginOk{}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("Entries(LoginOk) err = %v", err)
	}
}

func TestFileEntry(t *testing.T) {
	d := fileindex.Descriptor{Hash: "deadbeef", Name: "a;b.txt", Size: 11}
	s := FileEntry(d)
	if s != "a;b.txt;11;deadbeef" {
		t.Fatalf("FileEntry = %q", s)
	}
	name, size, hash, err := ParseFileEntry(s)
	if err != nil || name != d.Name || size != 11 || hash != d.Hash {
		t.Fatalf("ParseFileEntry = %q %d %q %v", name, size, hash, err)
	}
	if _, _, _, err := ParseFileEntry("nosep"); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidNick(t *testing.T) {
	for nick, want := range map[string]bool{
		"alice":                true,
		"":                     false,
		"host:1":               false,
		"two words":            false,
		strings.Repeat("x", 256): false,
	} {
		if got := ValidNick(nick); got != want {
			t.Errorf("ValidNick(%q) = %v", nick, got)
		}
	}
}
