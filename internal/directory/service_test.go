package directory

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"nanofiles/internal/dirproto"
	"nanofiles/internal/fileindex"
)

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(pc, cfg)
	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()
	t.Cleanup(func() {
		svc.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return svc
}

// rawPeer exchanges hand-built datagrams with the service.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	id   uint32
}

func newRawPeer(t *testing.T, svc *Service) *rawPeer {
	t.Helper()
	conn, err := net.Dial("udp", svc.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

func (p *rawPeer) call(req dirproto.Message) dirproto.Message {
	p.t.Helper()
	p.id++
	b, err := dirproto.Encode(p.id, req)
	if err != nil {
		p.t.Fatal(err)
	}
	if _, err := p.conn.Write(b); err != nil {
		p.t.Fatal(err)
	}
	buf := make([]byte, dirproto.PacketMaxSize)
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := p.conn.Read(buf)
	if err != nil {
		p.t.Fatalf("%s: %v", req.Opcode(), err)
	}
	id, resp, err := dirproto.Decode(buf[:n])
	if err != nil {
		p.t.Fatal(err)
	}
	if id != p.id {
		p.t.Fatalf("reply id %d, want %d", id, p.id)
	}
	return resp
}

func TestRegistrationUniqueness(t *testing.T) {
	svc := startService(t, Config{})
	p := newRawPeer(t, svc)

	if _, ok := p.call(dirproto.Register{Nick: "alice"}).(dirproto.RegisterOk); !ok {
		t.Fatal("first alice refused")
	}
	if _, ok := p.call(dirproto.Register{Nick: "alice"}).(dirproto.RegisterFail); !ok {
		t.Fatal("second alice accepted")
	}
	if _, ok := p.call(dirproto.Register{Nick: "bob"}).(dirproto.RegisterOk); !ok {
		t.Fatal("bob refused")
	}
	if _, ok := p.call(dirproto.Register{Nick: "eve:1"}).(dirproto.RegisterFail); !ok {
		t.Fatal("nickname with ':' accepted")
	}
	users := p.call(dirproto.GetUsers{}).(dirproto.UserList).Nicks
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("users = %v", users)
	}
}

func TestHashCollisionKeepsFirst(t *testing.T) {
	svc := startService(t, Config{})
	alice, bob := newRawPeer(t, svc), newRawPeer(t, svc)

	first := fileindex.Descriptor{Hash: "deadbeef", Name: "notes.txt", Path: "/a/notes.txt", Size: 11}
	second := fileindex.Descriptor{Hash: "deadbeef", Name: "other.txt", Path: "/b/other.txt", Size: 99}
	if _, ok := alice.call(dirproto.ServeFiles{Nick: "alice", Port: 10000, Files: []fileindex.Descriptor{first}}).(dirproto.ServeFilesOk); !ok {
		t.Fatal("alice serveFiles refused")
	}
	if _, ok := bob.call(dirproto.ServeFiles{Nick: "bob", Port: 10001, Files: []fileindex.Descriptor{second}}).(dirproto.ServeFilesOk); !ok {
		t.Fatal("bob serveFiles refused")
	}

	files := svc.Files()
	if len(files) != 1 || files[0] != first {
		t.Fatalf("files = %+v", files)
	}
	entries := alice.call(dirproto.GetFiles{}).(dirproto.FileList).Entries
	if len(entries) != 1 || entries[0] != "notes.txt;11;deadbeef" {
		t.Fatalf("entries = %v", entries)
	}
	if lo := bob.call(dirproto.Login{}).(dirproto.LoginOk); lo.ServerCount != 2 {
		t.Fatalf("server count = %d", lo.ServerCount)
	}
}

func TestServeFilesOncePerNick(t *testing.T) {
	svc := startService(t, Config{})
	p := newRawPeer(t, svc)
	p.call(dirproto.ServeFiles{Nick: "bob", Port: 10000})
	if _, ok := p.call(dirproto.ServeFiles{Nick: "bob", Port: 10001}).(dirproto.ServeFilesFail); !ok {
		t.Fatal("second serveFiles accepted")
	}
	if got := svc.Servers()["bob"].Port; got != 10000 {
		t.Fatalf("port = %d", got)
	}
}

func TestFileListTruncatedToDatagram(t *testing.T) {
	svc := startService(t, Config{})
	n := 0
	for _, nick := range []string{"alice", "bob", "carol"} {
		var files []fileindex.Descriptor
		for i := 0; i < 100; i++ {
			files = append(files, fileindex.Descriptor{
				Hash: fmt.Sprintf("%040d", n),
				Name: fmt.Sprintf("%03d", n) + strings.Repeat("n", 197),
				Path: "/shared",
				Size: 1,
			})
			n++
		}
		p := newRawPeer(t, svc)
		if _, ok := p.call(dirproto.ServeFiles{Nick: nick, Port: 10000, Files: files}).(dirproto.ServeFilesOk); !ok {
			t.Fatalf("%s serveFiles refused", nick)
		}
	}
	if got := len(svc.Files()); got != 300 {
		t.Fatalf("registry holds %d files", got)
	}

	entries := newRawPeer(t, svc).call(dirproto.GetFiles{}).(dirproto.FileList).Entries
	if len(entries) == 0 || len(entries) >= 300 {
		t.Fatalf("got %d entries", len(entries))
	}
	if !strings.HasPrefix(entries[0], "000") {
		t.Fatalf("first entry = %q", entries[0][:10])
	}
}

func TestLookup(t *testing.T) {
	svc := startService(t, Config{})
	p := newRawPeer(t, svc)
	if _, ok := p.call(dirproto.Lookup{Nick: "bob"}).(dirproto.LookupNotFound); !ok {
		t.Fatal("unknown nick found")
	}
	p.call(dirproto.ServeFiles{Nick: "bob", Port: 10000})
	found, ok := p.call(dirproto.Lookup{Nick: "bob"}).(dirproto.LookupFound)
	if !ok {
		t.Fatal("bob not found")
	}
	if found.Host != "127.0.0.1" || found.Port != 10000 {
		t.Fatalf("found %+v", found)
	}
}

func TestLogoutKeepsServerEntries(t *testing.T) {
	svc := startService(t, Config{})
	p := newRawPeer(t, svc)
	p.call(dirproto.Register{Nick: "bob"})
	p.call(dirproto.ServeFiles{Nick: "bob", Port: 10000, Files: []fileindex.Descriptor{{Hash: "h", Name: "n"}}})
	if _, ok := p.call(dirproto.Logout{Nick: "bob"}).(dirproto.LogoutOk); !ok {
		t.Fatal("logout not acknowledged")
	}
	if len(svc.Users()) != 0 {
		t.Fatalf("users = %v", svc.Users())
	}
	if _, ok := svc.Servers()["bob"]; !ok {
		t.Fatal("server entry purged")
	}
	if len(svc.Files()) != 1 {
		t.Fatal("file entry purged")
	}
	// the nickname is free again
	if _, ok := p.call(dirproto.Register{Nick: "bob"}).(dirproto.RegisterOk); !ok {
		t.Fatal("re-register refused")
	}
}

func TestLogoutPurge(t *testing.T) {
	svc := startService(t, Config{PurgeOnLogout: true})
	p := newRawPeer(t, svc)
	p.call(dirproto.Register{Nick: "bob"})
	p.call(dirproto.ServeFiles{Nick: "bob", Port: 10000, Files: []fileindex.Descriptor{{Hash: "h", Name: "n"}}})
	p.call(dirproto.ServeFiles{Nick: "carol", Port: 10001, Files: []fileindex.Descriptor{{Hash: "c", Name: "m"}}})
	p.call(dirproto.Logout{Nick: "bob"})

	if _, ok := svc.Servers()["bob"]; ok {
		t.Fatal("server entry kept")
	}
	files := svc.Files()
	if len(files) != 1 || files[0].Hash != "c" {
		t.Fatalf("files = %+v", files)
	}
}

func TestBadDatagramDoesNotStopService(t *testing.T) {
	svc := startService(t, Config{})
	p := newRawPeer(t, svc)
	for _, junk := range [][]byte{{0xEE, 0, 0, 0, 1}, {byte(dirproto.OpRegister)}, {byte(dirproto.OpLoginOk), 0, 0, 0, 1, 0, 0, 0, 0}} {
		if _, err := p.conn.Write(junk); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := p.call(dirproto.Login{}).(dirproto.LoginOk); !ok {
		t.Fatal("service stopped answering")
	}
}

func TestDiscardProbability(t *testing.T) {
	svc := startService(t, Config{DiscardProbability: 1, Rand: rand.New(rand.NewSource(1))})
	conn, err := net.Dial("udp", svc.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	b, _ := dirproto.Encode(1, dirproto.Login{})
	conn.Write(b)
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatal("datagram answered despite discard probability 1")
	}
}

func TestServeStopsOnContext(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(pc, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
