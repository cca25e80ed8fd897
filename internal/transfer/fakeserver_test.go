package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeController is a minimal active-mode-only FTP server on loopback.
type fakeController struct {
	ln net.Listener

	// Reply overrides keyed by command verb, e.g. "PORT": "500 Illegal PORT".
	replies map[string]string
	// silentData makes LIST/STOR announce a transfer but never connect.
	silentData bool
	listing    string

	mu       sync.Mutex
	files    map[string][]byte
	commands []string
	wg       sync.WaitGroup
}

// newFakeController starts serving after every setup function has run.
func newFakeController(t *testing.T, setup ...func(f *fakeController)) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeController{ln: ln, replies: map[string]string{}, files: map[string][]byte{}, listing: sampleListing}
	for _, fn := range setup {
		fn(f)
	}
	f.wg.Add(1)
	go f.serve()
	t.Cleanup(func() {
		ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeController) addr() string { return f.ln.Addr().String() }

func (f *fakeController) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeController) serve() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handle(conn)
		}()
	}
}

func (f *fakeController) handle(conn net.Conn) {
	defer conn.Close()
	text := textproto.NewConn(conn)
	_ = text.PrintfLine("220 CNC controller ready")

	var dataAddr string
	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		f.mu.Lock()
		f.commands = append(f.commands, verb)
		f.mu.Unlock()

		if reply, ok := f.replies[verb]; ok {
			_ = text.PrintfLine("%s", reply)
			continue
		}

		switch verb {
		case "USER":
			_ = text.PrintfLine("331 Password required")
		case "PASS":
			_ = text.PrintfLine("230 Logged in")
		case "TYPE":
			_ = text.PrintfLine("200 Type set")
		case "PORT":
			dataAddr = decodePort(arg)
			_ = text.PrintfLine("200 PORT command successful")
		case "LIST":
			_ = text.PrintfLine("150 Opening data connection")
			if f.silentData {
				continue
			}
			if data, err := net.Dial("tcp", dataAddr); err == nil {
				_, _ = io.WriteString(data, f.listing)
				data.Close()
			}
			_ = text.PrintfLine("226 Transfer complete")
		case "STOR":
			_ = text.PrintfLine("150 Ok to send data")
			if f.silentData {
				continue
			}
			if data, err := net.Dial("tcp", dataAddr); err == nil {
				body, _ := io.ReadAll(bufio.NewReader(data))
				data.Close()
				f.mu.Lock()
				f.files[arg] = body
				f.mu.Unlock()
			}
			_ = text.PrintfLine("226 Transfer complete")
		case "DELE":
			f.mu.Lock()
			_, ok := f.files[arg]
			delete(f.files, arg)
			f.mu.Unlock()
			if !ok {
				_ = text.PrintfLine("550 %s: No such file", arg)
				continue
			}
			_ = text.PrintfLine("250 Deleted")
		case "QUIT":
			_ = text.PrintfLine("221 Bye")
			return
		default:
			_ = text.PrintfLine("502 Command not implemented")
		}
	}
}

func decodePort(arg string) string {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return ""
	}
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	return net.JoinHostPort(strings.Join(parts[:4], "."), strconv.Itoa(hi<<8|lo))
}

// countingConn and countingListener record how often Close is called.
type countingConn struct {
	net.Conn
	closes *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type countingListener struct {
	net.Listener
	closes *atomic.Int32
}

func (l *countingListener) Close() error {
	l.closes.Add(1)
	return l.Listener.Close()
}

type closeCounter struct {
	control  atomic.Int32
	listener atomic.Int32
	listens  atomic.Int32
}

func (cc *closeCounter) options() []ActiveOption {
	return []ActiveOption{
		WithDialer(dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &countingConn{Conn: conn, closes: &cc.control}, nil
		})),
		WithListen(func(ctx context.Context, network, addr string) (net.Listener, error) {
			ln, err := (&net.ListenConfig{}).Listen(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			cc.listens.Add(1)
			return &countingListener{Listener: ln, closes: &cc.listener}, nil
		}),
	}
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

func (cc *closeCounter) String() string {
	return fmt.Sprintf("control=%d listener=%d", cc.control.Load(), cc.listener.Load())
}
