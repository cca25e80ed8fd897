package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/model"
)

// Dialer opens the control connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListenFunc opens the data-channel listener. (*net.ListenConfig).Listen
// has this signature.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// ActiveClient talks to controllers that cannot open a data connection
// themselves: for every transfer it listens on an ephemeral port and tells
// the controller to connect back with PORT.
//
// Every call runs on its own control connection, which is closed before
// the call returns.
type ActiveClient struct {
	addr     string
	username string
	password string
	timeout  time.Duration
	localIP  string
	dialer   Dialer
	listen   ListenFunc
}

// ActiveOption configures an ActiveClient.
type ActiveOption func(*ActiveClient)

// WithDialer replaces the control connection dialer.
func WithDialer(d Dialer) ActiveOption {
	return func(c *ActiveClient) { c.dialer = d }
}

// WithListen replaces the data listener factory.
func WithListen(fn ListenFunc) ActiveOption {
	return func(c *ActiveClient) { c.listen = fn }
}

func NewActiveClient(addr string, cfg config.TransferConfig, opts ...ActiveOption) *ActiveClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &ActiveClient{
		addr:     addr,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
		localIP:  cfg.LocalIP,
		dialer:   &net.Dialer{},
		listen:   (&net.ListenConfig{}).Listen,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListDirectory returns the files in the controller's working directory.
func (c *ActiveClient) ListDirectory(ctx context.Context) (entries []Entry, err error) {
	defer observe("list", model.VariantActive, time.Now(), &err)
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	var body strings.Builder
	if err := s.transfer(ctx, "list", "LIST", func(data net.Conn) error {
		_, err := io.Copy(&body, data)
		return err
	}); err != nil {
		return nil, err
	}
	return ParseListing(body.String()), nil
}

// Upload stores r under name, replacing any existing file.
func (c *ActiveClient) Upload(ctx context.Context, name string, r io.Reader) (err error) {
	defer observe("upload", model.VariantActive, time.Now(), &err)
	if err := validName(name); err != nil {
		return err
	}
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if _, _, err := s.cmd("type", isCompletion, "TYPE I"); err != nil {
		return err
	}
	return s.transfer(ctx, "stor", "STOR "+name, func(data net.Conn) error {
		_, err := io.Copy(data, r)
		return err
	})
}

// Delete removes name. It needs no data channel.
func (c *ActiveClient) Delete(ctx context.Context, name string) (err error) {
	defer observe("delete", model.VariantActive, time.Now(), &err)
	if err := validName(name); err != nil {
		return err
	}
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	// DELE carries no data, so no PORT is announced and nothing listens.
	_, _, err = s.cmd("dele", isCompletion, "DELE %s", name)
	return err
}

func isCompletion(code int) bool { return code >= 200 && code < 300 }

func isDataStarting(code int) bool { return code == 125 || code == 150 }

// session is one logged-in control connection.
type session struct {
	ctx       context.Context
	client    *ActiveClient
	conn      net.Conn
	text      *textproto.Conn
	stopWatch func() bool
	closeOnce sync.Once
}

func (c *ActiveClient) open(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, &ProtocolError{Step: "connect", Err: err}
	}

	s := &session{ctx: ctx, client: c, conn: conn, text: textproto.NewConn(conn)}
	// Cancelling ctx fails whatever read or write is in flight.
	s.stopWatch = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	if err := s.login(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) login() error {
	if _, _, err := s.reply("greeting", isCompletion); err != nil {
		return err
	}
	code, _, err := s.cmd("login", func(code int) bool { return code == 230 || code == 331 }, "USER %s", s.client.username)
	if err != nil {
		return err
	}
	if code == 331 {
		if _, _, err := s.cmd("login", isCompletion, "PASS %s", s.client.password); err != nil {
			return err
		}
	}
	return nil
}

// close says goodbye and terminates the control connection. Safe to call
// more than once; only the first call has any effect.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.stopWatch()
		_ = s.conn.SetDeadline(time.Now().Add(time.Second))
		if _, err := s.text.Cmd("QUIT"); err == nil {
			_, _, _ = s.text.ReadResponse(0)
		}
		if err := s.conn.Close(); err != nil {
			logger.Debug("control connection close failed", "addr", s.client.addr, "error", err)
		}
	})
}

// cmd sends one command and waits for its reply.
func (s *session) cmd(step string, ok func(int) bool, format string, args ...any) (int, string, error) {
	_ = s.conn.SetDeadline(time.Now().Add(s.client.timeout))
	if _, err := s.text.Cmd(format, args...); err != nil {
		return 0, "", &ProtocolError{Step: step, Err: s.cause(err)}
	}
	return s.reply(step, ok)
}

func (s *session) reply(step string, ok func(int) bool) (int, string, error) {
	_ = s.conn.SetDeadline(time.Now().Add(s.client.timeout))
	code, msg, err := s.text.ReadResponse(0)
	if err != nil {
		return code, msg, &ProtocolError{Step: step, Code: code, Message: msg, Err: s.cause(err)}
	}
	if !ok(code) {
		return code, msg, &ProtocolError{Step: step, Code: code, Message: msg}
	}
	return code, msg, nil
}

// transfer runs PORT, the data command, the data exchange and the
// completion reply. The listener accepts exactly one connection and is
// closed exactly once on every path.
func (s *session) transfer(ctx context.Context, step, command string, exchange func(net.Conn) error) error {
	ln, err := s.client.listen(ctx, "tcp", net.JoinHostPort(s.localIP(), "0"))
	if err != nil {
		return &ProtocolError{Step: "listen", Err: err}
	}
	var lnOnce sync.Once
	closeListener := func() {
		lnOnce.Do(func() { _ = ln.Close() })
	}
	defer closeListener()

	arg, err := portArgument(ln.Addr())
	if err != nil {
		return &ProtocolError{Step: "port", Err: err}
	}
	if _, _, err := s.cmd("port", isCompletion, "PORT %s", arg); err != nil {
		return err
	}
	if _, _, err := s.cmd(step, isDataStarting, "%s", command); err != nil {
		return err
	}

	data, err := s.accept(ctx, ln, closeListener)
	if err != nil {
		return err
	}

	_ = data.SetDeadline(time.Now().Add(s.client.timeout))
	stop := context.AfterFunc(ctx, func() { _ = data.SetDeadline(time.Now()) })
	exchangeErr := exchange(data)
	stop()
	if err := data.Close(); err != nil && exchangeErr == nil {
		exchangeErr = err
	}
	if exchangeErr != nil {
		return &ProtocolError{Step: "data", Err: s.cause(exchangeErr)}
	}

	_, _, err = s.reply("complete", isCompletion)
	return err
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// accept waits for the controller's data connection, bounded by the
// client timeout and ctx. The listener is closed before returning.
func (s *session) accept(ctx context.Context, ln net.Listener, closeListener func()) (net.Conn, error) {
	result := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		result <- acceptResult{conn, err}
	}()

	timer := time.NewTimer(s.client.timeout)
	defer timer.Stop()

	var res acceptResult
	select {
	case res = <-result:
		closeListener()
	case <-timer.C:
		closeListener()
		res = <-result
		if res.err == nil {
			_ = res.conn.Close()
		}
		return nil, &ProtocolError{Step: "accept", Err: ErrTimeout}
	case <-ctx.Done():
		closeListener()
		res = <-result
		if res.err == nil {
			_ = res.conn.Close()
		}
		return nil, &ProtocolError{Step: "accept", Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, &ProtocolError{Step: "accept", Err: res.err}
	}
	return res.conn, nil
}

// localIP is the address advertised in PORT: the configured one, or the
// local side of the control connection.
func (s *session) localIP() string {
	if s.client.localIP != "" {
		return s.client.localIP
	}
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}

// portArgument encodes addr as h1,h2,h3,h4,p1,p2.
func portArgument(addr net.Addr) (string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected listener address %v", addr)
	}
	ip := tcp.IP.To4()
	if ip == nil {
		return "", errors.New("active mode requires an IPv4 address")
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], tcp.Port>>8, tcp.Port&0xff), nil
}

// cause prefers the context error: a cancelled context surfaces as an
// expired deadline on the connection.
func (s *session) cause(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
