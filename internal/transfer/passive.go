package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/model"
)

// PassiveClient talks to standard controllers.
type PassiveClient struct {
	addr     string
	username string
	password string
	timeout  time.Duration
}

func NewPassiveClient(addr string, cfg config.TransferConfig) *PassiveClient {
	return &PassiveClient{
		addr:     addr,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout,
	}
}

func (c *PassiveClient) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(c.addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	if err := conn.Login(c.username, c.password); err != nil {
		c.quit(conn)
		return nil, fmt.Errorf("failed to log in to %s: %w", c.addr, err)
	}
	return conn, nil
}

func (c *PassiveClient) quit(conn *ftp.ServerConn) {
	if err := conn.Quit(); err != nil {
		logger.Debug("ftp quit failed", "addr", c.addr, "error", err)
	}
}

func (c *PassiveClient) ListDirectory(ctx context.Context) (entries []Entry, err error) {
	defer observe("list", model.VariantStandard, time.Now(), &err)
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.quit(conn)

	list, err := conn.List("")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.addr, err)
	}
	entries = make([]Entry, 0, len(list))
	for _, e := range list {
		if e.Type == ftp.EntryTypeFolder || e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, Entry{Name: e.Name, Size: int64(e.Size)})
	}
	return entries, nil
}

func (c *PassiveClient) Upload(ctx context.Context, name string, r io.Reader) (err error) {
	defer observe("upload", model.VariantStandard, time.Now(), &err)
	if err := validName(name); err != nil {
		return err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.quit(conn)

	if err := conn.Stor(name, r); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", name, c.addr, err)
	}
	return nil
}

func (c *PassiveClient) Delete(ctx context.Context, name string) (err error) {
	defer observe("delete", model.VariantStandard, time.Now(), &err)
	if err := validName(name); err != nil {
		return err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.quit(conn)

	if err := conn.Delete(name); err != nil {
		return fmt.Errorf("failed to delete %s on %s: %w", name, c.addr, err)
	}
	return nil
}
