// Package transfer moves NC programs to and from machine controllers.
// Standard controllers speak passive-mode FTP; legacy controllers only
// accept active-mode data connections and get a hand-written client.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/model"
)

// Entry is one file on a controller.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FileTransfer is the contract shared by both controller variants.
type FileTransfer interface {
	ListDirectory(ctx context.Context) ([]Entry, error)
	Upload(ctx context.Context, name string, r io.Reader) error
	Delete(ctx context.Context, name string) error
}

var (
	ErrTimeout     = errors.New("timed out")
	ErrInvalidName = errors.New("invalid file name")
	ErrNoAddress   = errors.New("machine has no ip address")
)

// ProtocolError is returned by the active-mode client. Step names the
// exchange that failed; Code and Message carry the controller's reply when
// there was one.
type ProtocolError struct {
	Step    string
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("transfer %s: controller replied %d %s", e.Step, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("transfer %s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("transfer %s failed", e.Step)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ForMachine selects the client for the machine's controller variant.
func ForMachine(m model.Machine, cfg config.TransferConfig, opts ...ActiveOption) (FileTransfer, error) {
	if strings.TrimSpace(m.IPAddress) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, m.Name)
	}
	addr := net.JoinHostPort(m.IPAddress, strconv.Itoa(cfg.Port))
	if m.Variant == model.VariantActive {
		return NewActiveClient(addr, cfg, opts...), nil
	}
	return NewPassiveClient(addr, cfg), nil
}

// ParseListing parses a LIST response body. Lines with at least nine
// fields are Unix-style listings: the size is field five and the name is
// everything from field nine on. Shorter lines are bare file names.
func ParseListing(body string) []Entry {
	entries := []Entry{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			entries = append(entries, Entry{Name: line})
			continue
		}
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		entries = append(entries, Entry{Name: strings.Join(fields[8:], " "), Size: size})
	}
	return entries
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "\r\n") || strings.Contains(name, "/") {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	return nil
}

// observe is deferred with a pointer to the caller's named error result.
func observe(operation string, variant model.ControllerVariant, start time.Time, err *error) {
	metrics.Transfers.WithLabelValues(operation, string(variant), metrics.Result(*err)).Inc()
	metrics.TransferDuration.WithLabelValues(operation, string(variant)).Observe(time.Since(start).Seconds())
}
