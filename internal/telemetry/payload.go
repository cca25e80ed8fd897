package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cnc-monitor-backend/internal/engine"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/parse"
)

// Payload is the JSON body a controller publishes on <machine-slug>/data.
type Payload struct {
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	JobAssignmentID OptionalID `json:"jobAssignmentId"`
	IPAddress       string     `json:"ipAddress,omitempty"`
}

// OptionalID accepts a number, a numeric string, an empty string or null.
// Controller firmware is inconsistent about which one it sends.
type OptionalID struct {
	Value *int64
}

func (o *OptionalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		o.Value = nil
		return nil
	}

	raw := string(b)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			o.Value = nil
			return nil
		}
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job assignment id %s", string(b))
	}
	o.Value = &id
	return nil
}

func (o OptionalID) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(*o.Value, 10)), nil
}

var (
	errNoMachine = errors.New("no machine name in payload or topic")
	errStatus    = errors.New("unrecognized status")
)

// Decode turns a raw message into an engine report. The payload name wins
// over the topic; both are normalized to the canonical slug.
func Decode(topic string, body []byte) (engine.Report, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return engine.Report{}, fmt.Errorf("malformed telemetry payload: %w", err)
	}

	name := p.Name
	if strings.TrimSpace(name) == "" {
		name = parse.MachineFromTopic(topic)
	}
	name = parse.NormalizeName(name)
	if name == "" {
		return engine.Report{}, errNoMachine
	}

	status, ok := model.ParseStatus(p.Status)
	if !ok {
		return engine.Report{}, fmt.Errorf("%w %q", errStatus, p.Status)
	}

	return engine.Report{
		Machine:         name,
		Status:          status,
		JobAssignmentID: p.JobAssignmentID.Value,
		IPAddress:       strings.TrimSpace(p.IPAddress),
	}, nil
}
