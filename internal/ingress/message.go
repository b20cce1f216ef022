// Package ingress turns JSON-lines device traffic into coordinator calls.
package ingress

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/store"
	"zigbee-quirks/internal/zcl"
)

// Message operations.
const (
	OpReport = "report"
	OpJoin   = "join"
	OpLeave  = "leave"
)

// ErrInvalidMessage wraps every parse failure.
var ErrInvalidMessage = errors.New("invalid message")

// Gateway is what ingress messages are delivered to.
type Gateway interface {
	Join(ctx context.Context, req coordinator.JoinRequest) (*store.Device, error)
	Leave(ctx context.Context, ieee string) error
	HandleAttributeReport(ctx context.Context, r coordinator.AttributeReport) error
}

// Message is one parsed line. Exactly one of Report, Join and Leave is set.
type Message struct {
	// At is the offset from the start of a recording. Live sources leave it zero.
	At     time.Duration
	Report *coordinator.AttributeReport
	Join   *coordinator.JoinRequest
	Leave  string
}

type wireMessage struct {
	Op string `json:"op,omitempty"`
	At string `json:"at,omitempty"`

	IEEE      string          `json:"ieee"`
	Endpoint  uint8           `json:"endpoint,omitempty"`
	Cluster   wireID          `json:"cluster"`
	Attribute wireID          `json:"attribute"`
	Type      string          `json:"type,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`

	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Quirk        string `json:"quirk,omitempty"`
	BatterySize  *uint8 `json:"battery_size,omitempty"`
}

// wireID accepts a number or a "0x"-prefixed hex string.
type wireID uint16

func (id *wireID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return fmt.Errorf("id %q: %w", s, err)
		}
		*id = wireID(n)
		return nil
	}
	var n uint16
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = wireID(n)
	return nil
}

// ParseMessage parses one JSON line.
func ParseMessage(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.IEEE == "" {
		return Message{}, fmt.Errorf("%w: missing ieee", ErrInvalidMessage)
	}

	var msg Message
	if w.At != "" {
		at, err := time.ParseDuration(w.At)
		if err != nil || at < 0 {
			return Message{}, fmt.Errorf("%w: bad offset %q", ErrInvalidMessage, w.At)
		}
		msg.At = at
	}

	switch strings.ToLower(w.Op) {
	case "", OpReport:
		r, err := w.report()
		if err != nil {
			return Message{}, err
		}
		msg.Report = &r
	case OpJoin:
		msg.Join = &coordinator.JoinRequest{
			IEEE:         w.IEEE,
			Manufacturer: w.Manufacturer,
			Model:        w.Model,
			FriendlyName: w.FriendlyName,
			Quirk:        w.Quirk,
			BatterySize:  w.BatterySize,
		}
	case OpLeave:
		msg.Leave = w.IEEE
	default:
		return Message{}, fmt.Errorf("%w: unknown op %q", ErrInvalidMessage, w.Op)
	}
	return msg, nil
}

// ParseReport parses a single attribute report.
func ParseReport(data []byte) (coordinator.AttributeReport, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return coordinator.AttributeReport{}, err
	}
	if msg.Report == nil {
		return coordinator.AttributeReport{}, fmt.Errorf("%w: not a report", ErrInvalidMessage)
	}
	return *msg.Report, nil
}

func (w *wireMessage) report() (coordinator.AttributeReport, error) {
	r := coordinator.AttributeReport{
		IEEE:      w.IEEE,
		Endpoint:  w.Endpoint,
		Cluster:   uint16(w.Cluster),
		Attribute: uint16(w.Attribute),
	}
	if r.Endpoint == 0 {
		r.Endpoint = 1
	}
	if len(w.Value) == 0 {
		return r, fmt.Errorf("%w: missing value", ErrInvalidMessage)
	}

	if w.Type != "" {
		typeID, err := zcl.ParseTypeName(w.Type)
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return r, fmt.Errorf("%w: typed value must be a hex string", ErrInvalidMessage)
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return r, fmt.Errorf("%w: value: %v", ErrInvalidMessage, err)
		}
		r.Type = typeID
		r.Raw = raw
		return r, nil
	}

	v, err := scalar(w.Value)
	if err != nil {
		return r, err
	}
	r.Value = v
	return r, nil
}

// scalar decodes a JSON bool, number or string. Integers come back as int64.
func scalar(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidMessage, err)
	}
	switch x := v.(type) {
	case bool, string:
		return x, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrInvalidMessage, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: value must be a scalar", ErrInvalidMessage)
}

// Dispatch delivers msg to gw.
func Dispatch(ctx context.Context, gw Gateway, msg Message) error {
	switch {
	case msg.Report != nil:
		return gw.HandleAttributeReport(ctx, *msg.Report)
	case msg.Join != nil:
		_, err := gw.Join(ctx, *msg.Join)
		return err
	case msg.Leave != "":
		return gw.Leave(ctx, msg.Leave)
	}
	return fmt.Errorf("%w: empty message", ErrInvalidMessage)
}
