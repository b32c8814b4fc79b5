// Package wire decodes the UDP discovery datagrams described in spec §6.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ocfleet/monitor/internal/fleet"
)

// ErrUnknownType is returned when a datagram's "type" field is missing or
// not one of the recognized announce/shutdown shapes. Per spec §4.1 these
// packets are silently dropped by the caller, not treated as a hard error;
// the error exists so the Discovery Listener can count drops for
// diagnostics without string-matching.
var ErrUnknownType = errors.New("wire: unknown or missing packet type")

// ErrMissingInstanceID is returned when a recognized packet type lacks the
// required instanceId field.
var ErrMissingInstanceID = errors.New("wire: missing instanceId")

type envelope struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
}

type announceWire struct {
	Type       string `json:"type"`
	ServerURL  string `json:"serverUrl"`
	Project    string `json:"project"`
	Directory  string `json:"directory"`
	Branch     string `json:"branch"`
	InstanceID string `json:"instanceId"`
	TS         int64  `json:"ts"`
}

type shutdownWire struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	TS         int64  `json:"ts"`
}

// ShutdownPacket is the parsed form of an oc.shutdown UDP datagram.
type ShutdownPacket struct {
	InstanceID string
	Timestamp  time.Time
}

// Decode parses a single UDP datagram. It returns exactly one of an
// AnnouncePacket or a ShutdownPacket non-nil, or an error for datagrams
// that should be silently dropped (malformed JSON, unknown type, or a
// recognized type missing instanceId).
func Decode(data []byte) (*fleet.AnnouncePacket, *ShutdownPacket, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, err
	}

	switch env.Type {
	case "oc.announce":
		var a announceWire
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, nil, err
		}
		if a.InstanceID == "" {
			return nil, nil, ErrMissingInstanceID
		}
		ts := tsOrNow(a.TS)
		return &fleet.AnnouncePacket{
			ServerURL:  a.ServerURL,
			Project:    a.Project,
			Directory:  a.Directory,
			Branch:     a.Branch,
			InstanceID: a.InstanceID,
			Timestamp:  ts,
		}, nil, nil

	case "oc.shutdown":
		var sd shutdownWire
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, nil, err
		}
		if sd.InstanceID == "" {
			return nil, nil, ErrMissingInstanceID
		}
		return nil, &ShutdownPacket{
			InstanceID: sd.InstanceID,
			Timestamp:  tsOrNow(sd.TS),
		}, nil

	default:
		return nil, nil, ErrUnknownType
	}
}

func tsOrNow(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
