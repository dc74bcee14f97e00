// Package wire defines the report envelope collectors send and its encodings.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/worldland/slurmwatch/internal/domain"
)

// Kind distinguishes telemetry reports from shutdown notices.
type Kind string

const (
	KindReport     Kind = "report"
	KindDisconnect Kind = "disconnect"
)

// Report is one message from a collector.
type Report struct {
	Identity   domain.CollectorIdentity `json:"identity" cbor:"identity"`
	ObservedAt time.Time                `json:"observed_at" cbor:"observed_at"`
	Kind       Kind                     `json:"kind,omitempty" cbor:"kind,omitempty"`
	Record     *domain.TelemetryRecord  `json:"record,omitempty" cbor:"record,omitempty"`
}

// IsDisconnect reports whether r announces a collector shutdown.
func (r Report) IsDisconnect() bool { return r.Kind == KindDisconnect }

// Format is a payload encoding.
type Format int

const (
	JSON Format = iota
	CBOR
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Sub-second precision matters for ordering reports of one collector.
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case CBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == CBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// FormatFromContentType maps a Content-Type header to a Format. An empty
// header means JSON.
func FormatFromContentType(ct string) (Format, error) {
	if ct == "" {
		return JSON, nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return JSON, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ct)
	}
	switch mt {
	case ContentTypeJSON:
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	default:
		return JSON, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
	}
}

// ParseFormat parses "json" or "cbor".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return JSON, fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// Encode serializes r in format f.
func Encode(f Format, r Report) ([]byte, error) {
	switch f {
	case JSON:
		return json.Marshal(r)
	case CBOR:
		return encMode.Marshal(r)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// DecodeAs deserializes data as format f.
func DecodeAs(f Format, data []byte) (Report, error) {
	var r Report
	var err error
	switch f {
	case JSON:
		err = json.Unmarshal(data, &r)
	case CBOR:
		err = decMode.Unmarshal(data, &r)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return Report{}, fmt.Errorf("decode %s report: %w", f, err)
	}
	return r, nil
}

// Sniff guesses the format of data. JSON objects start with '{' after
// optional whitespace; anything else is treated as CBOR.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return JSON
	}
	return CBOR
}

// Decode deserializes data in whichever format it is encoded in.
func Decode(data []byte) (Report, Format, error) {
	f := Sniff(data)
	r, err := DecodeAs(f, data)
	return r, f, err
}

// Status is the outcome of one submitted report.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusStale      Status = "stale"
	StatusRejected   Status = "rejected"
	StatusInvalid    Status = "invalid"
	StatusOverloaded Status = "overloaded"
	// StatusUnavailable means the aggregator gave up on the report before
	// storing it, for example on shutdown. The report may be sent again.
	StatusUnavailable Status = "unavailable"
)

// Ack is the aggregator's reply to a pushed report.
type Ack struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the collector can consider the report delivered.
// Stale reports are duplicates of something already stored.
func (a Ack) OK() bool {
	return a.Status == StatusAccepted || a.Status == StatusStale
}

// Retryable reports whether the same report may succeed on a later attempt.
func (a Ack) Retryable() bool {
	return a.Status == StatusOverloaded || a.Status == StatusUnavailable
}
