package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zot/scholar-hub/internal/errs"
)

// Parse decodes one inbound frame.
func Parse(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", errs.ErrValidation)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("frame has no event name: %w", errs.ErrValidation)
	}
	return &ev, nil
}

// Decode unmarshals the event's data into dst.
func (e *Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data: %w", e.Event, errs.ErrValidation)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%s: invalid data: %w", e.Event, errs.ErrValidation)
	}
	return nil
}

// New builds an outbound event.
func New(event string, data any) *Event {
	raw, err := json.Marshal(data)
	if err != nil {
		// Payloads are plain structs; a failure here is a programming error.
		panic(fmt.Sprintf("protocol: encoding %s: %v", event, err))
	}
	return &Event{Event: event, Data: raw}
}

// Reply builds an outbound event answering a client request.
func Reply(req *Event, event string, data any) *Event {
	ev := New(event, data)
	if req != nil {
		ev.RequestID = req.RequestID
	}
	return ev
}

// NewError builds the error event for err. The failing request, when
// known, is echoed back so the client can correlate.
func NewError(req *Event, err error) *Event {
	code := errs.Code(err)
	message := err.Error()
	if code == errs.CodeInternal {
		message = "internal error"
	}
	payload := ErrorEvent{Code: code, Message: message}
	if req != nil {
		payload.Event = req.Event
	}
	return Reply(req, Error, payload)
}

// NewErrorCode builds an error event for conditions outside the error
// taxonomy, such as rate limiting and session replacement.
func NewErrorCode(code, message string) *Event {
	return New(Error, ErrorEvent{Code: code, Message: message})
}

// Encode serializes an event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
