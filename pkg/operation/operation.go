package operation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Operation is a deferred write that has been accepted locally but not yet
// applied by the remote api. Operations are immutable once enqueued.
type Operation struct {
	Id         string          `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Verb       Verb            `json:"verb"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt int64           `json:"enqueuedAt"`
}

func (o *Operation) String() string {
	return fmt.Sprintf(
		"Operation(id=%s, verb=%s, endpoint=%s, enqueuedAt=%d)",
		o.Id,
		o.Verb,
		o.Endpoint,
		o.EnqueuedAt,
	)
}

// UnmarshalJSON also accepts records written by the mobile client, which
// stored the verb as "method", the payload as "data" and the enqueue time
// as "timestamp".
func (o *Operation) UnmarshalJSON(data []byte) error {
	var record struct {
		Id         string          `json:"id"`
		Endpoint   string          `json:"endpoint"`
		Verb       *Verb           `json:"verb"`
		Method     *Verb           `json:"method"`
		Payload    json.RawMessage `json:"payload"`
		Data       json.RawMessage `json:"data"`
		EnqueuedAt int64           `json:"enqueuedAt"`
		Timestamp  int64           `json:"timestamp"`
	}

	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}

	verb := record.Verb
	if verb == nil {
		verb = record.Method
	}
	if verb == nil {
		return fmt.Errorf("operation '%s' is missing a verb", record.Id)
	}

	payload := record.Payload
	if payload == nil {
		payload = record.Data
	}

	enqueuedAt := record.EnqueuedAt
	if enqueuedAt == 0 {
		enqueuedAt = record.Timestamp
	}

	*o = Operation{
		Id:         record.Id,
		Endpoint:   record.Endpoint,
		Verb:       *verb,
		Payload:    payload,
		EnqueuedAt: enqueuedAt,
	}

	return nil
}

// Time returns the enqueue time.
func (o *Operation) Time() time.Time {
	return time.UnixMilli(o.EnqueuedAt)
}

func (o1 *Operation) Equals(o2 *Operation) bool {
	return o1.Id == o2.Id &&
		o1.Endpoint == o2.Endpoint &&
		o1.Verb == o2.Verb &&
		string(o1.Payload) == string(o2.Payload) &&
		o1.EnqueuedAt == o2.EnqueuedAt
}

type Verb int

const (
	Create Verb = iota + 1
	Update
	Delete
)

func (v Verb) String() string {
	switch v {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Verb(%d)", int(v))
	}
}

// Method maps the verb onto the http method the remote api expects.
func (v Verb) Method() string {
	switch v {
	case Create:
		return http.MethodPost
	case Update:
		return http.MethodPut
	case Delete:
		return http.MethodDelete
	default:
		panic(fmt.Sprintf("invalid verb: %d", int(v)))
	}
}

// HasPayload reports whether the verb carries a request body.
func (v Verb) HasPayload() bool {
	return v == Create || v == Update
}

func (v Verb) Valid() bool {
	return v == Create || v == Update || v == Delete
}

// ParseVerb accepts both verb names and the http-style method names
// (post, put, delete) that older queue entries were written with.
func ParseVerb(s string) (Verb, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "post":
		return Create, nil
	case "update", "put":
		return Update, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("invalid verb '%s'", s)
	}
}

func (v Verb) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid verb: %d", int(v))
	}
	return []byte(v.String()), nil
}

func (v *Verb) UnmarshalText(data []byte) error {
	verb, err := ParseVerb(string(data))
	if err != nil {
		return err
	}

	*v = verb
	return nil
}
