package queue

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope codec errors.
var (
	ErrInvalidEnvelope = errors.New("invalid job envelope")
	ErrEmptyEnvelope   = errors.New("empty job envelope")
)

// Envelope wraps a job payload on the broker. The payload itself is
// JSON so failed-job records stay human-readable and replayable; the
// envelope around it is CBOR for a compact broker representation.
type Envelope struct {
	// ID uniquely identifies this job instance across retries.
	ID string `cbor:"id"`

	// Queue is the queue the job was enqueued on.
	Queue Queue `cbor:"queue"`

	// Attempt counts deliveries, starting at 1 for the first.
	Attempt int `cbor:"attempt"`

	// EnqueuedAt is when the producer enqueued the job.
	EnqueuedAt time.Time `cbor:"enqueued_at"`

	// Payload is the JSON-encoded job body.
	Payload []byte `cbor:"payload"`
}

// EncodeEnvelope serializes an envelope for the broker.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope deserializes an envelope popped from the broker.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}

	var env Envelope
	dec := cbor.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Queue == "" {
		return nil, fmt.Errorf("%w: missing queue", ErrInvalidEnvelope)
	}
	return &env, nil
}
