package relay

import "encoding/json"

// Envelope types understood by the relay. The wire field is an open string so
// servers can introduce new types without breaking older clients.
const (
	TypeSub  = "sub"
	TypeAck  = "ack"
	TypeData = "data"
)

// Envelope is the topic-addressed message unit exchanged over the transport.
// Payload is opaque to the transport, typically serialized JSON. Silent
// envelopes are control traffic and are never delivered to caller handlers.
//
// An Envelope is immutable once constructed.
type Envelope struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

// NewDataEnvelope builds an application data envelope for a topic.
func NewDataEnvelope(topic string, payload string) Envelope {
	return Envelope{Topic: topic, Type: TypeData, Payload: payload}
}

func newSubEnvelope(topic string) Envelope {
	return Envelope{Topic: topic, Type: TypeSub, Payload: "", Silent: true}
}

func newAckEnvelope(topic string) Envelope {
	return Envelope{Topic: topic, Type: TypeAck, Payload: "", Silent: true}
}

// EncodeEnvelope serializes an envelope to its textual wire form.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, NewError(EncodeError, err)
	}
	return data, nil
}

// DecodeEnvelope parses wire bytes into an envelope. A well-formed envelope is
// a JSON object carrying at least a non-empty topic and type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, NewError(DecodeError, err)
	}
	if envelope.Topic == "" {
		return Envelope{}, NewError(DecodeError, "envelope is missing a topic")
	}
	if envelope.Type == "" {
		return Envelope{}, NewError(DecodeError, "envelope is missing a type")
	}

	return envelope, nil
}
