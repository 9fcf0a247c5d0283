package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame carried by the transport: a topic tag plus the
// raw payload. Concrete message shapes are resolved from the topic.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a message into envelope bytes.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: encode payload: %w", err)
	}
	return json.Marshal(Envelope{Topic: msg.Topic(), Payload: payload})
}

// Decode parses envelope bytes into the typed message for its topic and
// validates it. Unknown topics and malformed payloads are rejected here so
// nothing unvalidated reaches the state machine.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bus: decode envelope: %w", err)
	}
	return DecodePayload(env.Topic, env.Payload)
}

// DecodePayload resolves a topic to its message type and unmarshals the payload.
func DecodePayload(topic string, payload []byte) (Message, error) {
	var msg Message
	switch topic {
	case TopicProcessStart:
		msg = &ProcessStart{}
	case TopicBinOpened:
		msg = &BinOpened{}
	case TopicBinClosed:
		msg = &BinClosed{}
	case TopicLockOpenSuccess:
		msg = &LockOpenSuccess{}
	case TopicLockOpenFail:
		msg = &LockOpenFail{}
	case TopicDeviceStatus:
		msg = &DeviceStatus{}
	case TopicQuantityCalculated:
		msg = &QuantityCalculated{}
	case TopicForceNextStep:
		msg = &ForceNextStep{}
	case TopicLockOpenCommand:
		msg = &LockOpenCommand{}
	case TopicStepSuccess:
		msg = &StepSuccess{}
	case TopicStepError:
		msg = &StepError{}
	case TopicStepWarning:
		msg = &StepWarning{}
	case TopicTransactionCompleted:
		msg = &TransactionCompleted{}
	case TopicTransactionFailed:
		msg = &TransactionFailed{}
	default:
		return nil, fmt.Errorf("bus: unsupported topic %s", topic)
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("bus: decode %s payload: %w", topic, err)
	}

	decoded := deref(msg)
	if err := decoded.Validate(); err != nil {
		return nil, err
	}
	return decoded, nil
}

// deref returns the value form so handlers can type-switch on concrete structs.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *ProcessStart:
		return *m
	case *BinOpened:
		return *m
	case *BinClosed:
		return *m
	case *LockOpenSuccess:
		return *m
	case *LockOpenFail:
		return *m
	case *DeviceStatus:
		return *m
	case *QuantityCalculated:
		return *m
	case *ForceNextStep:
		return *m
	case *LockOpenCommand:
		return *m
	case *StepSuccess:
		return *m
	case *StepError:
		return *m
	case *StepWarning:
		return *m
	case *TransactionCompleted:
		return *m
	case *TransactionFailed:
		return *m
	default:
		return msg
	}
}
