package bus

import "context"

// Topic names making up the event contract between the core and its
// collaborators. Inbound topics are consumed by the coordinator and lock
// controller; outbound topics are commands and notifications the core emits.
const (
	TopicProcessStart       = "process/start"
	TopicBinOpened          = "bin/open"
	TopicBinClosed          = "bin/close"
	TopicLockOpenSuccess    = "lock/openSuccess"
	TopicLockOpenFail       = "lock/openFail"
	TopicDeviceStatus       = "device/status"
	TopicQuantityCalculated = "loadcell/quantityCalculated"
	TopicForceNextStep      = "process/forceNextStep"

	TopicLockOpenCommand      = "cu_lock.open"
	TopicStepSuccess          = "process/stepSuccess"
	TopicStepError            = "process/stepError"
	TopicStepWarning          = "process/stepWarning"
	TopicTransactionCompleted = "process/transactionCompleted"
	TopicTransactionFailed    = "process/transactionFailed"
)

// Message is one typed bus payload, keyed by its topic.
type Message interface {
	Topic() string
	Validate() error
}

// Handler consumes a decoded message. Handlers must not block; long work
// belongs on the consumer's own queue.
type Handler func(ctx context.Context, msg Message)

// Publisher sends messages onto the transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber registers a handler for one topic. Delivery is at-least-once
// and unordered across distinct topics.
type Subscriber interface {
	Subscribe(topic string, h Handler)
}

// Bus combines both directions of the transport boundary.
type Bus interface {
	Publisher
	Subscriber
}
