package events

import (
	EventBus "github.com/asaskevich/EventBus"
)

// Topics published by the ingestion and command paths
const (
	TopicPunchStored      = "iclock:punch:stored"      // (serial string, count int)
	TopicDeviceLog        = "iclock:device:log"        // (serial string, table string, lines int)
	TopicCommandClaimed   = "command:claimed"          // (deviceID int64, commandID int64)
	TopicCommandAcked     = "command:acked"            // (deviceID int64, commandID int64, status string)
	TopicReconcileDone    = "attendance:reconcile:done" // (processed int, failed int)
	TopicDeviceRegistered = "device:handshake"         // (serial string)
)

// Publisher is the subset of the bus used by services. A nil Publisher is
// allowed everywhere and simply drops events.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Bus wraps the process wide event bus.
type Bus struct {
	EventBus.Bus
}

func NewBus() *Bus {
	return &Bus{Bus: EventBus.New()}
}

// Publish forwards to the underlying bus; safe on a nil *Bus.
func (b *Bus) Publish(topic string, args ...interface{}) {
	if b == nil || b.Bus == nil {
		return
	}
	b.Bus.Publish(topic, args...)
}

// Emit publishes on p when it is not nil.
func Emit(p Publisher, topic string, args ...interface{}) {
	if p == nil {
		return
	}
	p.Publish(topic, args...)
}
