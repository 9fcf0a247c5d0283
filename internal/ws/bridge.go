package ws

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
)

// BinResolver maps a bin to the controller unit that owns its lock.
type BinResolver interface {
	ControllerForBin(binID string) (string, bool)
}

// inboundTopics lists what hardware is allowed to publish. Frames carrying
// any other topic are rejected at the boundary.
var inboundTopics = map[string]bool{
	bus.TopicBinOpened:          true,
	bus.TopicBinClosed:          true,
	bus.TopicLockOpenSuccess:    true,
	bus.TopicLockOpenFail:       true,
	bus.TopicDeviceStatus:       true,
	bus.TopicQuantityCalculated: true,
}

// Bridge translates between websocket frames and bus messages: inbound
// frames are validated and published, outbound open commands are routed to
// the connection of the controller that owns the target bin.
type Bridge struct {
	b        bus.Bus
	manager  *Manager
	resolver BinResolver
	logger   *zap.Logger
}

// NewBridge builds the bridge and subscribes it to outbound commands.
func NewBridge(b bus.Bus, manager *Manager, resolver BinResolver, logger *zap.Logger) *Bridge {
	br := &Bridge{b: b, manager: manager, resolver: resolver, logger: logger}
	b.Subscribe(bus.TopicLockOpenCommand, br.onLockOpenCommand)
	return br
}

// Process decodes one inbound frame and publishes it onto the bus.
func (br *Bridge) Process(ctx context.Context, controllerID string, raw []byte) error {
	msg, err := bus.Decode(raw)
	if err != nil {
		return err
	}
	if !inboundTopics[msg.Topic()] {
		return fmt.Errorf("ws: topic %s not accepted from hardware", msg.Topic())
	}
	br.logger.Debug("hardware frame received",
		zap.String("controller_id", controllerID), zap.String("topic", msg.Topic()))
	return br.b.Publish(ctx, msg)
}

func (br *Bridge) onLockOpenCommand(ctx context.Context, msg bus.Message) {
	cmd, ok := msg.(bus.LockOpenCommand)
	if !ok {
		return
	}
	controllerID, ok := br.resolver.ControllerForBin(cmd.BinID)
	if !ok {
		br.logger.Warn("open command for bin with no controller", zap.String("bin_id", cmd.BinID))
		return
	}
	conn, ok := br.manager.Get(controllerID)
	if !ok {
		br.logger.Warn("controller offline, open command dropped",
			zap.String("controller_id", controllerID), zap.String("bin_id", cmd.BinID))
		return
	}
	frame, err := bus.Encode(cmd)
	if err != nil {
		br.logger.Error("encode open command failed", zap.Error(err))
		return
	}
	conn.Send(frame)
}
