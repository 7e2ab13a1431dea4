package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 256

// New builds the event bus for the configured tier: an in-process channel
// bus for Community, NATS for Pro. An empty type selects the channel bus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		size := cfg.ChannelBufferSize
		if size <= 0 {
			size = defaultChannelBuffer
		}
		return NewChannelBus(size), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
