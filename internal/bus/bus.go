package bus

import (
	"fmt"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

// New creates an event bus from configuration. Single-node deployments use
// in-process channels; distributed deployments use NATS.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
