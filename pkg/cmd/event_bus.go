package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/drover-io/drover/pkg/channels/gochannel"
	"github.com/drover-io/drover/pkg/eventbus"
)

func NewEventBus(logger *slog.Logger) (eventbus.EventBus, error) {
	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
	}

	return eventbus.NewWatermillEventBus(pub, sub), nil
}
