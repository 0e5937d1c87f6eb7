package service

import (
	"context"
	"time"

	"github.com/gridmr/gridmr/internal/shared/config"
	"github.com/gridmr/gridmr/internal/shared/logging"
)

// NodeMonitor periodically expires nodes whose heartbeat went stale, which
// revokes map output and acknowledges attempt kills for the dead node.
type NodeMonitor struct {
	checkInterval time.Duration
	controller    *Controller
	logger        logging.Logger
}

func NewNodeMonitor(conf config.NodesConfig, controller *Controller, logger logging.Logger) *NodeMonitor {
	return &NodeMonitor{
		checkInterval: conf.CheckInterval,
		controller:    controller,
		logger:        logger,
	}
}

// Start blocks until ctx is cancelled.
func (m *NodeMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.controller.ExpireStaleNodes(time.Now())
		}
	}
}
