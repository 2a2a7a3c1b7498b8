package nodeexec

import (
	"context"

	"github.com/pipewright-labs/pipewright-go/internal/domain"
)

// NodeStartInfo accompanies a node-execution-start notification.
type NodeStartInfo struct {
	NodeExecution domain.NodeExecution
}

// NodeUpdateInfo accompanies update and status-update notifications.
type NodeUpdateInfo struct {
	NodeExecution domain.NodeExecution
}

// NodeExecutionStartObserver is notified after a brand-new node execution
// commits.
type NodeExecutionStartObserver interface {
	OnNodeStart(ctx context.Context, info NodeStartInfo)
}

// NodeStatusUpdateObserver is notified after a guarded status transition
// commits.
type NodeStatusUpdateObserver interface {
	OnNodeStatusUpdate(ctx context.Context, info NodeUpdateInfo)
}

// NodeUpdateObserver is notified after any field update commits, status
// transitions included.
type NodeUpdateObserver interface {
	OnNodeUpdate(ctx context.Context, info NodeUpdateInfo)
}

// Observers is the in-process notification registry. Callbacks run
// synchronously, in registration order, on the goroutine that performed the
// write; a slow observer directly delays the writer. Registration happens
// at wiring time, before the service takes traffic.
type Observers struct {
	start        []NodeExecutionStartObserver
	statusUpdate []NodeStatusUpdateObserver
	update       []NodeUpdateObserver
}

func NewObservers() *Observers {
	return &Observers{}
}

func (o *Observers) RegisterNodeStart(observer NodeExecutionStartObserver) {
	if observer == nil {
		return
	}
	o.start = append(o.start, observer)
}

func (o *Observers) RegisterNodeStatusUpdate(observer NodeStatusUpdateObserver) {
	if observer == nil {
		return
	}
	o.statusUpdate = append(o.statusUpdate, observer)
}

func (o *Observers) RegisterNodeUpdate(observer NodeUpdateObserver) {
	if observer == nil {
		return
	}
	o.update = append(o.update, observer)
}

func (o *Observers) notifyNodeStart(ctx context.Context, info NodeStartInfo) {
	for _, observer := range o.start {
		observer.OnNodeStart(ctx, info)
	}
}

func (o *Observers) notifyNodeStatusUpdate(ctx context.Context, info NodeUpdateInfo) {
	for _, observer := range o.statusUpdate {
		observer.OnNodeStatusUpdate(ctx, info)
	}
}

func (o *Observers) notifyNodeUpdate(ctx context.Context, info NodeUpdateInfo) {
	for _, observer := range o.update {
		observer.OnNodeUpdate(ctx, info)
	}
}
