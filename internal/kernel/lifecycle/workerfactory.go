package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/process"

	"github.com/ocapkernel/vatkernel/internal/kernel/endpoint"
	"github.com/ocapkernel/vatkernel/internal/kernel/refs"
	"github.com/ocapkernel/vatkernel/internal/vlog"
)

// ProcessWorkerFactory is the concrete WorkerFactory: each vat worker is
// a child OS process exposing a WebSocket endpoint that the kernel dials
// back, with liveness polled through gopsutil rather than relying solely
// on os.Process.Wait (which blocks the caller goroutine).
type ProcessWorkerFactory struct {
	mu        sync.Mutex
	dialAddr  func(id refs.EndpointId) string
	processes map[refs.EndpointId]*exec.Cmd
	log       vlog.Logger
}

func NewProcessWorkerFactory(dialAddr func(id refs.EndpointId) string) *ProcessWorkerFactory {
	return &ProcessWorkerFactory{
		dialAddr:  dialAddr,
		processes: make(map[refs.EndpointId]*exec.Cmd),
		log:       vlog.Root().New("component", "workerfactory"),
	}
}

func (f *ProcessWorkerFactory) Start(ctx context.Context, id refs.EndpointId, cfg VatConfig) (endpoint.Transport, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("vat %s: empty worker command", id)
	}
	cmd := exec.CommandContext(context.Background(), cfg.WorkerCommand[0], cfg.WorkerCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process for %s: %w", id, err)
	}

	f.mu.Lock()
	f.processes[id] = cmd
	f.mu.Unlock()

	addr := f.dialAddr(id)
	var conn *websocket.Conn
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("dial worker stream for %s: %w", id, lastErr)
	}
	return endpoint.NewWSTransport(conn, string(id)), nil
}

func (f *ProcessWorkerFactory) Stop(ctx context.Context, id refs.EndpointId) error {
	f.mu.Lock()
	cmd, ok := f.processes[id]
	delete(f.processes, id)
	f.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (f *ProcessWorkerFactory) Alive(id refs.EndpointId) bool {
	f.mu.Lock()
	cmd, ok := f.processes[id]
	f.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	p, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil {
		return false
	}
	return running
}
