package dashboard

import (
	"context"
	"log"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/engine"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// Monitor bridges the sync engine and the local store into dashboard
// broadcasts: every local commit becomes a commit message, and a status
// snapshot is broadcast on a fixed interval and whenever the engine state
// changes.
type Monitor struct {
	server *Server
	coord  *engine.Coordinator
	st     *store.Store
	logger *log.Logger

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor broadcasting on server. interval <= 0
// defaults to 5 seconds.
func NewMonitor(server *Server, coord *engine.Coordinator, st *store.Store, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		server:   server,
		coord:    coord,
		st:       st,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching commits and polling status.
func (m *Monitor) Start() {
	go m.run(m.st.Subscribe())
}

// Stop halts the monitor.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(commits <-chan store.Commit) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	lastState := ""
	for {
		select {
		case <-m.stop:
			return
		case cm, ok := <-commits:
			if !ok {
				return
			}
			m.server.BroadcastCommit(cm.TxID, cm.Origin)
		case <-ticker.C:
			st := m.snapshot()
			if st == nil {
				continue
			}
			if st.State != lastState {
				m.server.BroadcastState(st.State, "")
				lastState = st.State
			}
			m.server.BroadcastStatus(*st)
		}
	}
}

func (m *Monitor) snapshot() *StatusData {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status, err := m.coord.Status(ctx)
	if err != nil {
		m.logger.Printf("Warning: failed to read sync status: %v", err)
		return nil
	}

	counts := make(map[string]Count, len(status.Counts))
	for kind, c := range status.Counts {
		counts[kind] = Count{Local: c.Local, Uploaded: c.Uploaded}
	}
	return &StatusData{
		State:               string(status.State),
		QueueSuspended:      status.QueueSuspended,
		PendingTransactions: status.PendingTransactions,
		LastUploadAt:        status.LastUploadAt,
		Counts:              counts,
	}
}
