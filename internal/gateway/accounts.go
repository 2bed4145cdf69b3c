package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// supervisor runs one monitor goroutine per configured channel
// account. Each monitor drives the plugin's StartAccount and owns that
// account's status; restarts after failure happen here with a growing
// pause.
type supervisor struct {
	server *Server
	logger *slog.Logger

	mu       sync.RWMutex
	statuses map[string]pluginsdk.AccountStatus // key: channel/accountID

	wg      sync.WaitGroup
	stopped map[string]chan struct{} // closed when a monitor exits
}

func newSupervisor(s *Server) *supervisor {
	return &supervisor{
		server:   s,
		logger:   s.logger.With("component", "accounts"),
		statuses: map[string]pluginsdk.AccountStatus{},
		stopped:  map[string]chan struct{}{},
	}
}

func statusKey(channel, accountID string) string {
	return channel + "/" + accountID
}

// startAll launches a monitor for every account of every plugin that
// has both config and gateway groups.
func (sv *supervisor) startAll(ctx context.Context) {
	for _, plugin := range sv.server.registry.All() {
		if plugin.Config == nil || plugin.Gateway == nil {
			continue
		}
		for _, accountID := range plugin.Config.ListAccountIDs() {
			if !plugin.Config.IsConfigured(accountID) {
				sv.logger.Warn("account not configured, skipping",
					"channel", plugin.ID, "accountId", accountID)
				continue
			}
			sv.launch(ctx, plugin, accountID)
		}
	}
}

func (sv *supervisor) launch(ctx context.Context, plugin *pluginsdk.Plugin, accountID string) {
	key := statusKey(plugin.ID, accountID)
	done := make(chan struct{})

	sv.mu.Lock()
	sv.stopped[key] = done
	sv.statuses[key] = pluginsdk.AccountStatus{AccountID: accountID}
	sv.mu.Unlock()

	setStatus := func(st pluginsdk.AccountStatus) {
		st.AccountID = accountID
		sv.mu.Lock()
		st.ReconnectAttempts = sv.statuses[key].ReconnectAttempts
		sv.statuses[key] = st
		sv.mu.Unlock()
		sv.server.Broadcast(protocol.EventChannelStatus, map[string]any{
			"channel": plugin.ID,
			"status":  st,
		}, BroadcastOptions{DropIfSlow: true})
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		defer close(done)
		sv.monitor(ctx, plugin, accountID, setStatus)
	}()
}

// monitor restarts the account connection until ctx is cancelled.
func (sv *supervisor) monitor(ctx context.Context, plugin *pluginsdk.Plugin, accountID string, setStatus pluginsdk.SetStatus) {
	key := statusKey(plugin.ID, accountID)
	logger := sv.logger.With("channel", plugin.ID, "accountId", accountID)

	for {
		logger.Info("starting account monitor")
		setStatus(pluginsdk.AccountStatus{Running: true})

		err := plugin.Gateway.StartAccount(ctx, accountID, setStatus)

		if ctx.Err() != nil {
			setStatus(pluginsdk.AccountStatus{Running: false})
			logger.Info("account monitor stopped")
			return
		}

		sv.mu.Lock()
		st := sv.statuses[key]
		st.Running = false
		st.ReconnectAttempts++
		if err != nil {
			st.LastError = err.Error()
		}
		attempts := st.ReconnectAttempts
		sv.statuses[key] = st
		sv.mu.Unlock()

		logger.Warn("account monitor failed, restarting", "error", err, "attempts", attempts)

		pause := time.Duration(attempts) * time.Second
		if pause > 30*time.Second {
			pause = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// stopAll waits for each monitor to observe cancellation within the
// provider shutdown window; stragglers are logged as leaked and the
// shutdown proceeds.
func (sv *supervisor) stopAll() {
	sv.mu.RLock()
	waiting := make(map[string]chan struct{}, len(sv.stopped))
	for key, done := range sv.stopped {
		waiting[key] = done
	}
	sv.mu.RUnlock()

	for key, done := range waiting {
		select {
		case <-done:
		case <-time.After(protocol.ProviderShutdownTimeout):
			sv.logger.Warn("account monitor leaked past shutdown window", "account", key)
		}
	}
}

// snapshot copies current account statuses for health and RPC reads.
func (sv *supervisor) snapshot() map[string]pluginsdk.AccountStatus {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[string]pluginsdk.AccountStatus, len(sv.statuses))
	for key, st := range sv.statuses {
		out[key] = st
	}
	return out
}
