// Package monitor implements the monitor endpoint: cached
// system status, maintenance flag, system settings, and per-service
// health, fanned out from the bus to admin-only channels plus a
// restricted public background-scene channel for anonymous connections.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/ringbuf"
	"github.com/fluxgate/streamgate/internal/transport"
)

// recentErrorsSize bounds the ring of recent service errors.
const recentErrorsSize = 100

const (
	channelServices = "admin.services"
	channelSystem   = "admin.system"
	channelScene    = "public.background_scene"
)

// ErrorRecord is one entry in the recent-errors ring.
type ErrorRecord struct {
	ServiceName string    `json:"service_name"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// NewConfig builds the monitor endpoint's static configuration. It never
// requires auth: anonymous connections are allowed, but are only ever
// auto-subscribed to the public background-scene channel.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "monitor",
		Path:               "/ws/monitor",
		AuthRequired:       false,
		PublicChannels:     []string{channelScene},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"get_status", "get_settings", "get_errors_recent"},
	}
}

// Endpoint is the monitor specialization.
type Endpoint struct {
	base    *endpoint.Base
	store   backend.Store
	control backend.ServiceControl

	mu          sync.Mutex
	maintenance bool
	settings    backend.Settings
	statuses    map[string]backend.ServiceStatus

	errors *ringbuf.Ring[ErrorRecord]
	subs   []eventbus.Subscription
}

// New builds the monitor endpoint, priming its caches from store/control
// and wiring its bus subscriptions.
func New(cfg endpoint.Config, deps endpoint.Deps, store backend.Store, control backend.ServiceControl, bus *eventbus.Bus) *Endpoint {
	ep := &Endpoint{
		store:    store,
		control:  control,
		statuses: make(map[string]backend.ServiceStatus),
		errors:   ringbuf.New[ErrorRecord](recentErrorsSize),
	}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{
		OnInit:       ep.onInit,
		OnConnection: ep.onConnection,
		OnMessage:    ep.onMessage,
		OnCleanup:    ep.onCleanup,
	})
	if bus != nil {
		ep.subs = append(ep.subs,
			bus.Subscribe(eventbus.MaintenanceUpdate, ep.onMaintenanceUpdate),
			bus.Subscribe(eventbus.SystemSettingsUpdate, ep.onSettingsUpdate),
			bus.Subscribe(eventbus.ServiceStatusUpdate, ep.onServiceStatusUpdate),
			bus.Subscribe(eventbus.ServiceInitialized, ep.onServiceInitialized),
			bus.Subscribe(eventbus.ServiceError, ep.onServiceError),
			bus.Subscribe(eventbus.ServiceCircuitBreak, ep.onServiceCircuitBreaker),
		)
	}
	return ep
}

func (ep *Endpoint) onInit(*endpoint.Base) {
	if ep.store == nil {
		return
	}
	if settings, err := ep.store.GetSettings(context.Background()); err == nil {
		ep.mu.Lock()
		ep.settings = settings
		ep.maintenance = settings.MaintenanceMode
		ep.mu.Unlock()
	}
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { ep.base.ServeHTTP(w, r) }

// Cleanup unsubscribes from the bus and quiesces the base.
func (ep *Endpoint) Cleanup() { ep.base.Cleanup() }

func (ep *Endpoint) onCleanup() {
	for _, s := range ep.subs {
		s.Unsubscribe()
	}
}

// onConnection auto-subscribes admins to every admin channel and
// anonymous connections only to the public background-scene channel.
func (ep *Endpoint) onConnection(conn *engine.Connection) {
	p := conn.Principal()
	if p.Authenticated && p.Role.Satisfies(auth.RoleAdmin) {
		for _, ch := range []string{channelServices, channelSystem} {
			ep.base.Channels().Subscribe(ch, conn)
			conn.AddSubscription(ch)
		}
		return
	}
	if !p.Authenticated {
		ep.base.Channels().Subscribe(channelScene, conn)
		conn.AddSubscription(channelScene)
	}
}

func (ep *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	switch env.Type {
	case "get_status":
		return ep.handleGetStatus(conn, env)
	case "get_settings":
		ep.mu.Lock()
		settings := ep.settings
		ep.mu.Unlock()
		conn.Send(transport.Envelope{Type: "system_settings_update", RequestID: env.RequestID, Data: settings})
		return nil
	case "get_errors_recent":
		conn.Send(transport.Envelope{Type: "errors_recent", RequestID: env.RequestID, Data: ep.errors.Snapshot()})
		return nil
	default:
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
}

func (ep *Endpoint) handleGetStatus(conn *engine.Connection, env transport.Envelope) error {
	if ep.control == nil {
		ep.mu.Lock()
		snapshot := make([]backend.ServiceStatus, 0, len(ep.statuses))
		for _, s := range ep.statuses {
			snapshot = append(snapshot, s)
		}
		ep.mu.Unlock()
		conn.Send(transport.Envelope{Type: "service_status", RequestID: env.RequestID, Data: snapshot})
		return nil
	}
	services, err := ep.control.GetAllServices(context.Background())
	if err != nil {
		return gatewayerr.Upstream("failed to load service status", err)
	}
	statuses := make([]backend.ServiceStatus, 0, len(services))
	for _, svc := range services {
		st, err := svc.Status(context.Background())
		if err != nil {
			continue
		}
		statuses = append(statuses, st)
	}
	conn.Send(transport.Envelope{Type: "service_status", RequestID: env.RequestID, Data: statuses})
	return nil
}

// MaintenanceUpdatePayload is the bus payload for eventbus.MaintenanceUpdate.
type MaintenanceUpdatePayload struct {
	Enabled bool `json:"enabled"`
}

func (ep *Endpoint) onMaintenanceUpdate(event eventbus.Event) {
	payload, ok := event.Payload.(MaintenanceUpdatePayload)
	if !ok {
		return
	}
	ep.mu.Lock()
	ep.maintenance = payload.Enabled
	ep.mu.Unlock()
	ep.base.Channels().Broadcast(channelSystem, transport.Envelope{Type: "maintenance_update", Data: payload})
}

// SystemSettingsUpdatePayload is the bus payload for
// eventbus.SystemSettingsUpdate.
type SystemSettingsUpdatePayload struct {
	Settings backend.Settings
}

func (ep *Endpoint) onSettingsUpdate(event eventbus.Event) {
	payload, ok := event.Payload.(SystemSettingsUpdatePayload)
	if !ok {
		return
	}
	ep.mu.Lock()
	ep.settings = payload.Settings
	ep.mu.Unlock()
	ep.base.Channels().Broadcast(channelSystem, transport.Envelope{Type: "system_settings_update", Data: payload.Settings})
}

// ServiceStatusUpdatePayload is the bus payload for
// eventbus.ServiceStatusUpdate.
type ServiceStatusUpdatePayload struct {
	Status backend.ServiceStatus
}

func (ep *Endpoint) onServiceStatusUpdate(event eventbus.Event) {
	payload, ok := event.Payload.(ServiceStatusUpdatePayload)
	if !ok {
		return
	}
	ep.mu.Lock()
	ep.statuses[payload.Status.Name] = payload.Status
	ep.mu.Unlock()
	ep.base.Channels().Broadcast(channelServices, transport.Envelope{Type: "service_status", Data: payload.Status})
}

// ServiceInitializedPayload is the bus payload for
// eventbus.ServiceInitialized.
type ServiceInitializedPayload struct {
	ServiceName string `json:"service_name"`
}

func (ep *Endpoint) onServiceInitialized(event eventbus.Event) {
	payload, ok := event.Payload.(ServiceInitializedPayload)
	if !ok {
		return
	}
	ep.base.Channels().Broadcast(channelServices, transport.Envelope{Type: "service_initialized", Data: payload})
}

// ServiceErrorPayload is the bus payload for eventbus.ServiceError.
type ServiceErrorPayload struct {
	ServiceName string `json:"service_name"`
	Message     string `json:"message"`
}

func (ep *Endpoint) onServiceError(event eventbus.Event) {
	payload, ok := event.Payload.(ServiceErrorPayload)
	if !ok {
		return
	}
	ep.errors.Add(ErrorRecord{ServiceName: payload.ServiceName, Message: payload.Message, At: time.Now()})
	ep.base.Channels().Broadcast(channelServices, transport.Envelope{Type: "service_error", Data: payload})
}

// ServiceCircuitBreakerPayload is the bus payload for
// eventbus.ServiceCircuitBreak.
type ServiceCircuitBreakerPayload struct {
	ServiceName string `json:"service_name"`
	State       string `json:"state"`
}

func (ep *Endpoint) onServiceCircuitBreaker(event eventbus.Event) {
	payload, ok := event.Payload.(ServiceCircuitBreakerPayload)
	if !ok {
		return
	}
	ep.base.Channels().Broadcast(channelServices, transport.Envelope{Type: "service_circuit_breaker", Data: payload})
}
