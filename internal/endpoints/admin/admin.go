// Package admin implements the admin/service-control endpoint:
// service_command {serviceName, command} dispatched over the service
// control plane, gated to admin/superadmin principals, with every
// command logged and its resulting status broadcast to the service's
// own channel.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/transport"
)

// NewConfig builds the admin endpoint's static configuration. It always
// requires authentication; every command additionally requires the admin
// role or higher, checked when the command is handled.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "admin",
		Path:               "/ws/admin",
		AuthRequired:       true,
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"service_command"},
	}
}

// Endpoint is the admin/service-control specialization.
type Endpoint struct {
	base    *endpoint.Base
	control backend.ServiceControl
}

// New builds the admin endpoint.
func New(cfg endpoint.Config, deps endpoint.Deps, control backend.ServiceControl) *Endpoint {
	ep := &Endpoint{control: control}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{OnMessage: ep.onMessage})
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { ep.base.ServeHTTP(w, r) }

// Cleanup quiesces the base.
func (ep *Endpoint) Cleanup() { ep.base.Cleanup() }

func serviceChannel(name string) string { return "service." + name }

type serviceCommandPayload struct {
	ServiceName string `json:"serviceName"`
	Command     string `json:"command"`
}

func (ep *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	if env.Type != "service_command" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}

	p := conn.Principal()
	if !p.Authenticated || !p.Role.Satisfies(auth.RoleAdmin) {
		return gatewayerr.Authorization("forbidden", "service commands require admin or superadmin")
	}

	raw, err := json.Marshal(env.Data)
	if err != nil {
		return gatewayerr.Protocol("malformed service_command payload", 0)
	}
	var payload serviceCommandPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ServiceName == "" || payload.Command == "" {
		return gatewayerr.Protocol("service_command requires serviceName and command", 0)
	}

	if ep.control == nil {
		return gatewayerr.Upstream("service control plane unavailable", nil)
	}
	svc, found, err := ep.control.GetService(context.Background(), payload.ServiceName)
	if err != nil {
		return gatewayerr.Upstream("failed to resolve service", err)
	}
	if !found {
		return gatewayerr.Resource(fmt.Sprintf("unknown service %q", payload.ServiceName))
	}

	status, err := ep.dispatch(context.Background(), svc, payload.Command)
	if err != nil {
		return gatewayerr.Upstream(fmt.Sprintf("command %q failed for %q", payload.Command, payload.ServiceName), err)
	}

	slog.Info("admin: service command executed",
		"wallet", p.WalletID, "role", string(p.Role),
		"service", payload.ServiceName, "command", payload.Command)

	conn.Send(transport.Envelope{
		Type:      "service_command_result",
		RequestID: env.RequestID,
		Data: map[string]any{
			"serviceName": payload.ServiceName,
			"command":     payload.Command,
			"result":      status,
		},
	})
	ep.base.Channels().Broadcast(serviceChannel(payload.ServiceName), transport.Envelope{Type: "service_status", Data: status})
	return nil
}

func (ep *Endpoint) dispatch(ctx context.Context, svc backend.Service, command string) (backend.ServiceStatus, error) {
	switch command {
	case "start":
		return svc.Start(ctx)
	case "stop":
		return svc.Stop(ctx)
	case "restart":
		return svc.Restart(ctx)
	case "reset_circuit_breaker":
		return svc.ResetCircuitBreaker(ctx)
	default:
		return backend.ServiceStatus{}, fmt.Errorf("unknown command %q", command)
	}
}
