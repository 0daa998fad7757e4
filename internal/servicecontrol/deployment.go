package servicecontrol

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/fluxgate/streamgate/internal/backend"
)

// breakerAnnotation records a service's circuit-breaker state as a
// Deployment annotation, since Deployments have no native notion of one.
// reset_circuit_breaker sets it back to "closed".
const breakerAnnotation = "streamgate.io/circuit-breaker"

// restartedAnnotation bumps on every restart, the same rollout-restart
// idiom `kubectl rollout restart` uses under the hood.
const restartedAnnotation = "kubectl.kubernetes.io/restartedAt"

// service adapts one Deployment to backend.Service.
type service struct {
	client *Client
	name   string
}

var _ backend.Service = (*service)(nil)

func (s *service) Name() string { return s.name }

func (s *service) Status(ctx context.Context) (backend.ServiceStatus, error) {
	cs, err := s.client.clientSet()
	if err != nil {
		return backend.ServiceStatus{}, err
	}
	dep, err := cs.AppsV1().Deployments(s.client.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return backend.ServiceStatus{}, fmt.Errorf("servicecontrol: get deployment %s: %w", s.name, err)
	}
	return statusFromDeployment(dep), nil
}

func (s *service) Start(ctx context.Context) (backend.ServiceStatus, error) {
	return s.scale(ctx, 1)
}

func (s *service) Stop(ctx context.Context) (backend.ServiceStatus, error) {
	return s.scale(ctx, 0)
}

func (s *service) Restart(ctx context.Context) (backend.ServiceStatus, error) {
	cs, err := s.client.clientSet()
	if err != nil {
		return backend.ServiceStatus{}, err
	}
	patch := []byte(fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAnnotation, time.Now().UTC().Format(time.RFC3339),
	))
	dep, err := cs.AppsV1().Deployments(s.client.namespace).Patch(ctx, s.name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return backend.ServiceStatus{}, fmt.Errorf("servicecontrol: restart %s: %w", s.name, err)
	}
	return statusFromDeployment(dep), nil
}

func (s *service) ResetCircuitBreaker(ctx context.Context) (backend.ServiceStatus, error) {
	cs, err := s.client.clientSet()
	if err != nil {
		return backend.ServiceStatus{}, err
	}
	patch := []byte(fmt.Sprintf(`{"metadata":{"annotations":{%q:"closed"}}}`, breakerAnnotation))
	dep, err := cs.AppsV1().Deployments(s.client.namespace).Patch(ctx, s.name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return backend.ServiceStatus{}, fmt.Errorf("servicecontrol: reset breaker for %s: %w", s.name, err)
	}
	return statusFromDeployment(dep), nil
}

func (s *service) scale(ctx context.Context, replicas int32) (backend.ServiceStatus, error) {
	cs, err := s.client.clientSet()
	if err != nil {
		return backend.ServiceStatus{}, err
	}
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	dep, err := cs.AppsV1().Deployments(s.client.namespace).Patch(ctx, s.name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return backend.ServiceStatus{}, fmt.Errorf("servicecontrol: scale %s to %d: %w", s.name, replicas, err)
	}
	return statusFromDeployment(dep), nil
}

func statusFromDeployment(dep *appsv1.Deployment) backend.ServiceStatus {
	state := "stopped"
	switch {
	case dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0:
		state = "stopped"
	case dep.Status.AvailableReplicas > 0:
		state = "running"
	case dep.Status.Replicas > 0:
		state = "restarting"
	}
	breaker := dep.Annotations[breakerAnnotation]
	if breaker == "" {
		breaker = "closed"
	}
	return backend.ServiceStatus{
		Name:           dep.Name,
		State:          state,
		CircuitBreaker: breaker,
		LastUpdated:    time.Now().UTC(),
	}
}

// Control implements backend.ServiceControl over a set of named
// Deployments, one per backend domain service.
type Control struct {
	client *Client
	names  []string
}

var _ backend.ServiceControl = (*Control)(nil)

// NewControl builds a Control that manages the Deployments named in
// serviceNames, all in client's configured namespace.
func NewControl(client *Client, serviceNames []string) *Control {
	return &Control{client: client, names: serviceNames}
}

func (c *Control) GetAllServices(ctx context.Context) ([]backend.Service, error) {
	out := make([]backend.Service, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, &service{client: c.client, name: name})
	}
	return out, nil
}

func (c *Control) GetService(ctx context.Context, name string) (backend.Service, bool, error) {
	for _, n := range c.names {
		if n == name {
			return &service{client: c.client, name: name}, true, nil
		}
	}
	return nil, false, nil
}
