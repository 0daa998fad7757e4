package servicecontrol

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func int32ptr(n int32) *int32 { return &n }

func newTestDeployment(name string, replicas int32, available int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(replicas)},
		Status:     appsv1.DeploymentStatus{Replicas: replicas, AvailableReplicas: available},
	}
}

func TestControl_GetAllServices_ListsConfiguredNames(t *testing.T) {
	cs := fake.NewSimpleClientset(newTestDeployment("market_data_service", 1, 1))
	client := NewClientWithInterface("default", cs)
	ctrl := NewControl(client, []string{"market_data_service"})

	services, err := ctrl.GetAllServices(context.Background())
	if err != nil {
		t.Fatalf("GetAllServices: %v", err)
	}
	if len(services) != 1 || services[0].Name() != "market_data_service" {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestService_Status_ReportsRunningWhenAvailable(t *testing.T) {
	cs := fake.NewSimpleClientset(newTestDeployment("market_data_service", 1, 1))
	client := NewClientWithInterface("default", cs)
	ctrl := NewControl(client, []string{"market_data_service"})

	svc, ok, err := ctrl.GetService(context.Background(), "market_data_service")
	if err != nil || !ok {
		t.Fatalf("GetService: ok=%v err=%v", ok, err)
	}
	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "running" {
		t.Errorf("State = %q, want running", status.State)
	}
}

func TestService_Stop_ScalesToZero(t *testing.T) {
	cs := fake.NewSimpleClientset(newTestDeployment("market_data_service", 1, 1))
	client := NewClientWithInterface("default", cs)
	ctrl := NewControl(client, []string{"market_data_service"})
	svc, _, _ := ctrl.GetService(context.Background(), "market_data_service")

	status, err := svc.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status.State != "stopped" {
		t.Errorf("State after Stop = %q, want stopped", status.State)
	}
}

func TestService_ResetCircuitBreaker_SetsAnnotationClosed(t *testing.T) {
	dep := newTestDeployment("market_data_service", 1, 1)
	dep.Annotations = map[string]string{breakerAnnotation: "open"}
	cs := fake.NewSimpleClientset(dep)
	client := NewClientWithInterface("default", cs)
	ctrl := NewControl(client, []string{"market_data_service"})
	svc, _, _ := ctrl.GetService(context.Background(), "market_data_service")

	status, err := svc.ResetCircuitBreaker(context.Background())
	if err != nil {
		t.Fatalf("ResetCircuitBreaker: %v", err)
	}
	if status.CircuitBreaker != "closed" {
		t.Errorf("CircuitBreaker = %q, want closed", status.CircuitBreaker)
	}
}

func TestControl_GetService_UnknownNameNotFound(t *testing.T) {
	cs := fake.NewSimpleClientset()
	client := NewClientWithInterface("default", cs)
	ctrl := NewControl(client, []string{"market_data_service"})

	_, ok, err := ctrl.GetService(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown service name")
	}
}
