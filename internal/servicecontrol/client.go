// Package servicecontrol implements the admin/service control plane by
// mapping backend.Service's start/stop/restart/reset-circuit-breaker
// onto Kubernetes Deployment operations: scale to one replica, scale to
// zero, a rollout-restart annotation bump, and a breaker-reset
// annotation respectively. Client construction tries in-cluster config
// first, then falls back to a kubeconfig.
package servicecontrol

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client wraps a Kubernetes clientset for the configured namespace. The
// underlying clientset is built lazily and cached, scoped to this
// instance instead of a package global so multiple gateways in one
// process (tests) don't share state.
type Client struct {
	namespace  string
	kubeconfig string

	once      sync.Once
	clientset kubernetes.Interface
	buildErr  error
}

// NewClient returns a Client for namespace. The clientset is built from
// in-cluster config first, falling back to kubeconfigPath when set, then
// $KUBECONFIG, then ~/.kube/config.
func NewClient(namespace, kubeconfigPath string) *Client {
	if namespace == "" {
		namespace = "default"
	}
	return &Client{namespace: namespace, kubeconfig: kubeconfigPath}
}

// NewClientWithInterface wraps an already-built clientset (e.g. a fake
// one from k8s.io/client-go/kubernetes/fake in tests), skipping the
// in-cluster/kubeconfig resolution entirely.
func NewClientWithInterface(namespace string, cs kubernetes.Interface) *Client {
	if namespace == "" {
		namespace = "default"
	}
	c := &Client{namespace: namespace, clientset: cs}
	c.once.Do(func() {})
	return c
}

func (c *Client) clientSet() (kubernetes.Interface, error) {
	c.once.Do(func() {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			cfg, err = c.buildFromKubeconfig()
			if err != nil {
				c.buildErr = fmt.Errorf("servicecontrol: build kubernetes config: %w", err)
				return
			}
		}
		cs, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			c.buildErr = fmt.Errorf("servicecontrol: create kubernetes client: %w", err)
			return
		}
		c.clientset = cs
	})
	return c.clientset, c.buildErr
}

func (c *Client) buildFromKubeconfig() (*rest.Config, error) {
	path := c.kubeconfig
	if path == "" {
		path = os.Getenv("KUBECONFIG")
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", path)
}
