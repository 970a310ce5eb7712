// Package probe performs the cluster-facing queries behind the console:
// cluster stats, deployment status, describe modals, and namespace scans.
// Every operation maps upstream failures onto a small taxonomy
// (ErrUnreachable, ErrNotFound, generic error) and never surfaces a raw
// client error to the HTTP layer.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/registry"
)

const probeClientTimeout = 45 * time.Second

var (
	// ErrUnreachable means the cluster API could not be reached at all.
	ErrUnreachable = errors.New("cluster unreachable")
	// ErrNotFound means the target resource is absent.
	ErrNotFound = errors.New("resource not found")
)

// ClusterStats is the cluster-level summary shown on the dashboard.
type ClusterStats struct {
	ServerVersion string `json:"serverVersion"`
	NodeCount     int    `json:"nodeCount"`
}

// DeploymentStatus is the per-binding status cell.
type DeploymentStatus struct {
	Image         string `json:"image"`
	ImageTag      string `json:"imageTag"`
	ReadyReplicas int32  `json:"readyReplicas"`
	Replicas      int32  `json:"replicas"`
}

// Event is one cluster event involving the described deployment.
type Event struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	Count    int32  `json:"count"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// DeploymentDetail is the describe-modal payload.
type DeploymentDetail struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Replicas          int32             `json:"replicas"`
	ReadyReplicas     int32             `json:"readyReplicas"`
	UpdatedReplicas   int32             `json:"updatedReplicas"`
	AvailableReplicas int32             `json:"availableReplicas"`
	Strategy          string            `json:"strategy,omitempty"`
	Images            []string          `json:"images,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	CreatedAt         string            `json:"createdAt,omitempty"`
}

// DescribeResult bundles the deployment detail with its recent events,
// most recent first.
type DescribeResult struct {
	Deployment DeploymentDetail `json:"deployment"`
	Events     []Event          `json:"events"`
}

// Probe issues cluster API calls. Clients are built per call from the
// cluster's own kubeconfig with the request's credential scope applied; the
// factory is swappable so tests can inject fake clientsets.
type Probe struct {
	clientFor func(cluster *registry.Cluster, scope *creds.Scope) (kubernetes.Interface, error)
}

// New creates a Probe backed by real kubeconfig-derived clients.
func New() *Probe {
	return &Probe{clientFor: newClient}
}

// SetClientFactory replaces the client factory (for testing).
func (p *Probe) SetClientFactory(f func(*registry.Cluster, *creds.Scope) (kubernetes.Interface, error)) {
	p.clientFor = f
}

// newClient loads the cluster's kubeconfig and builds a typed client. When
// the scope carries credentials they are appended to the exec plugin's
// environment on the in-memory config copy, so the aws exec helper sees the
// scoped account without any process-wide state being touched.
func newClient(cluster *registry.Cluster, scope *creds.Scope) (kubernetes.Interface, error) {
	raw, err := clientcmd.LoadFromFile(cluster.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig for cluster %s: %w", cluster.ID, err)
	}

	if !scope.Empty() {
		env := scope.Env()
		names := make([]string, 0, len(env))
		for name := range env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, auth := range raw.AuthInfos {
			if auth.Exec == nil {
				continue
			}
			for _, name := range names {
				auth.Exec.Env = append(auth.Exec.Env, clientcmdapi.ExecEnvVar{Name: name, Value: env[name]})
			}
		}
	}

	config, err := clientcmd.NewNonInteractiveClientConfig(*raw, raw.CurrentContext, &clientcmd.ConfigOverrides{}, nil).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build client config for cluster %s: %w", cluster.ID, err)
	}
	config.Timeout = probeClientTimeout

	return kubernetes.NewForConfig(config)
}

// Stats returns the server version and node count. Any failure collapses to
// ErrUnreachable: from the dashboard's point of view a cluster that cannot
// answer these two calls is offline, whatever the transport detail.
func (p *Probe) Stats(ctx context.Context, cluster *registry.Cluster, scope *creds.Scope) (*ClusterStats, error) {
	client, err := p.clientFor(cluster, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	version, err := client.Discovery().ServerVersion()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return &ClusterStats{
		ServerVersion: version.GitVersion,
		NodeCount:     len(nodes.Items),
	}, nil
}

// DeploymentStatus reads one bound deployment. A missing deployment maps to
// ErrNotFound; everything else is a generic error.
func (p *Probe) DeploymentStatus(ctx context.Context, cluster *registry.Cluster, scope *creds.Scope, binding registry.Binding) (*DeploymentStatus, error) {
	client, err := p.clientFor(cluster, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	dep, err := client.AppsV1().Deployments(binding.Namespace).Get(ctx, binding.Deployment, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}

	image := ""
	if containers := dep.Spec.Template.Spec.Containers; len(containers) > 0 {
		image = containers[0].Image
	}

	return &DeploymentStatus{
		Image:         image,
		ImageTag:      imageTag(image),
		ReadyReplicas: dep.Status.ReadyReplicas,
		Replicas:      dep.Status.Replicas,
	}, nil
}

// Describe reads the deployment and the events involving it, sorted so the
// most recent event comes first.
func (p *Probe) Describe(ctx context.Context, cluster *registry.Cluster, scope *creds.Scope, binding registry.Binding) (*DescribeResult, error) {
	client, err := p.clientFor(cluster, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	dep, err := client.AppsV1().Deployments(binding.Namespace).Get(ctx, binding.Deployment, metav1.GetOptions{})
	if err != nil {
		return nil, classify(err)
	}

	selector := fmt.Sprintf("involvedObject.name=%s,involvedObject.namespace=%s,involvedObject.kind=Deployment",
		binding.Deployment, binding.Namespace)
	events, err := client.CoreV1().Events(binding.Namespace).List(ctx, metav1.ListOptions{FieldSelector: selector})
	if err != nil {
		return nil, classify(err)
	}

	items := events.Items
	sort.SliceStable(items, func(i, j int) bool {
		return eventTime(&items[i]).After(eventTime(&items[j]))
	})

	result := &DescribeResult{
		Deployment: deploymentDetail(dep),
		Events:     make([]Event, 0, len(items)),
	}
	for i := range items {
		ev := &items[i]
		result.Events = append(result.Events, Event{
			Type:     ev.Type,
			Reason:   ev.Reason,
			Message:  ev.Message,
			Count:    ev.Count,
			LastSeen: eventTime(ev).Format(time.RFC3339),
		})
	}
	return result, nil
}

// ListDeployments returns the deployment names in a namespace, for the
// scan/import flow.
func (p *Probe) ListDeployments(ctx context.Context, cluster *registry.Cluster, scope *creds.Scope, namespace string) ([]string, error) {
	client, err := p.clientFor(cluster, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	deployments, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify(err)
	}

	names := make([]string, 0, len(deployments.Items))
	for _, dep := range deployments.Items {
		names = append(names, dep.Name)
	}
	sort.Strings(names)
	return names, nil
}

func deploymentDetail(dep *appsv1.Deployment) DeploymentDetail {
	detail := DeploymentDetail{
		Name:              dep.Name,
		Namespace:         dep.Namespace,
		ReadyReplicas:     dep.Status.ReadyReplicas,
		Replicas:          dep.Status.Replicas,
		UpdatedReplicas:   dep.Status.UpdatedReplicas,
		AvailableReplicas: dep.Status.AvailableReplicas,
		Strategy:          string(dep.Spec.Strategy.Type),
		Labels:            dep.Labels,
	}
	if !dep.CreationTimestamp.IsZero() {
		detail.CreatedAt = dep.CreationTimestamp.Format(time.RFC3339)
	}
	for _, c := range dep.Spec.Template.Spec.Containers {
		detail.Images = append(detail.Images, c.Image)
	}
	return detail
}

// eventTime picks the best available timestamp for ordering: last-seen,
// then event-time, then creation.
func eventTime(ev *corev1.Event) time.Time {
	if !ev.LastTimestamp.IsZero() {
		return ev.LastTimestamp.Time
	}
	if !ev.EventTime.IsZero() {
		return ev.EventTime.Time
	}
	return ev.CreationTimestamp.Time
}

// imageTag derives the display tag from a container image reference: the
// part after the last ':' in the final path segment, or "latest" when the
// reference carries no tag.
func imageTag(image string) string {
	if image == "" {
		return "latest"
	}
	base := image
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, ":"); idx >= 0 {
		return base[idx+1:]
	}
	return "latest"
}

func classify(err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("probe failed: %w", err)
}
