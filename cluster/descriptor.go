// Package cluster applies deployment descriptors to the container
// orchestrator and waits for rollouts to converge.
package cluster

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// Defaults applied by Render when the AppSpec leaves a field zero.
const (
	DefaultReplicas       = 3
	DefaultPort           = 3000
	DefaultRequestsMemory = "256Mi"
	DefaultRequestsCPU    = "100m"
	DefaultLimitsMemory   = "512Mi"
	DefaultLimitsCPU      = "500m"
)

// ProbeSpec configures an HTTP readiness or liveness probe.
type ProbeSpec struct {
	Path                string
	InitialDelaySeconds int
	PeriodSeconds       int
}

// ResourceSpec sets container resource requests and limits.
type ResourceSpec struct {
	RequestsMemory string
	RequestsCPU    string
	LimitsMemory   string
	LimitsCPU      string
}

// AppSpec is the tuple of values that vary between deployments.
// Everything else in the rendered descriptor is fixed shape.
type AppSpec struct {
	Name      string
	Namespace string
	Image     string
	Replicas  int
	Port      int
	Resources ResourceSpec
	Readiness *ProbeSpec
	Liveness  *ProbeSpec
}

// Validate checks that the required fields are set.
func (s AppSpec) Validate() error {
	if s.Name == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "app spec missing name")
	}
	if s.Namespace == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "app spec missing namespace")
	}
	if s.Image == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "app spec missing image")
	}
	return nil
}

// Descriptor is the full desired-state document: one Deployment and
// one Service, applied to the cluster as a unit.
type Descriptor struct {
	Deployment Deployment
	Service    Service
}

// Metadata identifies an object and carries its labels.
type Metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// Deployment is the subset of the Deployment schema the pipeline
// manages.
type Deployment struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Spec       DeploymentSpec `yaml:"spec"`
}

// DeploymentSpec holds replica count, selector, and pod template.
type DeploymentSpec struct {
	Replicas int         `yaml:"replicas"`
	Selector Selector    `yaml:"selector"`
	Template PodTemplate `yaml:"template"`
}

// Selector matches pods by label.
type Selector struct {
	MatchLabels map[string]string `yaml:"matchLabels"`
}

// PodTemplate is the pod shape stamped out by the Deployment.
type PodTemplate struct {
	Metadata Metadata `yaml:"metadata"`
	Spec     PodSpec  `yaml:"spec"`
}

// PodSpec lists the containers.
type PodSpec struct {
	Containers []Container `yaml:"containers"`
}

// Container is a single container definition.
type Container struct {
	Name           string        `yaml:"name"`
	Image          string        `yaml:"image"`
	Ports          []Port        `yaml:"ports,omitempty"`
	Resources      Resources     `yaml:"resources"`
	ReadinessProbe *HTTPGetProbe `yaml:"readinessProbe,omitempty"`
	LivenessProbe  *HTTPGetProbe `yaml:"livenessProbe,omitempty"`
}

// Port exposes a container port.
type Port struct {
	ContainerPort int `yaml:"containerPort"`
}

// Resources holds requests and limits.
type Resources struct {
	Requests ResourceList `yaml:"requests"`
	Limits   ResourceList `yaml:"limits"`
}

// ResourceList pairs memory and cpu quantities.
type ResourceList struct {
	Memory string `yaml:"memory"`
	CPU    string `yaml:"cpu"`
}

// HTTPGetProbe is an HTTP health probe.
type HTTPGetProbe struct {
	HTTPGet             HTTPGet `yaml:"httpGet"`
	InitialDelaySeconds int     `yaml:"initialDelaySeconds,omitempty"`
	PeriodSeconds       int     `yaml:"periodSeconds,omitempty"`
}

// HTTPGet names the probe path and port.
type HTTPGet struct {
	Path string `yaml:"path"`
	Port int    `yaml:"port"`
}

// Service is the subset of the Service schema the pipeline manages.
type Service struct {
	APIVersion string      `yaml:"apiVersion"`
	Kind       string      `yaml:"kind"`
	Metadata   Metadata    `yaml:"metadata"`
	Spec       ServiceSpec `yaml:"spec"`
}

// ServiceSpec routes traffic to pods matching the selector.
type ServiceSpec struct {
	Selector map[string]string `yaml:"selector"`
	Ports    []ServicePort     `yaml:"ports"`
}

// ServicePort maps the service port onto the pod port.
type ServicePort struct {
	Port       int `yaml:"port"`
	TargetPort int `yaml:"targetPort"`
}

// Render builds the full descriptor from an AppSpec, filling defaults
// for zero fields. The label selector links the Service to the
// Deployment's pods.
func Render(spec AppSpec) (Descriptor, error) {
	if err := spec.Validate(); err != nil {
		return Descriptor{}, err
	}

	if spec.Replicas == 0 {
		spec.Replicas = DefaultReplicas
	}
	if spec.Port == 0 {
		spec.Port = DefaultPort
	}
	res := spec.Resources
	if res.RequestsMemory == "" {
		res.RequestsMemory = DefaultRequestsMemory
	}
	if res.RequestsCPU == "" {
		res.RequestsCPU = DefaultRequestsCPU
	}
	if res.LimitsMemory == "" {
		res.LimitsMemory = DefaultLimitsMemory
	}
	if res.LimitsCPU == "" {
		res.LimitsCPU = DefaultLimitsCPU
	}

	labels := map[string]string{"app": spec.Name}

	container := Container{
		Name:  spec.Name,
		Image: spec.Image,
		Ports: []Port{{ContainerPort: spec.Port}},
		Resources: Resources{
			Requests: ResourceList{Memory: res.RequestsMemory, CPU: res.RequestsCPU},
			Limits:   ResourceList{Memory: res.LimitsMemory, CPU: res.LimitsCPU},
		},
	}
	if spec.Readiness != nil {
		container.ReadinessProbe = &HTTPGetProbe{
			HTTPGet:             HTTPGet{Path: spec.Readiness.Path, Port: spec.Port},
			InitialDelaySeconds: spec.Readiness.InitialDelaySeconds,
			PeriodSeconds:       spec.Readiness.PeriodSeconds,
		}
	}
	if spec.Liveness != nil {
		container.LivenessProbe = &HTTPGetProbe{
			HTTPGet:             HTTPGet{Path: spec.Liveness.Path, Port: spec.Port},
			InitialDelaySeconds: spec.Liveness.InitialDelaySeconds,
			PeriodSeconds:       spec.Liveness.PeriodSeconds,
		}
	}

	return Descriptor{
		Deployment: Deployment{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
			Metadata:   Metadata{Name: spec.Name, Namespace: spec.Namespace, Labels: labels},
			Spec: DeploymentSpec{
				Replicas: spec.Replicas,
				Selector: Selector{MatchLabels: labels},
				Template: PodTemplate{
					Metadata: Metadata{Labels: labels},
					Spec:     PodSpec{Containers: []Container{container}},
				},
			},
		},
		Service: Service{
			APIVersion: "v1",
			Kind:       "Service",
			Metadata:   Metadata{Name: spec.Name, Namespace: spec.Namespace, Labels: labels},
			Spec: ServiceSpec{
				Selector: labels,
				Ports:    []ServicePort{{Port: spec.Port, TargetPort: spec.Port}},
			},
		},
	}, nil
}

// ToYAML renders the descriptor as a two-document YAML stream.
func (d Descriptor) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.Deployment); err != nil {
		return nil, fmt.Errorf("encoding deployment: %w", err)
	}
	if err := enc.Encode(d.Service); err != nil {
		return nil, fmt.Errorf("encoding service: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseDescriptor reads a two-document YAML stream back into a
// Descriptor. Document order is Deployment then Service, matching
// ToYAML.
func ParseDescriptor(data []byte) (Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var d Descriptor
	if err := dec.Decode(&d.Deployment); err != nil {
		return Descriptor{}, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			"decoding deployment document")
	}
	if err := dec.Decode(&d.Service); err != nil {
		return Descriptor{}, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			"decoding service document")
	}
	if d.Deployment.Kind != "Deployment" || d.Service.Kind != "Service" {
		return Descriptor{}, cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("unexpected document kinds %q, %q", d.Deployment.Kind, d.Service.Kind))
	}
	return d, nil
}
