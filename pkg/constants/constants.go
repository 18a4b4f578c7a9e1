// Package constants holds names and values shared across the brupop
// components (agent, apiserver, controller).
package constants

import "time"

const (
	// GroupName is the API group brupop's custom resources live under.
	GroupName = "brupop.bottlerocket.aws"

	// Namespace is the fixed namespace brupop's custom resources and
	// workloads are deployed into.
	Namespace = "brupop-bottlerocket-aws"

	// ShadowKind is the Kind of the per-host custom resource.
	ShadowKind = "BottlerocketShadow"

	// ShadowNamePrefix is prepended to the host name to derive a
	// Shadow's object name.
	ShadowNamePrefix = "brs-"

	// LabelComponent is the standard label key identifying a brupop
	// workload's component (agent, apiserver, controller).
	LabelComponent = GroupName + "/component"

	// LabelInterfaceVersion records the updater-interface contract
	// version a given agent build speaks.
	LabelInterfaceVersion = "bottlerocket.aws/updater-interface-version"

	// InterfaceVersion is the current updater-interface contract version.
	InterfaceVersion = "2.0.0"

	// ComponentAgent names the agent component for LabelComponent.
	ComponentAgent = "agent"
	// ComponentAPIServer names the apiserver component for LabelComponent.
	ComponentAPIServer = "apiserver"
	// ComponentController names the controller component for LabelComponent.
	ComponentController = "controller"
)

// Broker HTTP surface.
const (
	NodeResourceEndpoint           = "/bottlerocket-node-resource"
	CordonAndDrainEndpoint         = NodeResourceEndpoint + "/cordon-and-drain"
	UncordonEndpoint               = NodeResourceEndpoint + "/uncordon"
	ExcludeFromLBEndpoint          = NodeResourceEndpoint + "/exclude-from-lb"
	RemoveExclusionFromLBEndpoint  = NodeResourceEndpoint + "/remove-exclusion-from-lb"
	CRDConvertEndpoint             = "/crdconvert"
	HealthCheckEndpoint            = "/ping"
	MetricsEndpoint                = "/metrics"
	APIServerServiceName            = "brupop-apiserver"
)

// Identity headers every authenticated broker request must carry.
const (
	HeaderNodeName     = "BrupopNodeName"
	HeaderNodeUID      = "BrupopNodeUid"
	HeaderK8sAuthToken = "BrupopK8sAuthToken"
)

// Key used by the Kubernetes TokenReview response to name the pod that
// owns the reviewed service-account token.
const PodNameInfoKey = "authentication.kubernetes.io/pod-name"

// Label excluding a Node from cloud load balancer target pools.
const LabelExcludeFromExternalLB = "node.kubernetes.io/exclude-from-external-load-balancers"

// Configuration environment variables (see SPEC_FULL.md §6.4).
const (
	EnvMyNodeName               = "MY_NODE_NAME"
	EnvAPIServerInternalPort    = "APISERVER_INTERNAL_PORT"
	EnvKubernetesServiceHost    = "KUBERNETES_SERVICE_HOST"
	EnvSchedulerCronExpression  = "SCHEDULER_CRON_EXPRESSION"
	EnvUpdateWindowStart        = "UPDATE_WINDOW_START"
	EnvUpdateWindowStop         = "UPDATE_WINDOW_STOP"
	EnvMaxConcurrentUpdate      = "MAX_CONCURRENT_UPDATE"
	EnvExcludeFromLBWaitSeconds = "EXCLUDE_FROM_LB_WAIT_TIME_IN_SEC"
	EnvTerminationLog           = "TERMINATION_LOG"
)

// MaxConcurrentUnlimited is the sentinel string for an uncapped
// concurrent-update budget.
const MaxConcurrentUnlimited = "unlimited"

// Agent-side pacing of calls against the broker.
const (
	ClientRateLimitPerMinute = 8
	ClientRateLimitJitter    = 10 * time.Second
)

// TokenReviewCacheTTL bounds how long the broker trusts a prior
// TokenReview result for the same bearer token before re-validating
// it, so a host paced at ClientRateLimitPerMinute doesn't cost a
// TokenReview round trip on every single request.
const TokenReviewCacheTTL = 30 * time.Second

// Controller priority. Referenced by deployment manifests (manifest
// rendering itself is out of scope).
const (
	ControllerPriorityClassName  = "brupop-controller-high-priority"
	ControllerPreemptionPolicy   = "Never"
	ControllerPriorityValue      = int32(1000000)
	ControllerDeploymentName     = "brupop-controller-deployment"
	ControllerServiceName        = "brupop-controller-server"
	ControllerInternalPort       = 8080
	ControllerServicePort        = 80
)

// TLS material mounted into the apiserver for HTTPS.
const (
	TLSCAName         = "ca.crt"
	TLSPublicKeyName  = "tls.crt"
	TLSPrivateKeyName = "tls.key"
	TLSKeyMountPath   = "/etc/brupop-tls-keys"
)
