// Command brupop-apiserver runs the cluster-internal broker that agents
// talk to instead of the Kubernetes API server directly: it creates and
// updates Shadow resources on an agent's behalf and performs the
// privileged cordon/drain/exclude operations agents are not themselves
// authorized to do.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apiserver"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/drain"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/util"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "brupop-apiserver",
	Short: "Run the brupop broker apiserver",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Fatal("apiserver startup failed", util.EnvOrDefault(constants.EnvTerminationLog, ""), err)
	}
}

func newScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	if err := v2.AddToScheme(scheme); err != nil {
		return nil, err
	}
	return scheme, nil
}

func run(cmd *cobra.Command, args []string) error {
	klog.InfoS("starting brupop-apiserver", "version", version.Raw)

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return err
	}

	scheme, err := newScheme()
	if err != nil {
		return err
	}
	crClient, err := ctrlclient.New(cfg, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		return err
	}
	shadows := brupopclient.NewControllerRuntimeShadowClient(crClient, constants.Namespace)

	pods := apiserver.NewPodReflector(clientset)
	reviewer := apiserver.NewK8STokenReviewer(clientset)
	authz := apiserver.NewAuthorizer(reviewer, pods, []string{constants.APIServerServiceName})
	drainer := drain.NewHandler(clientset)

	server := apiserver.NewServer(shadows, drainer, authz)

	port, err := util.EnvInt(constants.EnvAPIServerInternalPort, constants.ControllerInternalPort)
	if err != nil {
		return err
	}

	ctx := signals.SetupSignalHandler()

	// The broker must not serve authenticated requests before its Pod
	// reflector has populated: until then every request would be
	// rejected for want of a cached pod identity to check against.
	synced := make(chan error, 1)
	go func() {
		synced <- pods.Run(ctx)
	}()
	select {
	case err := <-synced:
		return fmt.Errorf("pod reflector exited before serving began: %w", err)
	case <-pods.Synced():
	}
	go func() {
		if err := <-synced; err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "pod reflector exited")
		}
	}()

	return apiserver.ListenAndServeTLS(ctx, port, server)
}
