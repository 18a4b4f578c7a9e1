// Command brupop-agent runs the per-host reconciler: it watches its own
// Shadow resource and Node object, drives the local Bottlerocket update
// API through the apiclient binary, and reports progress back to the
// apiserver broker.
package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/agent"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apiclient"
	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/util"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/version"
)

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

var rootCmd = &cobra.Command{
	Use:   "brupop-agent",
	Short: "Run the brupop per-host agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Fatal("agent startup failed", util.EnvOrDefault(constants.EnvTerminationLog, ""), err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	klog.InfoS("starting brupop-agent", "version", version.Raw)

	nodeName, err := util.RequireEnv(constants.EnvMyNodeName)
	if err != nil {
		return err
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		return err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return err
	}

	node, err := clientset.CoreV1().Nodes().Get(cmd.Context(), nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	selector := brupopclient.ShadowSelector{NodeName: nodeName, NodeUID: string(node.UID)}

	port, err := util.EnvInt(constants.EnvAPIServerInternalPort, constants.ControllerInternalPort)
	if err != nil {
		return err
	}

	lbWaitSeconds, err := util.EnvInt(constants.EnvExcludeFromLBWaitSeconds, 0)
	if err != nil {
		return err
	}
	baseURL := fmt.Sprintf("https://%s.%s.svc:%d", constants.APIServerServiceName, constants.Namespace, port)

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	broker := agent.NewBrokerClient(httpClient, baseURL, selector)

	ctx := signals.SetupSignalHandler()

	scheme, err := newScheme()
	if err != nil {
		return err
	}
	crClient, err := ctrlclient.New(cfg, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		return err
	}
	shadows := brupopclient.NewControllerRuntimeShadowClient(crClient, constants.Namespace)
	shadowReader, err := agent.NewShadowReflector(cfg, scheme, selector)
	if err != nil {
		return fmt.Errorf("building shadow reflector: %w", err)
	}
	nodeReader := agent.NewNodeReflector(clientset, nodeName)

	go func() {
		if err := shadowReader.Run(ctx); err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "shadow reflector exited")
		}
	}()
	go func() {
		if err := nodeReader.Run(ctx); err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "node reflector exited")
		}
	}()

	a := &agent.Agent{
		Shadows:           shadows,
		Broker:            broker,
		APIClient:         apiclient.New(),
		ShadowReader:      shadowReader,
		NodeReader:        nodeReader,
		Selector:          selector,
		ExcludeFromLBWait: time.Duration(lbWaitSeconds) * time.Second,
	}

	return a.Run(ctx)
}
