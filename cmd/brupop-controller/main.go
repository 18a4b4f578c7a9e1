// Command brupop-controller runs the cluster-wide singleton reconciler
// that drives every host's Shadow spec forward.
package main

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/controller"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/metrics"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/util"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "brupop-controller",
	Short: "Run the brupop cluster update controller",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Fatal("controller startup failed", util.EnvOrDefault(constants.EnvTerminationLog, ""), err)
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
	klog.InfoS("starting brupop-controller", "version", version.Raw)

	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	scheme, err := newScheme()
	if err != nil {
		return err
	}
	c, err := ctrlclient.New(cfg, ctrlclient.Options{Scheme: scheme})
	if err != nil {
		return err
	}
	shadows := brupopclient.NewControllerRuntimeShadowClient(c, constants.Namespace)

	cronExpr, _ := util.LookupEnv(constants.EnvSchedulerCronExpression)
	windowStart, _ := util.LookupEnv(constants.EnvUpdateWindowStart)
	windowStop, _ := util.LookupEnv(constants.EnvUpdateWindowStop)
	scheduler, warning, err := controller.FromEnvironment(cronExpr, windowStart, windowStop)
	if err != nil {
		return err
	}
	if warning != "" {
		klog.InfoS(warning)
	}

	concurrencyStr, _ := util.LookupEnv(constants.EnvMaxConcurrentUpdate)
	cap, err := controller.ConcurrencyCapFromEnv(concurrencyStr)
	if err != nil {
		return err
	}

	selfNodeName, err := util.RequireEnv(constants.EnvMyNodeName)
	if err != nil {
		return err
	}

	collector := metrics.NewShadowCollector(shadows)
	prometheus.MustRegister(collector)

	metricsAddr := metricsBindAddress() + ":" + util.EnvOrDefault(constants.EnvAPIServerInternalPort, "8080")
	go serveMetrics(metricsAddr)

	r := &controller.Reconciler{
		Shadows:        shadows,
		Scheduler:      scheduler,
		Cap:            cap,
		SelfShadowName: brupopclient.ShadowSelector{NodeName: selfNodeName}.ShadowName(),
	}
	return r.Run(signals.SetupSignalHandler())
}

// metricsBindAddress picks an IPv4 or IPv6 wildcard bind address for
// the metrics server based on the cluster's service IP family, read
// from KUBERNETES_SERVICE_HOST the same way the rest of the cluster's
// components detect it (a bare IPv6 address contains a colon; an IPv4
// address never does).
func metricsBindAddress() string {
	host, _ := util.LookupEnv(constants.EnvKubernetesServiceHost)
	if strings.Contains(host, ":") {
		return "[::]"
	}
	return "0.0.0.0"
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle(constants.MetricsEndpoint, promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		klog.ErrorS(err, "metrics server exited")
	}
}
