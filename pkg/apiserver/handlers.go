package apiserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/klog/v2"

	v2 "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/apis/brupop/v2"
	brupopclient "github.com/bottlerocket-os/bottlerocket-update-operator/pkg/client"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/drain"
	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/webhook"
)

// commonHeaders carries the identity and credentials every
// authenticated broker request presents.
type commonHeaders struct {
	selector brupopclient.ShadowSelector
	token    string
}

func extractCommonHeaders(r *http.Request) (commonHeaders, error) {
	nodeName := r.Header.Get(constants.HeaderNodeName)
	nodeUID := r.Header.Get(constants.HeaderNodeUID)
	token := r.Header.Get(constants.HeaderK8sAuthToken)

	switch {
	case nodeName == "":
		return commonHeaders{}, missingHeaderError(constants.HeaderNodeName)
	case nodeUID == "":
		return commonHeaders{}, missingHeaderError(constants.HeaderNodeUID)
	case token == "":
		return commonHeaders{}, missingHeaderError(constants.HeaderK8sAuthToken)
	}

	return commonHeaders{
		selector: brupopclient.ShadowSelector{NodeName: nodeName, NodeUID: nodeUID},
		token:    token,
	}, nil
}

type missingHeaderError string

func (e missingHeaderError) Error() string { return "missing required header " + string(e) }

// Server hosts the broker's HTTP surface: Shadow create/update,
// cordon/drain/uncordon/LB-exclude effects, conversion-webhook
// hosting, health check, and metrics.
type Server struct {
	Shadows    brupopclient.ShadowClient
	Drain      *drain.Handler
	Authorizer *Authorizer
	Mux        *http.ServeMux
}

// NewServer wires every route onto a fresh mux.
func NewServer(shadows brupopclient.ShadowClient, drainer *drain.Handler, authz *Authorizer) *Server {
	s := &Server{Shadows: shadows, Drain: drainer, Authorizer: authz, Mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Mux.HandleFunc(constants.HealthCheckEndpoint, handleHealthCheck)
	s.Mux.Handle(constants.NodeResourceEndpoint, s.authenticated(s.handleShadowResource))
	s.Mux.Handle(constants.CordonAndDrainEndpoint, s.authenticated(s.handleCordonAndDrain))
	s.Mux.Handle(constants.UncordonEndpoint, s.authenticated(s.handleUncordon))
	s.Mux.Handle(constants.ExcludeFromLBEndpoint, s.authenticated(s.handleExclude))
	s.Mux.Handle(constants.RemoveExclusionFromLBEndpoint, s.authenticated(s.handleRemoveExclusion))
	// The conversion webhook and /metrics are intentionally unauthenticated:
	// the apiserver aggregation layer and the Prometheus scraper are not
	// brupop agents and carry no brupop identity headers.
	s.Mux.Handle(constants.CRDConvertEndpoint, webhook.Handler())
	s.Mux.Handle(constants.MetricsEndpoint, promhttp.Handler())
}

// authenticated wraps a handler with the TokenReview-based
// authentication/authorization middleware. Any route registered
// through this wrapper requires all three identity headers and a
// token that authenticates to a pod hosted on the claimed node.
func (s *Server) authenticated(next func(w http.ResponseWriter, r *http.Request, headers commonHeaders)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers, err := extractCommonHeaders(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := s.Authorizer.CheckRequestAuthorized(r.Context(), headers.selector, headers.token); err != nil {
			if IsAuthorizationError(err) {
				klog.V(4).InfoS("request rejected", "node", headers.selector.NodeName, "reason", err)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			klog.ErrorS(err, "token review transport failure")
			http.Error(w, "token review failed", http.StatusInternalServerError)
			return
		}

		next(w, r, headers)
	})
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleShadowResource(w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		s.createShadow(ctx, w, headers)
	case http.MethodPut:
		s.updateShadowStatus(ctx, w, r, headers)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createShadow(ctx context.Context, w http.ResponseWriter, headers commonHeaders) {
	shadow, err := s.Shadows.CreateShadow(ctx, headers.selector, types.UID(headers.selector.NodeUID))
	if err != nil {
		klog.ErrorS(err, "failed to create shadow", "node", headers.selector.NodeName)
		http.Error(w, "failed to create shadow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, shadow)
}

func (s *Server) updateShadowStatus(ctx context.Context, w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	var status v2.BottlerocketShadowStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		http.Error(w, "malformed status body", http.StatusBadRequest)
		return
	}
	if err := s.Shadows.UpdateShadowStatus(ctx, headers.selector, status); err != nil {
		klog.ErrorS(err, "failed to update shadow status", "node", headers.selector.NodeName)
		http.Error(w, "failed to update shadow status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleCordonAndDrain(w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	if err := s.Drain.CordonAndDrain(r.Context(), headers.selector.NodeName); err != nil {
		klog.ErrorS(err, "cordon and drain failed", "node", headers.selector.NodeName)
		http.Error(w, "cordon and drain failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUncordon(w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	if err := s.Drain.Uncordon(r.Context(), headers.selector.NodeName); err != nil {
		klog.ErrorS(err, "uncordon failed", "node", headers.selector.NodeName)
		http.Error(w, "uncordon failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExclude(w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	if err := s.Drain.ExcludeFromLB(r.Context(), headers.selector.NodeName); err != nil {
		klog.ErrorS(err, "lb exclusion failed", "node", headers.selector.NodeName)
		http.Error(w, "lb exclusion failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveExclusion(w http.ResponseWriter, r *http.Request, headers commonHeaders) {
	if err := s.Drain.RemoveExclusionFromLB(r.Context(), headers.selector.NodeName); err != nil {
		klog.ErrorS(err, "lb exclusion removal failed", "node", headers.selector.NodeName)
		http.Error(w, "lb exclusion removal failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "failed to encode response body")
	}
}
