package apiserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/bottlerocket-os/bottlerocket-update-operator/pkg/constants"
)

// ListenAndServeTLS starts the broker's HTTPS listener on the given
// port, serving s.Mux, using the certificate/key mounted at
// constants.TLSKeyMountPath. It blocks until ctx is cancelled, then
// gracefully shuts the server down.
func ListenAndServeTLS(ctx context.Context, port int, s *Server) error {
	certFile := filepath.Join(constants.TLSKeyMountPath, constants.TLSPublicKeyName)
	keyFile := filepath.Join(constants.TLSKeyMountPath, constants.TLSPrivateKeyName)

	httpServer := &http.Server{
		Addr:      fmt.Sprintf(":%d", port),
		Handler:   s.Mux,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("apiserver listening", "port", port)
		errCh <- httpServer.ListenAndServeTLS(certFile, keyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("apiserver exited: %w", err)
		}
		return err
	}
}
