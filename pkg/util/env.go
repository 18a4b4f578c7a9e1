// Package util holds small helpers shared by every brupop binary:
// environment-variable parsing and the fatal-initialization-failure
// path that writes to TERMINATION_LOG before exiting.
package util

import (
	"fmt"
	"os"
	"strconv"

	"k8s.io/klog/v2"
)

// LookupEnv reads an environment variable, returning ok=false if unset.
func LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EnvOrDefault reads an environment variable, falling back to def if unset.
func EnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// RequireEnv reads a required environment variable, returning an error
// naming the variable if it is unset or empty.
func RequireEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

// EnvInt reads an integer-valued environment variable, falling back to
// def if unset.
func EnvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s: %w", key, err)
	}
	return n, nil
}

// Fatal logs err, writes it to the file named by the TERMINATION_LOG
// environment variable (if set) so Kubernetes can surface it as the
// container's last-terminated-state message, then exits the process.
func Fatal(msg string, path string, err error) {
	klog.ErrorS(err, msg)
	if path != "" {
		if writeErr := os.WriteFile(path, []byte(fmt.Sprintf("%s: %v\n", msg, err)), 0o644); writeErr != nil {
			klog.ErrorS(writeErr, "failed to write termination log", "path", path)
		}
	}
	os.Exit(1)
}
