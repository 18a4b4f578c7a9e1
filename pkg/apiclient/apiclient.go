// Package apiclient shells out to the Bottlerocket "apiclient" binary
// volume-mounted into the agent container, translating its raw HTTP
// surface over the Bottlerocket Update API into typed Go calls.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const (
	apiClientBin        = "apiclient"
	updatesStatusURI    = "/updates/status"
	osURI               = "/os"
	refreshUpdatesURI   = "/actions/refresh-updates"
	prepareUpdatesURI   = "/actions/prepare-update"
	activateUpdatesURI  = "/actions/activate-update"
	rebootURI           = "/actions/reboot"
	maxAttempts         = 5
	updateAPIBusyStatus = "423"
)

// updateAPISleep is the delay between retries when the Update API
// reports itself busy. A var, not a const, so tests can shrink it.
var updateAPISleep = 10 * time.Second

// UpdateState mirrors the Bottlerocket Update API's update_state enum.
type UpdateState string

const (
	StateIdle      UpdateState = "Idle"
	StateAvailable UpdateState = "Available"
	StateStaged    UpdateState = "Staged"
	StateReady     UpdateState = "Ready"
)

// CommandType mirrors the cmd_type reported for the most recently
// issued update command.
type CommandType string

const (
	CommandRefresh  CommandType = "refresh"
	CommandPrepare  CommandType = "prepare"
	CommandActivate CommandType = "activate"
)

// CommandStatus mirrors the cmd_status reported for the most recently
// issued update command.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "Success"
	CommandFailed  CommandStatus = "Failed"
	CommandUnknown CommandStatus = "Unknown"
)

type updateImage struct {
	Arch    string `json:"arch"`
	Version string `json:"version"`
	Variant string `json:"variant"`
}

type commandResult struct {
	CmdType    CommandType   `json:"cmd_type"`
	CmdStatus  CommandStatus `json:"cmd_status"`
	Timestamp  string        `json:"timestamp"`
	ExitStatus uint32        `json:"exit_status"`
	Stderr     string        `json:"stderr"`
}

// UpdateStatus is the Update API's /updates/status response.
type UpdateStatus struct {
	UpdateState       UpdateState   `json:"update_state"`
	AvailableUpdates  []string      `json:"available_updates"`
	ChosenUpdate      *updateImage  `json:"chosen_update"`
	MostRecentCommand commandResult `json:"most_recent_command"`
}

// OSInfo is the Update API's /os response, trimmed to the field brupop uses.
type OSInfo struct {
	VersionID string `json:"version_id"`
}

// Error distinguishes the well-known apiclient failure modes the agent
// treats specially from opaque transport failures.
type Error struct {
	msg       string
	busy      bool
	outOfBand bool
}

func (e *Error) Error() string  { return e.msg }
func (e *Error) Busy() bool     { return e.busy }
func (e *Error) OutOfBand() bool { return e.outOfBand }

func errUpdateAPIUnavailable(args []string) error {
	return &Error{msg: fmt.Sprintf("update API unavailable, retries exhausted for apiclient %s", strings.Join(args, " ")), busy: true}
}

func errOutOfBand(action string) error {
	return &Error{msg: fmt.Sprintf("%s failed or update action was performed out of band", action), outOfBand: true}
}

// Client shells out to the apiclient binary. It holds no state beyond
// the command name so it is safe for concurrent use.
type Client struct {
	// Runner executes commands and returns stdout/stderr; overridden
	// in tests to avoid invoking a real binary.
	Runner func(ctx context.Context, args []string) (stdout, stderr []byte, err error)
}

// New builds a Client backed by the real apiclient binary.
func New() *Client {
	return &Client{Runner: execRunner}
}

func execRunner(ctx context.Context, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, apiClientBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func rawArgs(uri string, method string) []string {
	args := []string{"raw", "-u", uri}
	if method != "" {
		args = append(args, "-m", method)
	}
	return args
}

// extractStatusCodeFromError pulls the HTTP status code out of
// apiclient's stderr, of the form:
// "Failed POST request to '/actions/refresh-updates': Status 423 when POSTing ...: Update lock held"
func extractStatusCodeFromError(stderr string) string {
	parts := strings.SplitN(stderr, "Status", 2)
	if len(parts) != 2 {
		return ""
	}
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// invoke runs apiclient with the given args, retrying up to
// maxAttempts times, spaced updateAPISleep apart, whenever the Update
// API reports itself busy (423 Locked).
func (c *Client) invoke(ctx context.Context, args []string) ([]byte, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		stdout, stderr, err := c.Runner(ctx, args)
		if err == nil {
			return stdout, nil
		}

		code := extractStatusCodeFromError(string(stderr))
		if code == updateAPIBusyStatus {
			klog.InfoS("update API busy, retrying", "sleep", updateAPISleep, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(updateAPISleep):
			}
			continue
		}
		return nil, fmt.Errorf("apiclient %s: status %s: %s", strings.Join(args, " "), code, strings.TrimSpace(string(stderr)))
	}
	return nil, errUpdateAPIUnavailable(args)
}

// GetUpdateStatus refreshes the update list, then returns the current
// status.
func (c *Client) GetUpdateStatus(ctx context.Context) (*UpdateStatus, error) {
	if _, err := c.RefreshUpdates(ctx); err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, rawArgs(updatesStatusURI, ""))
	if err != nil {
		return nil, err
	}
	var status UpdateStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fmt.Errorf("decoding update status: %w", err)
	}
	return &status, nil
}

// GetOSInfo returns the host's current OS version.
func (c *Client) GetOSInfo(ctx context.Context) (*OSInfo, error) {
	out, err := c.invoke(ctx, rawArgs(osURI, ""))
	if err != nil {
		return nil, err
	}
	var info OSInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("decoding os info: %w", err)
	}
	return &info, nil
}

// RefreshUpdates asks the Update API to refresh its list of available updates.
func (c *Client) RefreshUpdates(ctx context.Context) ([]byte, error) {
	return c.invoke(ctx, rawArgs(refreshUpdatesURI, "POST"))
}

func (c *Client) prepareUpdate(ctx context.Context) error {
	_, err := c.invoke(ctx, rawArgs(prepareUpdatesURI, "POST"))
	return err
}

func (c *Client) activateUpdate(ctx context.Context) error {
	_, err := c.invoke(ctx, rawArgs(activateUpdatesURI, "POST"))
	return err
}

// Reboot asks the Update API to reboot the host into the activated update.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.invoke(ctx, rawArgs(rebootURI, "POST"))
	return err
}

// Prepare downloads and stages an update onto the inactive partition.
// Fails if the host is not Available or Staged, or if the action does
// not land as the most recent successful command afterward.
func (c *Client) Prepare(ctx context.Context) error {
	status, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return err
	}
	if status.UpdateState != StateAvailable && status.UpdateState != StateStaged {
		return fmt.Errorf("unexpected update state %q, expected Available or Staged", status.UpdateState)
	}

	if err := c.prepareUpdate(ctx); err != nil {
		return err
	}

	after, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return err
	}
	// Lax check, reproduced verbatim from the original: only an error
	// if neither the command type nor its status line up, not if just
	// one mismatches (see SPEC_FULL.md §9.1, Open Question 3).
	if after.MostRecentCommand.CmdType != CommandPrepare && after.MostRecentCommand.CmdStatus != CommandSuccess {
		return errOutOfBand("prepare update")
	}
	return nil
}

// Activate activates a previously staged update.
func (c *Client) Activate(ctx context.Context) error {
	status, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return err
	}
	if status.UpdateState != StateStaged {
		return fmt.Errorf("unexpected update state %q, expected Staged", status.UpdateState)
	}

	if err := c.activateUpdate(ctx); err != nil {
		return err
	}

	after, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return err
	}
	// Same lax OR-check as Prepare's post-condition; the original
	// applies it to activate as well, not just prepare.
	if after.MostRecentCommand.CmdType != CommandActivate && after.MostRecentCommand.CmdStatus != CommandSuccess {
		return errOutOfBand("activate update")
	}
	return nil
}

// BootUpdate reboots the host into a previously activated update.
// Fails if the host has not reached the Ready state.
func (c *Client) BootUpdate(ctx context.Context) error {
	status, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return err
	}
	if status.UpdateState != StateReady {
		return fmt.Errorf("unexpected update state %q, expected Ready", status.UpdateState)
	}
	return c.Reboot(ctx)
}

// ChosenUpdateVersion returns the version the Update API has chosen to
// update to, or the host's current version if none is chosen (i.e. the
// host is already on the latest version).
func (c *Client) ChosenUpdateVersion(ctx context.Context) (string, error) {
	status, err := c.GetUpdateStatus(ctx)
	if err != nil {
		return "", err
	}
	if status.ChosenUpdate != nil {
		return status.ChosenUpdate.Version, nil
	}
	info, err := c.GetOSInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.VersionID, nil
}
