package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"donationcore/internal/adapters/webhook"
	"donationcore/internal/blob"
	"donationcore/internal/core"

	"github.com/spf13/cobra"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Trace   bool
	Seed    bool
	Archive string
}

// ReplayResult reports one replayed event.
type ReplayResult struct {
	// File is the payload's path, or its blob key when read from the archive.
	File          string `json:"file"`
	EventID       string `json:"event_id,omitempty"`
	Type          string `json:"type,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	OrderStatus   string `json:"order_status,omitempty"`
	Ledger        string `json:"ledger,omitempty"`
	ReceiptSendID string `json:"receipt_send_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [event.json...]",
		Short: "Apply archived webhook payloads to the configured store",
		Long: `Apply one or more archived webhook payloads, in order, without
signature verification. Payloads are the raw provider event envelopes, as
written by the webhook archive.

With --archive, every payload stored under the prefix in the configured blob
store is replayed in arrival order before any file arguments.

Example:
  donationcore replay ./blobdata/webhooks/2025/03/01/evt_123.json
  donationcore replay --format json --trace evt_*.json
  donationcore replay --archive webhooks/2025/03/`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("archive") {
				return WrapExitError(ExitCommandError, "nothing to replay: pass event files or --archive <prefix>", nil)
			}
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "write a JSON span per event to stderr")
	cmd.Flags().BoolVar(&opts.Seed, "seed", false, "install the default receipt templates first")
	cmd.Flags().StringVar(&opts.Archive, "archive", "", "replay payloads archived under this blob key prefix")

	return cmd
}

func runReplay(opts *ReplayOptions, files []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := opts.newLogger(cmd, cfg.Log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var appOpts []AppOption
	if opts.Trace {
		appOpts = append(appOpts, withTracer(core.NewJSONTracer(cmd.ErrOrStderr())))
	}
	var archive *webhook.Archiver
	if cmd.Flags().Changed("archive") {
		store, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open blob archive", err)
		}
		archive = webhook.NewArchiver(store)
	}
	// replays never serve traffic; skip archiving
	cfg.Blob.Archive = false
	app, err := BuildApp(ctx, cfg, logger, appOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			logger.Error("error releasing resources", "error", closeErr)
		}
	}()

	if opts.Seed {
		if _, err := core.SeedTemplates(ctx, app.Store); err != nil {
			return WrapExitError(ExitFailure, "failed to seed templates", err)
		}
	}

	var sources []replaySource
	if archive != nil {
		infos, err := archive.List(ctx, opts.Archive)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list archive", err)
		}
		logger.Info("replaying archived events", "prefix", opts.Archive, "count", len(infos))
		for _, info := range infos {
			key := info.Key
			sources = append(sources, replaySource{name: key, read: func() ([]byte, error) { return archive.Load(ctx, key) }})
		}
	}
	for _, file := range files {
		sources = append(sources, replaySource{name: file, read: func() ([]byte, error) {
			return os.ReadFile(file) //nolint:gosec // operator supplied path
		}})
	}

	results := make([]ReplayResult, 0, len(sources))
	failed := 0
	for _, src := range sources {
		res := replayPayload(ctx, app.Service, src)
		if res.Error != "" {
			failed++
		}
		results = append(results, res)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(results, formatReplay(results)); err != nil {
		return WrapExitError(ExitFailure, "failed to write output", err)
	}
	if failed > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d events failed", failed, len(sources)), nil)
	}
	return nil
}

// replaySource is one payload to replay, a file or an archived blob.
type replaySource struct {
	name string
	read func() ([]byte, error)
}

func replayPayload(ctx context.Context, svc *core.Service, src replaySource) ReplayResult {
	res := ReplayResult{File: src.name}
	payload, err := src.read()
	if err != nil {
		res.Status, res.Error = "error", err.Error()
		return res
	}
	event, err := webhook.ParseEvent(payload)
	if err != nil {
		res.Status, res.Error = "error", err.Error()
		return res
	}
	res.EventID, res.Type = event.ID, event.Type

	result, err := svc.HandleEvent(ctx, event.ID, event.Type, event.Object)
	outcome := result.Reconciliation
	res.Status, res.Reason = string(result.Status), result.Reason
	res.OrderID, res.OrderStatus, res.Ledger = outcome.OrderID, string(outcome.Status), string(outcome.Ledger)
	if outcome.Receipt != nil {
		res.ReceiptSendID = outcome.Receipt.SendID
	}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func formatReplay(results []ReplayResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", r.File, r.Status)
		if r.EventID != "" {
			fmt.Fprintf(&b, " event=%s type=%s", r.EventID, r.Type)
		}
		if r.OrderID != "" {
			fmt.Fprintf(&b, " order=%s status=%s", r.OrderID, r.OrderStatus)
		}
		if r.Ledger != "" {
			fmt.Fprintf(&b, " ledger=%s", r.Ledger)
		}
		if r.ReceiptSendID != "" {
			fmt.Fprintf(&b, " receipt=%s", r.ReceiptSendID)
		}
		if r.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", r.Reason)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, " error=%q", r.Error)
		}
	}
	return b.String()
}
