package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reviewgate/pkg/agentclient"
	"reviewgate/pkg/config"
	"reviewgate/pkg/protocol"
)

// askConfig holds the ask command's flags.
type askConfig struct {
	tool       string
	title      string
	context    string
	urgent     bool
	fileTypes  []string
	source     string
	ackTimeout time.Duration
	timeout    time.Duration
	backups    int
}

// askTools maps the short names accepted by --tool.
var askTools = map[string]protocol.ToolName{ //nolint:gochecknoglobals // immutable lookup
	"chat":     protocol.ToolChat,
	"input":    protocol.ToolGetUserInput,
	"quick":    protocol.ToolQuickReview,
	"file":     protocol.ToolFileReview,
	"ingest":   protocol.ToolIngestText,
	"shutdown": protocol.ToolShutdown,
}

// newAskCmd creates the "reviewgate ask" subcommand.
func newAskCmd(root *rootOptions) *cobra.Command {
	var ac askConfig

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send a request to the gate and print the answer",
		Long: "Plays the agent's side of the protocol: writes a trigger file, waits for the\n" +
			"gate to acknowledge it, then waits for and prints the user's answer.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			call, err := buildCall(ac, message)
			if err != nil {
				return err
			}
			return runAsk(cmd.Context(), cfg, ac, call, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&ac.tool, "tool", "t", "chat", "request kind: chat, input, quick, file, ingest or shutdown")
	cmd.Flags().StringVar(&ac.title, "title", "", "prompt title")
	cmd.Flags().StringVar(&ac.context, "context", "", "extra context shown under the prompt (ingest: the text to review)")
	cmd.Flags().BoolVar(&ac.urgent, "urgent", false, "mark the prompt urgent (shutdown: immediate)")
	cmd.Flags().StringSliceVar(&ac.fileTypes, "file-types", nil, "allowed extensions for --tool file")
	cmd.Flags().StringVar(&ac.source, "source", "", "where ingested text came from")
	cmd.Flags().DurationVar(&ac.ackTimeout, "ack-timeout", 30*time.Second, "how long to wait for the gate to show the request")
	cmd.Flags().DurationVar(&ac.timeout, "timeout", 10*time.Minute, "how long to wait for the answer")
	cmd.Flags().IntVar(&ac.backups, "backups", 0, "numbered fallback trigger files to write")
	return cmd
}

// buildCall turns flags into a tool call.
func buildCall(ac askConfig, message string) (protocol.ToolCall, error) {
	tool, ok := askTools[ac.tool]
	if !ok {
		return nil, fmt.Errorf("unknown --tool %q", ac.tool)
	}
	base := protocol.CallBase{ToolName: tool, ImmediateActivation: true}
	switch tool {
	case protocol.ToolGetUserInput:
		return &protocol.GetUserInputCall{CallBase: base, Message: message}, nil
	case protocol.ToolQuickReview:
		return &protocol.QuickReviewCall{CallBase: base, Prompt: message, Context: ac.context, Title: ac.title}, nil
	case protocol.ToolFileReview:
		return &protocol.FileReviewCall{CallBase: base, Instruction: message, FileTypes: ac.fileTypes, Title: ac.title}, nil
	case protocol.ToolIngestText:
		if ac.context == "" {
			return nil, errors.New("--tool ingest needs the text in --context")
		}
		return &protocol.IngestTextCall{CallBase: base, Message: message, TextContent: ac.context, Source: ac.source, Title: ac.title}, nil
	case protocol.ToolShutdown:
		return &protocol.ShutdownCall{CallBase: base, Reason: message, Immediate: ac.urgent, Title: ac.title}, nil
	default:
		return &protocol.ChatCall{CallBase: base, Message: message, Title: ac.title, Context: ac.context, Urgent: ac.urgent}, nil
	}
}

func runAsk(ctx context.Context, cfg *config.Config, ac askConfig, call protocol.ToolCall, w io.Writer) error {
	client := agentclient.New(agentclient.Config{
		Dir:     cfg.ExchangeDir,
		System:  cfg.System,
		Editor:  cfg.Editor,
		Backups: ac.backups,
	}, nil)

	id, err := client.Trigger(call)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "sent %s (%s), waiting for the gate…\n", id, call.Tool())

	ackCtx, cancelAck := context.WithTimeout(ctx, ac.ackTimeout)
	defer cancelAck()
	if _, err := client.WaitAck(ackCtx, id); err != nil {
		var terr *protocol.TimeoutError
		if errors.As(err, &terr) {
			return fmt.Errorf("no acknowledgement for %s: is `reviewgate serve` running on %s? (%w)", id, cfg.ExchangeDir, err)
		}
		return err
	}

	respCtx, cancelResp := context.WithTimeout(ctx, ac.timeout)
	defer cancelResp()
	resp, err := client.WaitResponse(respCtx, id)
	if err != nil {
		return err
	}
	printResponse(w, resp)
	return nil
}

func printResponse(w io.Writer, resp protocol.Response) {
	text := resp.UserInput
	if text == "" {
		text = resp.Text()
	}
	fmt.Fprintln(w, strings.TrimRight(text, "\n"))
	for _, a := range resp.Attachments {
		fmt.Fprintf(w, "  attached: %s (%s, %d bytes)\n", a.FileName, a.MimeType, a.Size)
	}
	if resp.EventType == protocol.EventShutdown {
		fmt.Fprintf(w, "shutdown confirmed: %t\n", protocol.IsShutdownConfirmation(resp.UserInput))
	}
}
