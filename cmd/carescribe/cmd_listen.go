package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"carescribe/internal/bootstrap"
	"carescribe/internal/domain"
	"carescribe/internal/forms"
	"carescribe/internal/usecase"
)

// sessionControl is the part of the capture controller the console drives.
type sessionControl interface {
	Start(ctx context.Context, mode domain.CaptureMode) error
	Stop(ctx context.Context) (domain.StopResult, error)
	Close() error
	EditTranscript(text string) error
	AppendUtterance(id string) (string, error)
	ExtractNow(ctx context.Context) error
	SetField(name string, value domain.FieldValue) error
	Status() domain.Status
	Form() forms.Snapshot
	Utterances() []domain.UtteranceView
}

var _ sessionControl = (*usecase.CaptureController)(nil)

const consoleHelp = `commands:
  <enter>            extract fields now
  start [mode]       start listening (continuous or utterance)
  stop               stop listening and run a final extraction
  edit <text>        replace the transcript
  append <id>        append a transcribed utterance
  set <field> <val>  set a form field
  list               list recorded utterances
  status | form      print session status or form values
  quit               close the session`

func newListenCommand(opts *globalOptions) *cobra.Command {
	var (
		sessionID string
		formName  string
		mode      string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run one capture session against a record",
		Long: `Listen opens the microphone for one record, prints transcript and extraction
events, and reads commands from stdin. Press Enter to extract fields now and
Ctrl-C to close the session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if formName == "" {
				formName = cfg.Session.Form
			}
			if mode == "" {
				mode = cfg.Session.Mode
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sink := newConsoleSink(cmd.OutOrStdout())
			services, err := bootstrap.Build(ctx, cfg, logger, sink)
			if err != nil {
				return err
			}
			defer func() { _ = services.Close() }()

			controller, err := services.OpenSession(ctx, sessionID, formName)
			if err != nil {
				return err
			}
			return runConsole(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), controller, domain.CaptureMode(mode))
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "record path, for example assessments/<id>")
	cmd.Flags().StringVar(&formName, "form", "", "form schema to fill (defaults to session.form)")
	cmd.Flags().StringVar(&mode, "mode", "", "capture mode: continuous or utterance (defaults to session.mode)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// runConsole starts listening and dispatches stdin commands until quit, EOF
// or ctx cancellation. The session is always closed on return.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, ctrl sessionControl, mode domain.CaptureMode) (err error) {
	defer func() {
		if closeErr := ctrl.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	if err := ctrl.Start(ctx, mode); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fmt.Fprintln(out, "press Enter to extract now, type help for commands, Ctrl-C to quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, out, ctrl, mode, line); quit {
				return nil
			}
		}
	}
}

// dispatch runs one console command and reports whether to quit. Command
// errors are printed, not returned, so the session keeps running.
func dispatch(ctx context.Context, out io.Writer, ctrl sessionControl, mode domain.CaptureMode, line string) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch strings.ToLower(verb) {
	case "":
		err = ctrl.ExtractNow(ctx)
	case "start":
		next := mode
		if rest != "" {
			next = domain.CaptureMode(rest)
		}
		err = ctrl.Start(ctx, next)
	case "stop":
		var result domain.StopResult
		result, err = ctrl.Stop(ctx)
		if err == nil {
			fmt.Fprintf(out, "stopped (extracted: %t)\n%s\n", result.Extracted, result.Transcript)
		}
	case "edit":
		err = ctrl.EditTranscript(rest)
	case "append":
		var text string
		text, err = ctrl.AppendUtterance(rest)
		if err == nil {
			fmt.Fprintf(out, "transcript: %s\n", text)
		}
	case "set":
		name, value, found := strings.Cut(rest, " ")
		if !found || name == "" {
			err = errors.New("usage: set <field> <value>")
			break
		}
		err = ctrl.SetField(name, domain.StringValue(strings.TrimSpace(value)))
	case "list":
		for _, view := range ctrl.Utterances() {
			fmt.Fprintf(out, "#%d %s [%s] %s\n", view.Seq, view.ID, view.Status, view.Text)
		}
	case "status":
		err = printJSON(out, ctrl.Status())
	case "form":
		err = printJSON(out, ctrl.Form())
	case "help":
		fmt.Fprintln(out, consoleHelp)
	case "quit", "exit":
		return true
	default:
		err = fmt.Errorf("unknown command %q, type help", verb)
	}

	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}

func printJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
