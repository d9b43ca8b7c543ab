// textpilot выполняет операции попапа из терминала. Выделение берётся из
// флагов или stdin вместо расширения, результат копируется через буфер
// обмена терминала.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"textpilot/internal/clipboard"
	"textpilot/internal/config"
	"textpilot/internal/contexts"
	"textpilot/internal/kv"
	"textpilot/internal/llm"
	"textpilot/internal/popup"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
	"textpilot/internal/transport"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelWarn
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend, closeStore, err := kv.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	defer closeStore()

	env := environment{
		store:     contexts.NewStore(backend, cfg.Store.Key, logger),
		completer: llm.NewOpenAIClient(cfg.OpenAI, transport.NewHTTPClient(cfg.RequestTimeout), logger),
		// --copy явно просит терминал, поэтому CLIPBOARD_MODE здесь не учитывается.
		clipboard: clipboard.TTY{Tmux: cfg.ClipboardTmux},
		logger:    logger,
		stdin:     stdin,
		stdout:    stdout,
	}
	return env.execute(ctx, args)
}

// environment содержит всё, что нужно командам; тесты собирают его на фейках.
type environment struct {
	store     *contexts.Store
	completer llm.Completer
	clipboard clipboard.Writer
	logger    *slog.Logger
	stdin     io.Reader
	stdout    io.Writer
}

func (e environment) controller(source selection.Source) *popup.Controller {
	return popup.New(popup.ControllerConfig{
		Store:     e.store,
		Source:    source,
		Completer: e.completer,
		Clipboard: e.clipboard,
		Logger:    e.logger,
	})
}

func (e environment) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		e.usage()
		return errors.New("command required")
	}

	switch args[0] {
	case "run":
		return e.runOperation(ctx, args[1:])
	case "add":
		return e.addToContext(ctx, args[1:])
	case "operations":
		for _, op := range prompts.Available() {
			fmt.Fprintln(e.stdout, op)
		}
		return nil
	case "contexts":
		return e.contexts(ctx, args[1:])
	case "help", "-h", "--help":
		e.usage()
		return nil
	default:
		e.usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type selectionFlags struct {
	text    string
	title   string
	context string
}

func (f *selectionFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.text, "text", "t", "", "selected text (default: read stdin)")
	fs.StringVar(&f.title, "title", "", "page title passed to the comment operation")
	fs.StringVarP(&f.context, "context", "c", "", "name of the context to use")
}

func (e environment) selection(f selectionFlags) (selection.Source, error) {
	text := f.text
	if text == "" {
		raw, err := io.ReadAll(e.stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(raw), "\n")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", selection.ErrUnavailable)
	}
	return selection.Static{Text: text, Title: f.title}, nil
}

func (e environment) runOperation(ctx context.Context, args []string) error {
	var sel selectionFlags
	var copyResult bool

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	sel.register(fs)
	fs.BoolVar(&copyResult, "copy", false, "copy the result to the clipboard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: textpilot run <operation> [flags]")
	}

	source, err := e.selection(sel)
	if err != nil {
		return err
	}
	ctrl := e.controller(source)
	if sel.context != "" {
		if _, err := ctrl.SelectContextByName(ctx, sel.context); err != nil {
			return err
		}
	}

	result, err := ctrl.Run(ctx, prompts.Operation(fs.Arg(0)))
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, result)

	if copyResult {
		return ctrl.Copy()
	}
	return nil
}

func (e environment) addToContext(ctx context.Context, args []string) error {
	var sel selectionFlags
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	sel.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sel.context == "" {
		return errors.New("--context is required: scratch messages are not kept between runs")
	}

	source, err := e.selection(sel)
	if err != nil {
		return err
	}
	ctrl := e.controller(source)
	if _, err := ctrl.SelectContextByName(ctx, sel.context); err != nil {
		return err
	}
	return ctrl.AddToContext(ctx)
}

func (e environment) contexts(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: textpilot contexts list|new <name>|clear")
	}
	ctrl := e.controller(selection.Static{})

	switch args[0] {
	case "list":
		list, err := ctrl.Contexts(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			fmt.Fprintf(e.stdout, "%s\t%s\t%d\n", c.ID, c.Name, len(c.Messages))
		}
		return nil
	case "new":
		if len(args) != 2 {
			return errors.New("usage: textpilot contexts new <name>")
		}
		if err := ctrl.BeginContextCreation(); err != nil {
			return err
		}
		created, err := ctrl.SubmitContext(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, created.ID)
		return nil
	case "clear":
		return ctrl.ClearContext(ctx)
	default:
		return fmt.Errorf("unknown contexts command %q", args[0])
	}
}

func (e environment) usage() {
	fmt.Fprint(e.stdout, `Usage:
  textpilot run <operation> [--text T] [--title T] [--context NAME] [--copy]
  textpilot add --context NAME [--text T]
  textpilot operations
  textpilot contexts list|new <name>|clear

Without --text the selection is read from stdin.
`)
}
