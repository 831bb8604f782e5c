package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/config"
	"github.com/algae514/zerocode-llm-chat/internal/conversation"
	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/llm"
	"github.com/algae514/zerocode-llm-chat/internal/logging"
	"github.com/algae514/zerocode-llm-chat/internal/models"
	"github.com/algae514/zerocode-llm-chat/internal/session"
)

const usage = `usage: zerocode-chat [-config file] [-db path] <command> [args]

commands:
  list                     list conversations, most recent first
  show <id>                print a conversation
  new [title]              create a conversation
  rename <id> <title>      change a conversation's title
  delete <id>              delete a conversation and its messages
  export <id> <file>       write a conversation to a JSON file
  import <file>            read a conversation from a JSON file
  chat [id]                chat in the terminal
`

// newGenerator is replaced in tests.
var newGenerator = func(cfg *config.Config, logger *zap.Logger) (session.Generator, error) {
	provider, err := llm.ParseProvider(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	return llm.New(llm.Config{
		Provider:     provider,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		OpenAIKey:    cfg.LLM.OpenAIKey,
		AnthropicKey: cfg.LLM.AnthropicKey,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
	}, logger)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	repo   *conversation.Repository
	in     io.Reader
	out    io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("zerocode-chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to a TOML config file")
	dbPath := fs.String("db", "", "path to the chat history database")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Logs go to stderr at warn and above unless configured otherwise, so
	// they do not interleave with command output.
	level := cfg.Logging.Level
	if level == "info" {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if cfg.Database.Path == "" {
		if cfg.Database.Path, err = db.DefaultPath(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open %s: %v\n", cfg.Database.Path, err)
		return 1
	}
	defer database.Close()

	policy, err := conversation.ParseSummaryPolicy(cfg.Conversation.SummaryPolicy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		repo: conversation.New(database, logger,
			conversation.WithDefaultModel(cfg.LLM.Model),
			conversation.WithSummaryPolicy(policy)),
		in:  stdin,
		out: stdout,
	}

	if err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch {
	case cmd == "list" && len(args) == 0:
		return a.list(ctx)
	case cmd == "show" && len(args) == 1:
		return a.show(ctx, args[0])
	case cmd == "new" && len(args) <= 1:
		title := ""
		if len(args) == 1 {
			title = args[0]
		}
		conv, err := a.repo.Create(ctx, conversation.CreateParams{Title: title})
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, conv.ID)
		return nil
	case cmd == "rename" && len(args) == 2:
		return a.repo.UpdateTitle(ctx, args[0], args[1])
	case cmd == "delete" && len(args) == 1:
		if err := a.repo.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Deleted %s\n", args[0])
		return nil
	case cmd == "export" && len(args) == 2:
		if err := a.repo.Export(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		fmt.Fprintf(a.out, "Exported %s to %s\n", args[0], args[1])
		return nil
	case cmd == "import" && len(args) == 1:
		id, err := a.repo.Import(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to import: %w", err)
		}
		fmt.Fprintln(a.out, id)
		return nil
	case cmd == "chat" && len(args) <= 1:
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return a.chat(ctx, id)
	default:
		return errUsage
	}
}

func (a *app) list(ctx context.Context) error {
	conversations, err := a.repo.List(ctx)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		fmt.Fprintln(a.out, "No conversations yet.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMODEL\tTITLE\tSUMMARY")
	for _, c := range conversations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Model, c.Title, c.Summary)
	}
	return tw.Flush()
}

func (a *app) show(ctx context.Context, id string) error {
	conv, messages, err := a.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return conversation.ErrNotFound
	}

	fmt.Fprintf(a.out, "%s (%s)\n", conv.Title, conv.Model)
	fmt.Fprintf(a.out, "created %s, updated %s\n\n",
		conv.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		conv.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	printMessages(a.out, messages)
	return nil
}

func (a *app) chat(ctx context.Context, id string) error {
	gen, err := newGenerator(a.cfg, a.logger)
	if err != nil {
		return err
	}
	sess := session.New(a.repo, gen, a.logger)

	if id != "" {
		if err := sess.Load(ctx, id); err != nil {
			return err
		}
	} else if _, err := sess.Start(ctx, "", ""); err != nil {
		return err
	}

	conv, messages := sess.Current()
	fmt.Fprintf(a.out, "%s [%s] (/new, /list, /load <id>, /delete, /quit)\n", conv.Title, conv.ID)
	printMessages(a.out, messages)

	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(a.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := a.chatCommand(ctx, sess, line)
			if err != nil {
				fmt.Fprintf(a.out, "Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		reply, err := sess.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(a.out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(a.out, "assistant: %s\n", reply.Content)
	}
}

func (a *app) chatCommand(ctx context.Context, sess *session.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		conv, err := sess.Start(ctx, strings.Join(fields[1:], " "), "")
		if err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "Started %s [%s]\n", conv.Title, conv.ID)
	case "/list":
		return false, a.list(ctx)
	case "/load":
		if len(fields) != 2 {
			return false, errors.New("usage: /load <id>")
		}
		if err := sess.Load(ctx, fields[1]); err != nil {
			return false, err
		}
		conv, messages := sess.Current()
		fmt.Fprintf(a.out, "Loaded %s [%s]\n", conv.Title, conv.ID)
		printMessages(a.out, messages)
	case "/delete":
		conv, _ := sess.Current()
		if err := sess.Delete(ctx, conv.ID); err != nil {
			return false, err
		}
		next, _ := sess.Current()
		fmt.Fprintf(a.out, "Deleted %s, now in %s [%s]\n", conv.ID, next.Title, next.ID)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func printMessages(w io.Writer, messages []models.Message) {
	for _, m := range messages {
		fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
	}
}
