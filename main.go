package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/example/engprogress/internal/app"
	"github.com/example/engprogress/internal/config"
	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/schema"
)

const usage = `usage: engprogress [flags] <command> [args]

commands:
  serve                      sync in the background and send reminders (default)
  answer <item> <yes|no>     record an answer
  due                        list items due for review
  stats                      show a progress summary
  sync                       run one sync pass and exit
  export <file>              write a guest snapshot (.json, .xlsx or .csv)
  import <file>              merge a guest snapshot into the store
  reset                      delete the local store and recreate it
  schema                     print the store schema

flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// config flags are named after their config keys so viper can bind them
	configFlags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	configFlags.String("log_mode", "dev", "log mode: dev or prod")
	configFlags.String("user_id", "", "signed-in account; empty works as a guest")
	configFlags.String("store.path", "data/progress.db", "sqlite store file")

	flags := pflag.NewFlagSet("engprogress", pflag.ContinueOnError)
	configFile := flags.String("config", "", "config file (default ./config.yaml)")
	limit := flags.Int("limit", 20, "maximum number of items listed by due")
	flags.AddFlagSet(configFlags)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	command, rest := "serve", []string(nil)
	if flags.NArg() > 0 {
		command, rest = flags.Arg(0), flags.Args()[1:]
	}
	if command == "schema" {
		return printSchema()
	}

	cfg, err := config.Load(*configFile, configFlags)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "serve":
		return a.Serve(ctx)
	case "answer":
		return answer(ctx, a, rest)
	case "due":
		return due(ctx, a, *limit)
	case "stats":
		return stats(ctx, a)
	case "sync":
		res, err := a.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pulled %d, adopted %d, uploaded %d, conflicts %d\n",
			res.Pulled, len(res.Adopted), res.Drain.Sent, len(res.Conflicts))
		return nil
	case "export":
		if len(rest) != 1 {
			return errors.New("usage: export <file>")
		}
		n, err := a.Export(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("exported %d records to %s\n", n, rest[0])
		return nil
	case "import":
		if len(rest) != 1 {
			return errors.New("usage: import <file>")
		}
		res, err := a.Import(ctx, rest[0])
		for _, e := range res.Errors {
			fmt.Fprintln(os.Stderr, e)
		}
		if err != nil {
			return err
		}
		fmt.Printf("processed %d, merged %d, skipped %d\n", res.Processed, res.Merged, res.Skipped)
		return nil
	case "reset":
		if err := a.Reset(ctx); err != nil {
			return err
		}
		fmt.Println("store reset")
		return nil
	}
	flags.Usage()
	return fmt.Errorf("unknown command %q", command)
}

func answer(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: answer <item> <yes|no>")
	}
	var correct bool
	switch args[1] {
	case "yes", "y", "correct":
		correct = true
	case "no", "n", "wrong":
	default:
		return fmt.Errorf("answer must be yes or no, got %q", args[1])
	}
	rec, err := a.Answer(ctx, args[0], correct)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (streak %d), next review %s\n",
		rec.ItemID, rec.MasteryLevel, rec.Streak, rec.NextReviewAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func due(ctx context.Context, a *app.App, limit int) error {
	recs, err := a.Due(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("nothing to review")
		return nil
	}
	for i, rec := range recs {
		fmt.Printf("%2d. %-24s %s\n", i+1, rec.ItemID, rec.MasteryLevel)
	}
	return nil
}

func stats(ctx context.Context, a *app.App) error {
	s, err := a.Stats(ctx)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(s)
}

func printSchema() error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(schema.Latest()); err != nil {
		return err
	}
	return enc.Close()
}
