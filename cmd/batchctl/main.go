// batchctl submits and inspects jobs on a batch service.
package main

import (
	"batch/internal/config"
	"batch/pkg/client"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
)

const usage = `usage: batchctl <command> [flags] [args]

commands:
  create        -image IMAGE [-command CMD]... [-arg ARG]... [-env K=V]... [-attr K=V]...
                [-batch ID] [-callback URL] [-wait]
  status        JOB_ID
  wait          [-timeout D] JOB_ID
  log           JOB_ID
  cancel        JOB_ID
  delete        JOB_ID
  list          [-state STATE] [-batch ID]
  batch-create  [-attr K=V]...
  batch-status  BATCH_ID
  batch-wait    [-timeout D] BATCH_ID
  refresh

environment: BATCH_URL, BATCH_TOKEN_FILE, BATCH_HTTP_TIMEOUT, BATCH_DEBUG
`

var errUsage = errors.New("invalid usage")

func main() {
	level := slog.LevelWarn
	if config.GetBoolEnv("BATCH_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, "batchctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg := config.LoadClientConfig()
	c, err := client.New(client.Config{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout})
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return createJob(ctx, c, rest, out)
	case "status":
		return withJob(ctx, c, rest, func(j *client.Job) error {
			status, err := j.CachedStatus()
			if err != nil {
				return err
			}
			return printJSON(out, status)
		})
	case "wait":
		return waitJob(ctx, c, rest, out)
	case "log":
		return withJob(ctx, c, rest, func(j *client.Job) error {
			log, err := j.Log(ctx)
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, log)
			return err
		})
	case "cancel":
		return withJob(ctx, c, rest, func(j *client.Job) error { return j.Cancel(ctx) })
	case "delete":
		return withJob(ctx, c, rest, func(j *client.Job) error { return j.Delete(ctx) })
	case "list":
		return listJobs(ctx, c, rest, out)
	case "batch-create":
		return createBatch(ctx, c, rest, out)
	case "batch-status":
		return withBatch(ctx, c, rest, func(b *client.Batch) error {
			status, err := b.CachedStatus()
			if err != nil {
				return err
			}
			return printJSON(out, status)
		})
	case "batch-wait":
		return waitBatch(ctx, c, rest, out)
	case "refresh":
		return c.RefreshK8sState(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func createJob(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("create")
	var (
		command, jobArgs listFlag
		env, attrs       = kvFlag{}, kvFlag{}
	)
	image := fs.String("image", "", "container image (required)")
	batchID := fs.String("batch", "", "batch to add the job to")
	callback := fs.String("callback", "", "URL notified when the job completes")
	wait := fs.Bool("wait", false, "wait for the job to finish")
	fs.Var(&command, "command", "entrypoint, repeatable")
	fs.Var(&jobArgs, "arg", "argument, repeatable")
	fs.Var(env, "env", "environment variable K=V, repeatable")
	fs.Var(attrs, "attr", "attribute K=V, repeatable")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	opts := client.JobOptions{
		Image:      *image,
		Command:    command,
		Args:       jobArgs,
		Env:        env,
		Attributes: attrs,
		Callback:   *callback,
	}

	var (
		j   *client.Job
		err error
	)
	if *batchID != "" {
		b, berr := c.GetBatch(ctx, *batchID)
		if berr != nil {
			return berr
		}
		j, err = b.CreateJob(ctx, opts)
	} else {
		j, err = c.CreateJob(ctx, opts)
	}
	if err != nil {
		return err
	}

	fetch := j.Status
	if *wait {
		fetch = j.Wait
	}
	status, err := fetch(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, status)
}

func waitJob(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("wait")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	ctx, cancel := withTimeout(ctx, *timeout)
	defer cancel()

	return withJob(ctx, c, fs.Args(), func(j *client.Job) error {
		status, err := j.Wait(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, status)
	})
}

func listJobs(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("list")
	state := fs.String("state", "", "only jobs in this state")
	batchID := fs.String("batch", "", "only jobs in this batch")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	jobs, err := c.ListJobs(ctx, client.ListOptions{State: *state, BatchID: *batchID})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s, err := j.CachedStatus()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", s.ID, s.State, s.BatchID)
	}
	return nil
}

func createBatch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("batch-create")
	attrs := kvFlag{}
	fs.Var(attrs, "attr", "attribute K=V, repeatable")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	b, err := c.CreateBatch(ctx, attrs)
	if err != nil {
		return err
	}
	status, err := b.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, status)
}

func waitBatch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("batch-wait")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	ctx, cancel := withTimeout(ctx, *timeout)
	defer cancel()

	return withBatch(ctx, c, fs.Args(), func(b *client.Batch) error {
		status, err := b.Wait(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, status)
	})
}

// withJob looks up the job named by the single positional argument.
func withJob(ctx context.Context, c *client.Client, args []string, fn func(*client.Job) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected a job id", errUsage)
	}
	j, err := c.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	return fn(j)
}

func withBatch(ctx context.Context, c *client.Client, args []string, fn func(*client.Batch) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected a batch id", errUsage)
	}
	b, err := c.GetBatch(ctx, args[0])
	if err != nil {
		return err
	}
	return fn(b)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// listFlag collects repeated string flags.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// kvFlag collects repeated K=V flags.
type kvFlag map[string]string

func (m kvFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (m kvFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected K=V, got %q", v)
	}
	m[k] = val
	return nil
}
