package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"text/tabwriter"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/memsync/internal/convert"
)

var reUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func validID(s string) bool { return reUUID.MatchString(strings.TrimSpace(s)) }

func requireID(fs *flag.FlagSet, args []string) string {
	id := fs.String("id", "", "uuid")
	_ = fs.Parse(args)
	if !validID(*id) {
		fmt.Fprintln(os.Stderr, "need -id <uuid>")
		os.Exit(1)
	}
	return strings.TrimSpace(*id)
}

func cmdSweep(o dialOpts) {
	cc, cli := connect(o)
	defer cc.Close()

	// a sweep over many accounts takes longer than other calls
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	rep, err := cli.RunSweep(ctx)
	if err != nil {
		fail(err)
	}
	printJSON(rep.AsMap())
}

type failureRow struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Reference string `json:"reference"`
	Step      string `json:"step"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	CreatedAt string `json:"created_at"`
}

func decodeFailures(s *structpb.Struct) ([]failureRow, error) {
	var out struct {
		Failures []failureRow `json:"failures"`
	}
	if err := convert.FromStruct(s, &out); err != nil {
		return nil, err
	}
	return out.Failures, nil
}

func printFailures(w io.Writer, rows []failureRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tREFERENCE\tSTEP\tRETRY\tCREATED\tMESSAGE")
	for _, r := range rows {
		retry := "-"
		if r.Retryable {
			retry = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Event, r.Reference, r.Step, retry, r.CreatedAt, truncate(r.Message, 80))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func cmdFailures(args []string, o dialOpts) {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	limit := fs.Int("limit", 100, "max rows")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	cc, cli := connect(o)
	defer cc.Close()
	ctx, cancel := withTimeout()
	defer cancel()

	out, err := cli.ListFailures(ctx, int32(*limit))
	if err != nil {
		fail(err)
	}
	if *asJSON {
		printJSON(out.AsMap())
		return
	}
	rows, err := decodeFailures(out)
	if err != nil {
		fail(err)
	}
	printFailures(os.Stdout, rows)
}

func cmdRetry(args []string, o dialOpts) {
	id := requireID(flag.NewFlagSet("retry", flag.ExitOnError), args)

	cc, cli := connect(o)
	defer cc.Close()
	ctx, cancel := withTimeout()
	defer cancel()

	out, err := cli.RetryFailure(ctx, id)
	if err != nil {
		fail(err)
	}
	printJSON(out.AsMap())
}

func cmdAccount(args []string, o dialOpts) {
	id := requireID(flag.NewFlagSet("account", flag.ExitOnError), args)

	cc, cli := connect(o)
	defer cc.Close()
	ctx, cancel := withTimeout()
	defer cancel()

	out, err := cli.GetAccount(ctx, id)
	if err != nil {
		fail(err)
	}
	printJSON(out.AsMap())
}

func cmdReloadSettings(o dialOpts) {
	cc, cli := connect(o)
	defer cc.Close()
	ctx, cancel := withTimeout()
	defer cancel()

	out, err := cli.ReloadSettings(ctx)
	if err != nil {
		fail(err)
	}
	printJSON(out.AsMap())
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
func choose(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
