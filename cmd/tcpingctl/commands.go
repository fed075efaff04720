package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/tcpingd/internal/client"
	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// command is one shell verb.
type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, sh *shell, args []string) error
}

var commands = []command{
	{"servers", "servers", "list known servers and their monitors", cmdServers},
	{"latency", "latency <server> [since=] [until=] [resample=] [agg=] [backfill=]", "resampled latency table", cmdLatency},
	{"raw", "raw <server> [since=]", "stored samples of a server", cmdRaw},
	{"push", "push <server> <monitor> <delay_ms|fail:reason> [ts=]", "push one sample", cmdPush},
	{"health", "health", "server health", cmdHealth},
}

var errUsage = errors.New("usage")

// shell executes commands against one tcpingd.
type shell struct {
	api    *client.API
	ingest *client.Ingest
	out    io.Writer
	now    func() time.Time
}

func (sh *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] == "help" {
		return sh.help()
	}

	for _, c := range commands {
		if c.name != fields[0] {
			continue
		}
		err := c.run(ctx, sh, fields[1:])
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s", c.usage)
		}
		return err
	}
	return fmt.Errorf("unknown command %q, try help", fields[0])
}

// complete suggests command names for the first word and parameter keys
// after it.
func complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()

	if !strings.Contains(before, " ") {
		s := make([]prompt.Suggest, 0, len(commands)+1)
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		s = append(s,
			prompt.Suggest{Text: "help", Description: "show this help"},
			prompt.Suggest{Text: "exit", Description: "leave the shell"})
		return prompt.FilterHasPrefix(s, word, true)
	}

	switch strings.Fields(before)[0] {
	case "latency":
		return prompt.FilterHasPrefix([]prompt.Suggest{
			{Text: "since=", Description: "RFC 3339, Unix ms or a duration back from now"},
			{Text: "until=", Description: "RFC 3339, Unix ms or a duration back from now"},
			{Text: "resample=", Description: "a duration such as 1m, 5m, 1h or 1d; omitted picks one from the window"},
			{Text: "agg=", Description: "mean, min, max, p50, p90, p95, p99"},
			{Text: "backfill=", Description: "true or false"},
		}, word, true)
	case "raw":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "since="}}, word, true)
	case "push":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "ts="}}, word, true)
	}
	return nil
}

// splitArgs separates positional arguments from options. Options are
// written key=value, --key=value or --key value.
func splitArgs(args []string) (pos []string, opts map[string]string) {
	opts = make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		flagged := strings.HasPrefix(a, "--")
		a = strings.TrimPrefix(a, "--")

		if k, v, ok := strings.Cut(a, "="); ok {
			opts[k] = v
			continue
		}
		if flagged && i+1 < len(args) {
			opts[a] = args[i+1]
			i++
			continue
		}
		pos = append(pos, a)
	}
	return pos, opts
}

// parseWhen accepts RFC 3339, Unix milliseconds, or a duration meaning that
// long before now.
func (sh *shell) parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "-")); err == nil {
		return sh.now().Add(-d), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: use RFC 3339, Unix ms or a duration", s)
	}
	return t, nil
}

// newTable returns a borderless table that keeps cells as given.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorder(false)
	tw.SetHeaderLine(false)
	tw.SetColumnSeparator("")
	tw.SetCenterSeparator("")
	tw.SetRowSeparator("")
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetTablePadding("  ")
	tw.SetNoWhiteSpace(true)
	return tw
}

func cmdServers(ctx context.Context, sh *shell, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	servers, err := sh.api.Servers(ctx)
	if err != nil {
		return err
	}

	tw := newTable(sh.out, "ID", "NAME", "MONITORS")
	for _, s := range servers {
		tw.Append([]string{s.ID, s.Name, strings.Join(s.Monitors, ", ")})
	}
	tw.Render()
	return nil
}

func cmdLatency(ctx context.Context, sh *shell, args []string) error {
	pos, opts := splitArgs(args)
	if len(pos) != 1 {
		return errUsage
	}

	var p client.LatencyParams
	var err error
	if p.Since, err = sh.parseWhen(opts["since"]); err != nil {
		return err
	}
	if p.Until, err = sh.parseWhen(opts["until"]); err != nil {
		return err
	}
	p.Resample = opts["resample"]
	p.Aggregation = opts["agg"]
	if s, ok := opts["backfill"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("backfill must be true or false")
		}
		p.Backfill = &b
	}

	series, err := sh.api.Latency(ctx, pos[0], p)
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "server %s  %s %s  %s .. %s\n",
		series.ServerID, series.Interval, series.Aggregation, series.Since, series.Until)

	tw := newTable(sh.out, append([]string{"TIME"}, series.Monitors...)...)
	tw.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, row := range series.Rows {
		cells := make([]string, 0, len(series.Monitors)+1)
		cells = append(cells, row.Timestamp)
		for _, m := range series.Monitors {
			if v := row.Values[m]; v.Valid {
				cells = append(cells, strconv.FormatFloat(v.Float64, 'f', 2, 64))
			} else {
				cells = append(cells, "-")
			}
		}
		tw.Append(cells)
	}
	tw.Render()
	return nil
}

func cmdRaw(ctx context.Context, sh *shell, args []string) error {
	pos, opts := splitArgs(args)
	if len(pos) != 1 {
		return errUsage
	}
	since, err := sh.parseWhen(opts["since"])
	if err != nil {
		return err
	}

	samples, err := sh.api.Raw(ctx, pos[0], since)
	if err != nil {
		return err
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].CreatedAt < samples[j].CreatedAt })

	tw := newTable(sh.out, "TIME", "MONITOR", "DELAY", "ERROR")
	for _, s := range samples {
		delay := "-"
		if s.AvgDelay.Valid {
			delay = strconv.FormatFloat(s.AvgDelay.Float64, 'f', 2, 64)
		}
		tw.Append([]string{s.CreatedAt, s.MonitorName, delay, s.Error})
	}
	tw.Render()
	return nil
}

func cmdPush(ctx context.Context, sh *shell, args []string) error {
	pos, opts := splitArgs(args)
	if len(pos) != 3 {
		return errUsage
	}

	ts := sh.now()
	if s, ok := opts["ts"]; ok {
		var err error
		if ts, err = sh.parseWhen(s); err != nil {
			return err
		}
	}

	sample := types.Sample{ServerID: pos[0], Monitor: pos[1], TimestampMs: ts.UnixMilli()}
	if reason, ok := strings.CutPrefix(pos[2], "fail:"); ok {
		sample.Error = reason
	} else {
		d, err := strconv.ParseFloat(pos[2], 64)
		if err != nil {
			return fmt.Errorf("delay must be a number of milliseconds or fail:<reason>")
		}
		sample.Delay, sample.Valid = d, true
	}

	if sh.ingest != nil {
		if sh.ingest.State() != client.StateConnected {
			if err := sh.ingest.Connect(ctx); err != nil {
				return err
			}
		}
		accepted, rejected, err := sh.ingest.Send(ctx, sample.ServerID, sample.Monitor, []types.Sample{sample})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "accepted %d, rejected %d\n", accepted, rejected)
		return nil
	}

	res, err := sh.api.PostSamples(ctx, []types.Sample{sample})
	if res != nil {
		fmt.Fprintf(sh.out, "stored %d, duplicate %d, rejected %d\n", res.Stored, res.Duplicate, res.Rejected)
		for _, p := range res.Problems {
			fmt.Fprintf(sh.out, "  %s\n", p)
		}
	}
	return err
}

func cmdHealth(ctx context.Context, sh *shell, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	h, err := sh.api.Health(ctx)
	if h != nil {
		fmt.Fprintf(sh.out, "%s (up %s)\n", h.Status, h.Uptime)
		if h.Error != "" {
			fmt.Fprintf(sh.out, "  %s\n", h.Error)
		}
	}
	return err
}

func (sh *shell) help() error {
	tw := newTable(sh.out, "COMMAND", "DESCRIPTION")
	for _, c := range commands {
		tw.Append([]string{c.usage, c.help})
	}
	tw.Append([]string{"exit", "leave the shell"})
	tw.Render()
	return nil
}
