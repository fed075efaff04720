// tcpingctl is an interactive client for tcpingd.
//
// With a terminal on stdin it runs a shell with completion. Otherwise it
// executes the command given as arguments, or one command per line read
// from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/tcpingd/internal/client"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "tcpingd HTTP API base URL")
	ingestAddr := flag.String("ingest", "", "ingest listener address; push uses HTTP when empty")
	token := flag.String("token", "", "ingest auth token (or TCPINGD_TOKEN env)")
	useTLS := flag.Bool("tls", false, "use TLS for the ingest listener")
	skipVerify := flag.Bool("tls-skip-verify", false, "skip ingest TLS certificate verification")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tcpingctl", Version)
		return
	}

	api, err := client.NewAPI(client.APIConfig{BaseURL: *addr, Timeout: *timeout})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	sh := &shell{api: api, out: os.Stdout, now: time.Now}
	if *ingestAddr != "" {
		tok := *token
		if tok == "" {
			tok = os.Getenv("TCPINGD_TOKEN")
		}
		sh.ingest = client.NewIngest(client.IngestConfig{
			Addr:           *ingestAddr,
			Token:          tok,
			TLS:            *useTLS,
			TLSSkipVerify:  *skipVerify,
			RequestTimeout: *timeout,
		})
		defer sh.ingest.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case flag.NArg() > 0:
		if err := sh.exec(ctx, strings.Join(flag.Args(), " ")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		interactive(sh, *addr)
	default:
		if failed := batch(ctx, sh, os.Stdin, os.Stderr); failed > 0 {
			os.Exit(1)
		}
	}
}

// interactive runs the prompt loop until exit or Ctrl-D.
func interactive(sh *shell, addr string) {
	fmt.Fprintf(sh.out, "tcpingctl %s connected to %s. Type help for commands.\n", Version, addr)

	p := prompt.New(
		func(line string) {
			line = strings.TrimSpace(line)
			if line == "" || line == "exit" || line == "quit" {
				return
			}
			if err := sh.exec(context.Background(), line); err != nil {
				fmt.Fprintln(sh.out, "error:", err)
			}
		},
		complete,
		prompt.OptionPrefix("tcpingd> "),
		prompt.OptionTitle("tcpingctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

// batch executes one command per line and returns how many failed.
func batch(ctx context.Context, sh *shell, in io.Reader, errOut io.Writer) int {
	failed := 0
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := sh.exec(ctx, line); err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", line, err)
			failed++
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(errOut, "read input:", err)
		failed++
	}
	return failed
}
