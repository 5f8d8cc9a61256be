// Command smtpsend delivers one message to an SMTP server.
//
//	smtpsend -server mx.example.com -from a@example.com -to b@example.org message.eml
//
// The message is read from the named file or from stdin. Missing sender
// and recipients are taken from the From, To and Cc headers.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iceisfun/smtpc"
	"github.com/iceisfun/smtpc/config"
	"github.com/iceisfun/smtpc/mem"
	"github.com/iceisfun/smtpc/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// options are the command line flags.
type options struct {
	configPath string
	envPath    string
	server     string
	port       int
	helo       string
	from       string
	to         string
	journal    string
	logLevel   string
	pipelining bool
	chunking   bool
	transcript bool
	metrics    string
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	opts := new(options)
	fs := flag.NewFlagSet("smtpsend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	fs.StringVar(&opts.envPath, "env", ".env", "environment file")
	fs.StringVar(&opts.server, "server", "", "SMTP server host")
	fs.IntVar(&opts.port, "port", 0, "SMTP server port")
	fs.StringVar(&opts.helo, "helo", "", "domain sent with EHLO")
	fs.StringVar(&opts.from, "from", "", "envelope sender (default: From header)")
	fs.StringVar(&opts.to, "to", "", "comma separated recipients (default: To and Cc headers)")
	fs.StringVar(&opts.journal, "journal", "", "SQLite journal file")
	fs.StringVar(&opts.logLevel, "loglevel", "", "debug, info, warn or error")
	fs.BoolVar(&opts.pipelining, "pipelining", true, "pipeline commands when the server allows it")
	fs.BoolVar(&opts.chunking, "chunking", false, "send content with BDAT when the server allows it")
	fs.BoolVar(&opts.transcript, "transcript", false, "write the SMTP conversation to stderr")
	fs.StringVar(&opts.metrics, "metrics", "", "address to serve Prometheus metrics on")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs, nil
}

// apply overrides cfg with the flags that were given explicitly.
func (o *options) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server.Host = o.server
		case "port":
			cfg.Server.Port = o.port
		case "helo":
			cfg.Server.Helo = o.helo
		case "journal":
			cfg.Journal.Driver = "sqlite"
			cfg.Journal.Path = o.journal
		case "loglevel":
			cfg.Log.Level = o.logLevel
		case "pipelining":
			cfg.Session.Pipelining = o.pipelining
		case "chunking":
			cfg.Session.Chunking = o.chunking
		case "transcript":
			cfg.Log.Transcript = o.transcript
		case "metrics":
			cfg.Metrics.Listen = o.metrics
		}
	})
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, fs, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	if err := config.LoadEnv(opts.envPath); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	opts.apply(fs, cfg)

	logger := smtpc.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format == "json")

	raw, err := readMessage(fs.Arg(0), stdin)
	if err != nil {
		level.Error(logger).Log("msg", "failed to read message", "err", err)
		return 1
	}

	env, err := envelopeFor(raw, opts.from, opts.to)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build envelope", "err", err)
		return 1
	}

	journal, closeJournal, err := openJournal(cfg.Journal)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open journal", "err", err)
		return 1
	}
	defer closeJournal()

	engineCfg := cfg.Engine()
	engineCfg.Logger = logger
	engineCfg.Metrics = initMetrics(logger, cfg.Metrics)
	if cfg.Log.Transcript {
		engineCfg.Transcript = &smtpc.WriterTranscript{Writer: stderr}
	}

	transport := smtpc.NewNetTransport()
	if cfg.Session.Timeout > 0 {
		transport.Dialer.Timeout = cfg.Session.Timeout
	}
	engine := smtpc.NewEngine(transport, engineCfg)

	mailer := smtpc.NewMailer(engine)
	mailer.Pipelining = cfg.Session.Pipelining
	mailer.UseChunking = cfg.Session.Chunking
	mailer.ChunkSize = cfg.Session.ChunkSize

	server := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	if err := mailer.Dial(ctx, cfg.Server.Host, cfg.Server.Port, cfg.Server.Helo); err != nil {
		level.Error(logger).Log("msg", "failed to open session", smtpc.KeyServer, server, "err", err)
		record(ctx, logger, journal, smtpc.NewJournalEntry(server, env, nil, err))
		return 1
	}

	addParams(&env, engine.Extensions(), raw)

	delivery, deliverErr := mailer.Deliver(ctx, env, bytes.NewReader(raw))
	if closeErr := mailer.Close(ctx); closeErr != nil {
		level.Warn(logger).Log("msg", "QUIT failed", "err", closeErr)
	}

	record(ctx, logger, journal, smtpc.NewJournalEntry(server, env, delivery, deliverErr))
	report(stdout, delivery, deliverErr)

	if deliverErr != nil {
		return 1
	}
	return 0
}

func readMessage(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// envelopeFor builds the envelope from the flags, falling back to the
// message headers.
func envelopeFor(raw []byte, from, to string) (smtpc.Envelope, error) {
	var env smtpc.Envelope

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return env, fmt.Errorf("parsing message header: %w", err)
	}
	defer mr.Close()
	header := mr.Header

	env.From = from
	if env.From == "" {
		addrs, err := header.AddressList("From")
		if err != nil {
			return env, fmt.Errorf("parsing From header: %w", err)
		}
		if len(addrs) > 0 {
			env.From = addrs[0].Address
		}
	}

	for _, rcpt := range strings.Split(to, ",") {
		if rcpt = strings.TrimSpace(rcpt); rcpt != "" {
			env.Recipients = append(env.Recipients, rcpt)
		}
	}
	if len(env.Recipients) == 0 {
		for _, key := range []string{"To", "Cc"} {
			addrs, err := header.AddressList(key)
			if err != nil {
				return env, fmt.Errorf("parsing %s header: %w", key, err)
			}
			for _, a := range addrs {
				env.Recipients = append(env.Recipients, a.Address)
			}
		}
	}

	return env, env.Validate()
}

// addParams declares the message size and 8-bit content when the server
// advertises SIZE and 8BITMIME.
func addParams(env *smtpc.Envelope, ext smtpc.Extensions, raw []byte) {
	params := smtpc.Params{}
	if ext.Supports("SIZE") {
		params["SIZE"] = strconv.Itoa(len(raw))
	}
	if ext.Supports("8BITMIME") && !isASCII(raw) {
		params["BODY"] = "8BITMIME"
	}
	if len(params) > 0 {
		env.MailParams = params
	}
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func openJournal(cfg config.JournalConfig) (smtpc.Journal, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		j, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	case "memory":
		return mem.NewJournal(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func record(ctx context.Context, logger log.Logger, journal smtpc.Journal, entry smtpc.JournalEntry) {
	if journal == nil {
		return
	}
	if err := journal.Record(ctx, entry); err != nil {
		level.Warn(logger).Log("msg", "failed to record delivery", "err", err)
	}
}

// initMetrics serves Prometheus metrics when an address is configured.
func initMetrics(logger log.Logger, cfg config.MetricsConfig) *smtpc.Metrics {
	if cfg.Listen == "" {
		level.Debug(logger).Log("msg", "metrics address is empty, not exposing prometheus metrics")
		return smtpc.NewDiscardMetrics()
	}

	m := smtpc.NewPrometheusMetrics(cfg.Namespace)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		level.Info(logger).Log("msg", "prometheus handler listening", "addr", cfg.Listen)
		if err := http.ListenAndServe(cfg.Listen, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
		}
	}()
	return m
}

func report(w io.Writer, d *smtpc.Delivery, err error) {
	if d != nil {
		for _, r := range d.Accepted {
			fmt.Fprintf(w, "accepted %s: %s\n", r.Address, r.Reply)
		}
		for _, r := range d.Rejected {
			fmt.Fprintf(w, "rejected %s: %s\n", r.Address, r.Reply)
		}
		if d.Final.Code != 0 {
			fmt.Fprintf(w, "final: %s\n", d.Final)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}
