package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"flowrsvp-gateway/internal/rsvpclient"
)

// Set by goreleaser ldflags.
var version = "dev"

// Globals are the flags shared by every subcommand.
type Globals struct {
	Gateway string        `kong:"required,help='Gateway base URL.',env='FLOWRSVP_GATEWAY'"`
	Origin  string        `kong:"default='https://flowrsvp.vercel.app',help='Origin header to present to the gateway.',env='FLOWRSVP_ORIGIN'"`
	Path    string        `kong:"default='/api/proxy',help='Gateway route.'"`
	Timeout time.Duration `kong:"default='30s',help='Request timeout.'"`
	Verbose bool          `kong:"short='v',help='Log requests to stderr.'"`
}

type cli struct {
	Globals

	Stats StatsCmd `kong:"cmd,help='Show response counters.'"`
	RSVP  RSVPCmd  `kong:"cmd,name='rsvp',help='Submit an RSVP.'"`
}

// StatsCmd fetches the counters.
type StatsCmd struct{}

// RSVPCmd submits one response.
type RSVPCmd struct {
	Name   string `kong:"required,help='Guest name.'"`
	Choice string `kong:"required,enum='yes,maybe,no',help='yes, maybe or no.'"`
	Phone  string `kong:"help='Guest phone number.'"`
	Event  string `kong:"default='Kingdom Encounter',help='Event name.'"`
	Date   string `kong:"help='Event date as shown on the invitation.'"`
	Venue  string `kong:"help='Event venue.'"`
	Ref    string `kong:"default='cli',help='Referral tag.'"`
}

func (g *Globals) client() (*rsvpclient.Client, error) {
	return rsvpclient.New(rsvpclient.Config{
		BaseURL:   g.Gateway,
		ProxyPath: g.Path,
		Origin:    g.Origin,
		UserAgent: "flowrsvp-cli/" + version,
		Timeout:   g.Timeout,
	})
}

// Run prints the stats envelope.
func (s *StatsCmd) Run(g *Globals, logger *slog.Logger) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()

	logger.Debug("fetching stats", "gateway", g.Gateway)
	resp, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	return printEnvelope(os.Stdout, resp)
}

// Run submits the RSVP and prints the envelope.
func (r *RSVPCmd) Run(g *Globals, logger *slog.Logger) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()

	logger.Debug("submitting rsvp", "gateway", g.Gateway, "choice", r.Choice)
	resp, err := c.Submit(ctx, rsvpclient.RSVP{
		Name:      r.Name,
		Phone:     r.Phone,
		Choice:    r.Choice,
		Event:     r.Event,
		Date:      r.Date,
		Venue:     r.Venue,
		Ref:       r.Ref,
		UserAgent: "flowrsvp-cli/" + version,
	})
	if err != nil {
		return err
	}
	return printEnvelope(os.Stdout, resp)
}

// printEnvelope writes the envelope as indented JSON and fails when it was not accepted.
func printEnvelope(w io.Writer, resp *rsvpclient.Response) error {
	var v any
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(b)); err != nil {
		return err
	}
	if !resp.Accepted() {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, resp.Error)
	}
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("flowrsvp"),
		kong.Description("Command-line client for the RSVP gateway."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx.FatalIfErrorf(ctx.Run(&c.Globals, logger))
}
