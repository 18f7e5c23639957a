package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"statemux/internal/adapter/discovery"
	"statemux/internal/infra/config"
	"statemux/pkg/muxclient"
)

const clientTimeout = 10 * time.Second

// newClient builds a gateway client from --gateway/--token, falling back to
// the config file and MUXD_GATEWAY_* variables.
func newClient() (*muxclient.Client, error) {
	addr, token := flagValue("gateway"), flagValue("token")

	cfg, err := config.Load(configPath())
	if err != nil {
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}
	if addr == "" {
		addr = cfg.Gateway.Addr
	}
	if token == "" && len(cfg.Gateway.Auth.Tokens) > 0 {
		token = cfg.Gateway.Auth.Tokens[0].Token
	}

	var opts []muxclient.Option
	if token != "" {
		opts = append(opts, muxclient.WithToken(token))
	}
	return muxclient.New(addr, opts...)
}

func withClient(fn func(ctx context.Context, c *muxclient.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	return fn(ctx, c)
}

// runStates prints the states the config would register without touching
// the overlay engine.
func runStates() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	states, err := discoverStates(context.Background(), cfg, discardLogger())
	if err != nil {
		return err
	}
	defer states.release()
	for _, st := range states.entries {
		fmt.Printf("%s\t%s\n", st.name, st.frag.Kind())
	}
	return nil
}

func runGet() error {
	return withClient(func(ctx context.Context, c *muxclient.Client) error {
		st, err := c.State(ctx)
		if err != nil {
			return err
		}
		if !st.Active {
			fmt.Printf("%s (inactive)\n", st.State)
			return nil
		}
		fmt.Println(st.State)
		return nil
	})
}

func runSet(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: muxd set NAME")
	}
	return withClient(func(ctx context.Context, c *muxclient.Client) error {
		st, err := c.Switch(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(st.State)
		return nil
	})
}

func runList() error {
	return withClient(func(ctx context.Context, c *muxclient.Client) error {
		sts, err := c.States(ctx)
		if err != nil {
			return err
		}
		for _, name := range sts.States {
			marker := " "
			if name == sts.Current {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	})
}

func runHistory(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}
	return withClient(func(ctx context.Context, c *muxclient.Client) error {
		records, err := c.History(ctx, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tFROM\tTO\tOUTCOME\tDURATION\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), dash(r.From), r.To, r.Outcome,
				r.Duration.Round(time.Millisecond), r.Error)
		}
		return w.Flush()
	})
}

func runStatus() error {
	return withClient(func(ctx context.Context, c *muxclient.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		state := dash(st.Mux.Current)
		if st.Mux.Current != "" && !st.Mux.Active {
			state += " (inactive)"
		}
		fmt.Printf("Instance:  %s %s\n", st.Instance, st.Version)
		fmt.Printf("Uptime:    %s\n", time.Duration(st.UptimeSeconds)*time.Second)
		fmt.Printf("State:     %s\n", state)
		fmt.Printf("States:    %d\n", len(st.Mux.States))
		fmt.Printf("Breaker:   %s\n", dash(st.Breaker))
		if st.Overlays != nil {
			fmt.Printf("Overlays:  %d\n", *st.Overlays)
		}
		fmt.Printf("Clients:   %d\n", st.Clients)
		fmt.Printf("Switches:  %d total, %d failed, %d unchanged\n",
			st.Switches.Total, st.Switches.Failed, st.Switches.Unchanged)
		return nil
	})
}

func runWatch() error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return c.Watch(ctx, func(ev muxclient.Event) {
		p := ev.Payload
		line := fmt.Sprintf("%s %-20s %s -> %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, dash(p.From), dash(p.To))
		if p.Error != "" {
			line += fmt.Sprintf(" [%s] %s", p.Code, p.Error)
		}
		fmt.Println(line)
	})
}

func runDiscover() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := discovery.New(discardLogger()).Scan(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("no gateways found")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%s\t%s\t%s\n", p.Instance, p.Address, p.Metadata["version"])
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
