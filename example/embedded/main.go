package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soracane/warden"
)

// embedded: run warden from Go instead of the CLI, watch server status
// changes, and print the parsed world list once the server is up.
func main() {
	configPath := "warden.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	w, err := warden.New(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	unsubscribe := w.SubscribeStatus(func(st warden.Status) {
		if st.Running {
			fmt.Printf("server up: pid=%d config=%s\n", st.PID, st.ConfigPath)
		} else {
			fmt.Printf("server down: exit=%d requested=%v\n", st.ExitCode, st.ExitRequested)
		}
	})
	defer unsubscribe()

	go func() {
		time.Sleep(30 * time.Second)
		if !w.Status().Running {
			return
		}
		worlds, err := w.RuntimeWorlds(10 * time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, "worlds query failed:", err)
			return
		}
		for _, s := range worlds.Sessions {
			fmt.Printf("world %q focus=%s users=%v\n", s.Name, s.FocusTarget, s.CurrentUsers)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
