package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/server"
	"github.com/teranos/loom/sym"
)

// ServerCmd starts the HTTP API together with the scheduler
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the Loom API server and scheduler",
	Long: `Start the Loom HTTP API with the Pulse scheduler running in the same process.

The API serves schedules, executions and scheduler status under /api and
pushes execution events over the /ws websocket.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
	serverNoTick bool
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoTick, "no-tick", false, "Do not start the periodic scheduler; schedules only run on demand")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger.ComponentLogger("hub"))
	svc, err := buildServices(ctx, serverDBPath, hub)
	if err != nil {
		return err
	}
	defer svc.Close()
	stopWatch := svc.watchConfig()
	defer stopWatch()

	port := serverPort
	if port == 0 {
		port = am.GetServerPort()
	}

	srv := server.New(server.Deps{
		Manager:        svc.manager,
		Ticker:         svc.ticker,
		Executions:     svc.executions,
		Hub:            hub,
		AllowedOrigins: svc.cfg.Server.AllowedOrigins,
		Logger:         logger.ComponentLogger("server"),
	})

	if !serverNoTick {
		svc.ticker.Start()
	}

	pterm.Success.Printf("%s Loom listening on http://localhost:%d\n", sym.Pulse, port)
	pterm.Info.Printf("Database: %s\n", svc.cfg.Database.Path)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(port) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println()
	pterm.Info.Printf("%s Shutting down...\n", sym.PulseClose)
	if err := srv.Stop(); err != nil {
		return err
	}
	return <-errCh
}
