package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"livechat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	serverCfg, err := app.LoadServerConfig()
	if err != nil {
		fail(err)
	}
	clientCfg, err := app.LoadClientConfig()
	if err != nil {
		fail(err)
	}
	if mode == modeLocal && os.Getenv("LIVECHAT_ADDR") == "" {
		serverCfg.Addr = "127.0.0.1:0"
	}

	flagSet := flag.NewFlagSet("livechat", flag.ExitOnError)
	flagSet.StringVar(&serverCfg.Addr, "addr", serverCfg.Addr, "server listen address")
	flagSet.StringVar(&serverCfg.Path, "path", serverCfg.Path, "websocket path")
	flagSet.StringVar(&serverCfg.DBPath, "db", serverCfg.DBPath, "sqlite database path (defaults to a per-user path)")
	flagSet.StringVar(&serverCfg.UploadDir, "uploads", serverCfg.UploadDir, "upload directory")
	flagSet.BoolVar(&serverCfg.EchoTempID, "echo-temp-id", serverCfg.EchoTempID, "echo tempId on broadcast messages")
	flagSet.BoolVar(&serverCfg.LogDev, "dev", serverCfg.LogDev, "human readable server logs")
	flagSet.StringVar(&clientCfg.ServerURL, "server-url", clientCfg.ServerURL, "server websocket URL (client mode)")
	flagSet.StringVar(&clientCfg.Token, "token", clientCfg.Token, "auth token")
	flagSet.StringVar(&clientCfg.Username, "user", clientCfg.Username, "username")
	flagSet.StringVar(&clientCfg.Password, "password", clientCfg.Password, "password")
	flagSet.BoolVar(&clientCfg.Signup, "signup", clientCfg.Signup, "create the account before logging in")
	flagSet.StringVar(&clientCfg.Role, "role", clientCfg.Role, "role for --signup: customer or staff")
	flagSet.StringVar(&clientCfg.AuthMode, "auth-mode", clientCfg.AuthMode, "message or query")
	flagSet.StringVar(&clientCfg.LogFile, "log-file", clientCfg.LogFile, "client log file")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	_ = flagSet.Parse(args)

	if *showVersion {
		fmt.Printf("livechat v%s\n", app.Version)
		return
	}

	if remaining := flagSet.Args(); len(remaining) > 0 {
		clientCfg.RoomID = remaining[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg)
	default:
		err = app.RunClient(ctx, clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	logger, err := app.NewServerLogger(cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return handle.Wait()
}

// runLocalMode starts a private server on loopback and points the client at it. Server
// logs follow the client into its log file.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	logger, err := app.NewClientLogger(clientCfg.LogFile)
	if err != nil {
		return err
	}
	handle, err := app.RunServer(ctx, serverCfg, logger.Named("local"))
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	clientCfg.APIURL = ""
	logger.Info("launching client", zap.String("server", clientCfg.ServerURL))

	if err := app.RunClient(ctx, clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	return fmt.Sprintf("ws://%s%s", addr, app.NormalizePath(path))
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "livechat: %v\n", err)
	os.Exit(1)
}
