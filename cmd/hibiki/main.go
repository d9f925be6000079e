package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/hibiki"
	"github.com/ashita-ai/hibiki/internal/auth"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `usage: hibiki [command]

commands:
  serve          run the server (default)
  hash-password  read a password from stdin and print its hash for HIBIKI_ADMIN_PASSWORD_HASH
  version        print the version
`

func main() {
	os.Exit(run0(os.Args[1:]))
}

func run0(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve":
		return serve()
	case "hash-password":
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "hash-password:", err)
			return 1
		}
		return 0
	case "version":
		fmt.Println(version)
		return 0
	case "-h", "--help", "help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func serve() int {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("HIBIKI_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := hibiki.New(
		hibiki.WithVersion(version),
		hibiki.WithLogger(logger),
	)
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// hashPassword reads one line from r so the password stays out of shell
// history and process listings.
func hashPassword(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
