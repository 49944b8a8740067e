package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erazemk/knjiznica/internal/api"
	"github.com/erazemk/knjiznica/internal/circulation"
	"github.com/erazemk/knjiznica/internal/db"
	"github.com/erazemk/knjiznica/internal/notify"
	"github.com/erazemk/knjiznica/internal/store"
)

func main() {
	fs := flag.NewFlagSet("knjiznica", flag.ContinueOnError)

	var dbPath string
	fs.StringVar(&dbPath, "db", "knjiznica.sqlite3", "")
	fs.StringVar(&dbPath, "d", "knjiznica.sqlite3", "")

	var addr string
	fs.StringVar(&addr, "addr", ":8080", "")
	fs.StringVar(&addr, "a", ":8080", "")

	var librarian string
	fs.StringVar(&librarian, "user", "librarian", "")
	fs.StringVar(&librarian, "u", "librarian", "")

	var logPath string
	fs.StringVar(&logPath, "log", "", "")
	fs.StringVar(&logPath, "l", "", "")

	var loanDays int
	fs.IntVar(&loanDays, "loan-days", 14, "")

	var debug bool
	fs.BoolVar(&debug, "debug", false, "")

	fs.Usage = func() {
		fmt.Fprint(os.Stdout, `Usage: knjiznica [flags]

Flags:
  -d, -db <path>          SQLite database path (default: knjiznica.sqlite3)
  -a, -addr <host:port>   listen address (default: :8080)
  -u, -user <name>        librarian username on first run (default: librarian)
  -l, -log <path>         log file path (default: no file, stdout/stderr only)
  -loan-days <n>          loan period in days (default: 14)
  -debug                  enable debug logging
  -h, -help               show this help and exit
`)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}
	if loanDays < 1 {
		fmt.Fprintln(os.Stderr, "error: -loan-days must be at least 1")
		os.Exit(1)
	}

	closeLog, err := setupLogger(logPath, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if closeLog != nil {
		defer closeLog()
	}

	if err := run(dbPath, addr, librarian, time.Duration(loanDays)*24*time.Hour); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(dbPath, addr, librarian string, loanPeriod time.Duration) error {
	ctx := context.Background()

	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	if err := db.EnsureSchema(database); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	password, err := seedLibrarian(ctx, database, librarian)
	if err != nil {
		return err
	}
	if password != "" {
		printSeedResult(dbPath, librarian, password)
	}

	slog.Info("database ready", "path", dbPath)

	jwtSecret, err := store.GetJWTSecret(ctx, database)
	if err != nil {
		return fmt.Errorf("loading JWT secret: %w", err)
	}

	hub := notify.NewHub()
	desk := circulation.New(database,
		circulation.WithLoanPeriod(loanPeriod),
		circulation.WithNotifier(hub),
	)

	// Mismatches are logged by Audit itself; the server still starts so a
	// librarian can inspect them.
	if mismatches, err := desk.Audit(ctx); err != nil {
		return fmt.Errorf("auditing inventory: %w", err)
	} else if len(mismatches) > 0 {
		slog.Warn("inventory audit found mismatches", "count", len(mismatches))
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.LoggingMiddleware(api.NewRouter(database, desk, hub, jwtSecret)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		slog.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}()

	slog.Info("server started", "addr", addr, "loan_period", loanPeriod)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}

	slog.Info("server stopped, closing database")
	return nil
}
