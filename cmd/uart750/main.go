package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/uart750/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args...]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Probe and exercise 16C750 UARTs described by a YAML config.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  init      write a default config\n")
	fmt.Fprintf(os.Stderr, "  selftest  probe and remove every configured device (-n repeats)\n")
	fmt.Fprintf(os.Stderr, "  console   attach the terminal to a device node (Ctrl-] exits)\n")
	fmt.Fprintf(os.Stderr, "  regs      dump the named registers of a device\n")
	fmt.Fprintf(os.Stderr, "  attr      show or set the loopback attribute of a device\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func run() error {
	verbose := flag.Bool("v", false, "Enable debug logging, including every register access")
	cfgPath := flag.String("config", config.DefaultFilename, "Path to the device config")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	)))

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("command required")
	}

	if args[0] == "init" {
		return runInit(*cfgPath, args[1:])
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	switch args[0] {
	case "selftest":
		return runSelftest(cfg, args[1:])
	case "console":
		return runConsole(cfg, args[1:])
	case "regs":
		return runRegs(cfg, args[1:])
	case "attr":
		return runAttr(cfg, args[1:])
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runInit(path string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	if err := config.WriteTemplate(path, config.Default()); err != nil {
		return err
	}
	slog.Info("config written", "path", path)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "uart750: %v\n", err)
		os.Exit(1)
	}
}
