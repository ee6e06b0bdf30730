package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/uart750/internal/config"
	"github.com/tinyrange/uart750/internal/uart"
)

func runRegs(cfg config.File, args []string) error {
	fs := flag.NewFlagSet("regs", flag.ExitOnError)
	name := fs.String("device", "", "Device to dump (defaults to the only configured device)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	h, err := newHost(cfg, os.Stdout, nil, slog.Default())
	if err != nil {
		return err
	}
	dev, err := h.probe(context.Background(), *name)
	if err != nil {
		return err
	}
	defer dev.Remove()

	regs := dev.Registers()
	fmt.Printf("%s: state %s, init %s, %d bps, shadow LCR 0x%04x\n",
		dev.Name(), dev.State(), dev.InitState(), dev.BitRate(), regs.Shadow())
	for _, reg := range uart.NamedRegisters() {
		// Reading RHR would consume a received byte.
		if reg == uart.RegRHR {
			continue
		}
		value, err := regs.Read(reg)
		if err != nil {
			return err
		}
		fmt.Printf("  %-10s bank %d offset 0x%02x  0x%04x\n", reg, reg.Bank(), reg.Offset(), value)
	}
	return nil
}

func runAttr(cfg config.File, args []string) error {
	fs := flag.NewFlagSet("attr", flag.ExitOnError)
	name := fs.String("device", "", "Device to use (defaults to the only configured device)")
	set := fs.String("set", "", "Store a loopback mode (on or off) before showing it")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	h, err := newHost(cfg, os.Stdout, nil, slog.Default())
	if err != nil {
		return err
	}
	dev, err := h.probe(context.Background(), *name)
	if err != nil {
		return err
	}
	defer dev.Remove()

	attr, err := h.attrs.Lookup(dev.AttributePath())
	if err != nil {
		return err
	}
	if *set != "" {
		if err := attr.Store(*set); err != nil {
			return err
		}
	}
	fmt.Printf("%s: %s", dev.AttributePath(), attr.Show())
	return nil
}
