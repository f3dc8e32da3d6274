package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	vaultcmd "github.com/louisbranch/chroniclevault/internal/cmd/chroniclevault"
	"github.com/louisbranch/chroniclevault/internal/platform/config"
)

func main() {
	cfg, err := vaultcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}
	log.SetPrefix("[CHRONICLEVAULT] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := vaultcmd.Run(ctx, cfg); err != nil {
		stop()
		config.Exitf("Error: %v", err)
	}
}
