package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/chazu/tmplvm/server"
)

func runServe(args []string) error {
	fs, c := newFlagSet("serve", "")
	addr := fs.String("addr", "", "Connect (HTTP) listen address (default: [server].addr from the manifest)")
	grpcAddr := fs.String("grpc", "", "Also serve gRPC on this address")
	workers := fs.Int("workers", 0, "Concurrent renders (default: GOMAXPROCS)")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-request deadline, 0 for none")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}

	e, m, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()

	opts := []server.ServerOption{server.WithTimeout(*timeout)}
	if *workers > 0 {
		opts = append(opts, server.WithWorkers(*workers))
	}
	srv := server.New(e, opts...)
	defer srv.Stop()

	if *addr == "" {
		*addr = m.Server.Addr
	}

	errc := make(chan error, 2)
	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			return errors.Wrap(err, "gRPC listener")
		}
		go func() { errc <- srv.ServeGRPC(lis) }()
	}
	go func() { errc <- srv.ListenAndServe(*addr) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case err := <-errc:
		return err
	case <-sigc:
		return nil
	}
}

func runLSP(args []string) error {
	fs, c := newFlagSet("lsp", "")
	if err := fs.Parse(args); err != nil {
		return exitError(2)
	}
	e, _, err := c.engine()
	if err != nil {
		return err
	}
	defer e.Close()
	return server.NewLSP(e).Run()
}
