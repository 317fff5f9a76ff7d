//go:build linux

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/euske/fastdet-go/stats"
)

// startSignalHandler dumps reg's counters on SIGUSR1, adapted from the
// teacher's client/signal.go which dumped kcp.DefaultSnmp.Copy() the
// same way.
func startSignalHandler(reg *stats.Registry) {
	go sigHandler(reg)
}

func sigHandler(reg *stats.Registry) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	for {
		switch <-ch {
		case syscall.SIGUSR1:
			log.Printf("fastdet stats: %+v", reg.Snapshot())
		}
	}
}
