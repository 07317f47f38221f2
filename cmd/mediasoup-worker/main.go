// Command mediasoup-worker is the worker process a controller spawns: it
// speaks the control channel over the fd given in MEDIASOUP_CHANNEL_FD and
// hosts the media routing core.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	worker "github.com/jiyeyuran/mediasoup-worker-go"
	"github.com/jiyeyuran/mediasoup-worker-go/netcodec"
)

func main() {
	logger := worker.NewLogger("main")

	if err := worker.CheckControllerVersion(); err != nil {
		logger.Error(err, "refusing to start")
		os.Exit(41)
	}

	channelFdStr := os.Getenv("MEDIASOUP_CHANNEL_FD")
	channelFd, err := strconv.Atoi(channelFdStr)
	if err != nil {
		logger.Error(err, "invalid MEDIASOUP_CHANNEL_FD", "value", channelFdStr)
		os.Exit(42)
	}

	settings, err := worker.NewSettings(os.Args[1:])
	if err != nil {
		logger.Error(err, "invalid arguments")
		os.Exit(42)
	}

	file := os.NewFile(uintptr(channelFd), "channel")
	channel := worker.NewChannel(netcodec.NewNetStringCodec(file, file))

	w := worker.NewWorker(channel, settings)

	// SIGINT and SIGTERM trigger the orderly close; once received, further
	// signals are ignored while shutdown runs.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrChannelRemotelyClosed) {
			// The controller died abruptly; die too, loudly.
			os.Exit(1)
		}
		logger.Error(err, "worker failed")
		os.Exit(1)
	}
}
