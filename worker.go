package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/go-logr/logr"
	version "github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"
)

// minControllerVersion is the oldest controller this worker can talk to; the
// controller announces itself through the MEDIASOUP_VERSION env variable.
const minControllerVersion = "2.0.0"

// ErrChannelRemotelyClosed signals that the controller went away without an
// orderly shutdown; the worker must die with a non zero status.
var ErrChannelRemotelyClosed = errors.New("channel remotely closed")

// rtcpTimerInterval is the coarse schedule on which per-entity RTCP interval
// checks run.
const rtcpTimerInterval = 500 * time.Millisecond

// Worker is the top level dispatcher: it consumes control requests from the
// Channel, owns the Rooms, and drives the RTCP schedule. All state mutation
// happens on the single Run loop goroutine.
type Worker struct {
	logger   logr.Logger
	channel  *Channel
	notifier *Notifier
	settings *Settings

	rooms map[uint32]*Room

	closed bool
}

func NewWorker(channel *Channel, settings *Settings) *Worker {
	logger := NewLogger("Worker")
	logger.V(1).Info("constructor()")

	return &Worker{
		logger:   logger,
		channel:  channel,
		notifier: NewNotifier(channel),
		settings: settings,
		rooms:    make(map[uint32]*Room),
	}
}

// CheckControllerVersion validates the MEDIASOUP_VERSION env variable, when
// present, against the minimum supported controller version.
func CheckControllerVersion() error {
	announced := os.Getenv("MEDIASOUP_VERSION")
	if announced == "" {
		return nil
	}
	v, err := version.NewVersion(announced)
	if err != nil {
		return NewProtocolError("invalid MEDIASOUP_VERSION %q", announced)
	}
	min := version.Must(version.NewVersion(minControllerVersion))
	if v.LessThan(min) {
		return NewProtocolError("unsupported controller version %s, minimum is %s", announced, minControllerVersion)
	}
	return nil
}

// Notifier exposes the notifier, mainly to build entities in tests.
func (w *Worker) Notifier() *Notifier {
	return w.notifier
}

// Run blocks until the context is cancelled (orderly close, returns nil) or
// the control channel is remotely closed (returns ErrChannelRemotelyClosed).
func (w *Worker) Run(ctx context.Context) error {
	w.channel.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.runLoop(ctx)
	})
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(rtcpTimerInterval)
	defer ticker.Stop()

	for {
		select {
		case request, ok := <-w.channel.Requests():
			if !ok {
				// The controller died without closing us first.
				w.logger.Error(nil, "channel remotely closed, dying")
				w.Close()
				return ErrChannelRemotelyClosed
			}
			w.HandleRequest(request)

		case <-ticker.C:
			now := nowMs()
			for _, room := range w.rooms {
				room.SendRtcp(now)
			}

		case <-ctx.Done():
			w.Close()
			return nil
		}
	}
}

// Close performs the orderly shutdown: channel first (late notifications are
// dropped, as in an abrupt peer death they would be lost anyway), then every
// Room.
func (w *Worker) Close() {
	if w.closed {
		return
	}
	w.closed = true

	w.logger.V(1).Info("Close()")

	w.channel.Close()

	for _, room := range snapshotMap(w.rooms) {
		room.Close()
	}
}

// WorkerDump is the JSON shape of "worker.dump".
type WorkerDump struct {
	Pid     int      `json:"pid"`
	RoomIds []uint32 `json:"roomIds"`
}

func (w *Worker) Dump() *WorkerDump {
	dump := &WorkerDump{
		Pid:     os.Getpid(),
		RoomIds: []uint32{},
	}
	for roomId := range w.rooms {
		dump.RoomIds = append(dump.RoomIds, roomId)
	}
	return dump
}

// HandleRequest is the top of the control dispatcher: worker methods are
// handled here, everything else is routed to the Room named by the request.
func (w *Worker) HandleRequest(request *Request) {
	w.logger.V(1).Info("request", "method", request.Method, "id", request.Id)

	switch request.Method {
	case "worker.dump":
		request.Accept(w.Dump())

	case "worker.updateSettings":
		w.settings.HandleUpdateRequest(request)

	case "worker.createRoom":
		w.handleCreateRoom(request)

	case "room.close", "room.dump", "room.createPeer",
		"peer.close", "peer.dump", "peer.setCapabilities", "peer.createTransport", "peer.createProducer",
		"transport.close", "transport.dump", "transport.setRemoteDtlsParameters",
		"producer.close", "producer.dump", "producer.receive", "producer.pause", "producer.resume",
		"consumer.dump", "consumer.enable", "consumer.pause", "consumer.resume", "consumer.setPreferredProfile":
		room, err := w.roomFromRequest(request)
		if err != nil {
			request.Reject(err)
			return
		}
		room.HandleRequest(request)

	default:
		w.logger.Error(nil, "unknown method", "method", request.Method)
		request.Reject(NewProtocolError("unknown method %q", request.Method))
	}
}

func (w *Worker) handleCreateRoom(request *Request) {
	roomId, err := request.Internal.GetRoomId()
	if err != nil {
		request.Reject(err)
		return
	}
	if _, ok := w.rooms[roomId]; ok {
		request.Reject(NewConflictError("Room already exists"))
		return
	}

	var data struct {
		MediaCodecs []*RtpCodecParameters `json:"mediaCodecs"`
	}
	if err := request.UnmarshalData(&data); err != nil {
		request.Reject(err)
		return
	}

	room, err := NewRoom(w, w.notifier, roomId, data.MediaCodecs)
	if err != nil {
		request.Reject(err)
		return
	}
	w.rooms[roomId] = room

	w.logger.V(1).Info("Room created", "roomId", roomId)

	request.Accept(nil)
}

func (w *Worker) roomFromRequest(request *Request) (*Room, error) {
	roomId, err := request.Internal.GetRoomId()
	if err != nil {
		return nil, err
	}
	room, ok := w.rooms[roomId]
	if !ok {
		return nil, NewNotFoundError("Room does not exist")
	}
	return room, nil
}

// OnRoomClosed implements RoomListener.
func (w *Worker) OnRoomClosed(room *Room) {
	delete(w.rooms, room.Id())
}
