package wavebar

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// subscription event layout: facility in the low nibble, kind in bits 4-5
const (
	subscriptionFacilityMask = 0x0f
	subscriptionTypeMask     = 0x30

	facilitySink      = 0x00
	facilitySinkInput = 0x02

	subscriptionNew    = 0x00
	subscriptionChange = 0x10
	subscriptionRemove = 0x20

	subscriptionMaskSink      = 0x0001
	subscriptionMaskSinkInput = 0x0004

	pendingNotifications = 256
)

// graphRequester is the request side of *proto.Client
type graphRequester interface {
	Request(req proto.RequestArgs, rpl proto.Reply) error
}

type notification struct {
	event uint32
	index uint32
}

// PulseGraph is a GraphSource reading sink inputs and sinks from the audio
// server's native protocol. Protocol callbacks only enqueue; requests are
// issued from a worker goroutine.
type PulseGraph struct {
	logger *zap.SugaredLogger

	client graphRequester
	conn   net.Conn

	notifications chan notification
	// set when notifications overflowed or listing failed; the worker re-enumerates
	resync int32

	known map[uint32]bool

	stopChannel chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPulseGraph creates an unconnected PulseGraph
func NewPulseGraph(logger *zap.SugaredLogger) *PulseGraph {
	return &PulseGraph{
		logger:        logger.Named("graph"),
		notifications: make(chan notification, pendingNotifications),
		known:         make(map[uint32]bool),
		stopChannel:   make(chan struct{}),
	}
}

// Start implements GraphSource
func (pg *PulseGraph) Start(events chan<- GraphEvent) error {
	client, conn, err := proto.Connect("")
	if err != nil {
		pg.logger.Warnw("Failed to connect to audio server", "error", err)
		return fmt.Errorf("connect to audio server: %w", err)
	}

	pg.client = client
	pg.conn = conn

	if err := client.Request(&proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("wavebar"),
		},
	}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	client.Callback = pg.onMessage

	if err := client.Request(&proto.Subscribe{
		Mask: subscriptionMaskSink | subscriptionMaskSinkInput,
	}, nil); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to graph events: %w", err)
	}

	pg.wg.Add(1)
	go pg.run(events)

	return nil
}

// Close implements GraphSource
func (pg *PulseGraph) Close() error {
	var err error

	pg.closeOnce.Do(func() {
		close(pg.stopChannel)

		if pg.conn != nil {
			err = pg.conn.Close()
		}

		pg.wg.Wait()
	})

	return err
}

// onMessage runs on the protocol's reader goroutine
func (pg *PulseGraph) onMessage(msg interface{}) {
	event, ok := msg.(*proto.SubscribeEvent)
	if !ok {
		return
	}

	select {
	case pg.notifications <- notification{event: uint32(event.Event), index: event.Index}:
	default:
		atomic.StoreInt32(&pg.resync, 1)
	}
}

func (pg *PulseGraph) run(events chan<- GraphEvent) {
	defer pg.wg.Done()

	if !pg.enumerate(events) {
		return
	}

	for {
		select {
		case <-pg.stopChannel:
			return

		case n := <-pg.notifications:
			if atomic.CompareAndSwapInt32(&pg.resync, 1, 0) {
				pg.logger.Debug("Graph out of sync, re-enumerating")
				if !pg.enumerate(events) {
					return
				}
			}

			ev, ok := pg.translate(n)
			if ok && !pg.emit(events, ev) {
				return
			}
		}
	}
}

// enumerate reports every current stream as appeared and every known one
// that vanished as removed. A failed listing is retried on the next
// notification. It returns false once stopped.
func (pg *PulseGraph) enumerate(events chan<- GraphEvent) bool {
	var list proto.GetSinkInputInfoListReply
	if err := pg.client.Request(&proto.GetSinkInputInfoList{}, &list); err != nil {
		pg.logger.Warnw("Failed to list sink inputs, retrying on the next event", "error", err)
		atomic.StoreInt32(&pg.resync, 1)
		return true
	}

	seen := make(map[uint32]bool, len(list))
	for _, info := range list {
		seen[info.SinkInputIndex] = true
		if !pg.emit(events, GraphEvent{Type: StreamAppeared, ObjectID: info.SinkInputIndex, Record: recordFromSinkInput(info)}) {
			return false
		}
	}

	for index := range pg.known {
		if !seen[index] {
			if !pg.emit(events, GraphEvent{Type: StreamRemoved, ObjectID: index}) {
				return false
			}
		}
	}

	pg.logger.Debugw("Enumerated sink inputs", "count", len(list))

	return true
}

// translate turns a subscription notification into a GraphEvent, querying
// the server for the record of new or changed streams
func (pg *PulseGraph) translate(n notification) (GraphEvent, bool) {
	facility := n.event & subscriptionFacilityMask
	kind := n.event & subscriptionTypeMask

	switch {
	case facility == facilitySinkInput && kind == subscriptionRemove:
		return GraphEvent{Type: StreamRemoved, ObjectID: n.index}, true

	case facility == facilitySinkInput && (kind == subscriptionNew || kind == subscriptionChange):
		var info proto.GetSinkInputInfoReply
		if err := pg.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: n.index}, &info); err != nil {
			// gone again before we asked
			pg.logger.Debugw("Failed to get sink input info", "index", n.index, "error", err)
			return GraphEvent{}, false
		}
		rec := recordFromSinkInput(&info)
		pg.logger.Debugw("Sink input appeared",
			"index", n.index,
			"objectSerial", propString(info.Properties, "object.serial"),
			"app", rec.AppName)

		return GraphEvent{Type: StreamAppeared, ObjectID: n.index, Record: rec}, true

	case facility == facilitySink && kind == subscriptionRemove:
		return GraphEvent{Type: DeviceRemoved, ObjectID: n.index}, true
	}

	return GraphEvent{}, false
}

func (pg *PulseGraph) emit(events chan<- GraphEvent, ev GraphEvent) bool {
	switch ev.Type {
	case StreamAppeared:
		pg.known[ev.ObjectID] = true
	case StreamRemoved:
		delete(pg.known, ev.ObjectID)
	}

	select {
	case events <- ev:
		return true
	case <-pg.stopChannel:
		return false
	}
}

// the sink input index doubles as the stream serial pactl reports
func recordFromSinkInput(info *proto.GetSinkInputInfoReply) GraphObjectRecord {
	return GraphObjectRecord{
		ObjectID:       info.SinkInputIndex,
		StreamSerial:   int32(info.SinkInputIndex),
		OutputDeviceID: info.SinkIndex,
		NodeName:       propString(info.Properties, "node.name"),
		AppName:        propString(info.Properties, "application.name"),
	}
}

func propString(props proto.PropList, key string) string {
	entry, ok := props[key]
	if !ok || len(entry) == 0 {
		return ""
	}

	return entry.String()
}
