package serve

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets/codec"
	"github.com/tmaxmax/go-sse"
)

// EndpointEvent is the type of the first event of every event stream.  Its data is the path,
// relative to the stream, that the client must POST its frames to.
const EndpointEvent = `endpoint`

// serveEvents opens an event stream session.  Outbound frames are sent as unnamed events, one
// frame per event.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) error {
	events, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := make(chan []byte)
	sess := newSession(ctx, &s.config, codec.JSON, func(ctx context.Context, frame []byte) error {
		select {
		case out <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sess.onClose = cancel
	if !s.open(sess) {
		http.Error(w, `server shutting down`, http.StatusServiceUnavailable)
		return nil
	}
	defer sess.wait()
	defer cancel()
	defer s.drop(sess)

	endpoint := sse.Message{Type: sse.Type(EndpointEvent)}
	endpoint.AppendData(r.URL.Path + `?session=` + sess.id)
	err = send(events, &endpoint)
	if err != nil {
		return err
	}
	hog.For(r).Debug().Str(`session`, sess.id).Msg(`event stream opened`)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-out:
			var msg sse.Message
			msg.AppendData(string(frame))
			err = send(events, &msg)
			if err != nil {
				return err
			}
		}
	}
}

func send(events *sse.Session, msg *sse.Message) error {
	err := events.Send(msg)
	if err != nil {
		return err
	}
	return events.Flush()
}

// servePost delivers one frame to the event stream session named by the "session" query
// parameter.
func (s *Server) servePost(w http.ResponseWriter, r *http.Request) error {
	id := r.URL.Query().Get(`session`)
	sess := s.lookup(id)
	if sess == nil {
		http.Error(w, `unknown session`, http.StatusNotFound)
		return nil
	}
	body := r.Body
	if s.readLimit >= 0 {
		body = http.MaxBytesReader(w, body, s.readLimit)
	}
	frame, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return fmt.Errorf(`%w while reading frame for session %v`, err, id)
	}
	sess.receive(frame)
	w.WriteHeader(http.StatusAccepted)
	return nil
}
