package rockets

import (
	"context"
	"sync"

	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/rockets-go/rockets/internal/protocol"
)

// A Batch tracks a frame of Requests and Notifications sent together.  It resolves with the
// server's responses, in the order the server sent them, once a single array frame holds a
// response for every Request in the batch.  A batch without Requests resolves with no responses
// as soon as it is sent.
type Batch struct {
	future[[]Response]
	client   *Client
	items    []Item
	ids      []string
	progress *Stream[Progress]

	agg     sync.Mutex
	latest  map[string]float64
	emitted float64
	hasLast bool
}

func newBatch(client *Client, items []Item) *Batch {
	b := &Batch{client: client, items: items, latest: make(map[string]float64)}
	b.init()
	for _, item := range items {
		if req, ok := itemRequest(item); ok {
			b.ids = append(b.ids, req.ID)
		}
	}
	if len(b.ids) > 0 {
		b.progress = newStream[Progress](true)
	} else {
		b.progress = emptyStream[Progress]()
	}
	return b
}

// Items returns the requests and notifications in the batch.
func (b *Batch) Items() []Item { return b.items }

// IDs returns the IDs of the requests in the batch, in order.
func (b *Batch) IDs() []string { return b.ids }

// On returns the stream for an event.  The "progress" stream emits the mean of the latest
// progress of every request in the batch whenever that mean changes.  Batches without requests
// and unknown events yield a stream that has already completed.
func (b *Batch) On(event string) *Stream[Progress] {
	if event != EventProgress || len(b.ids) == 0 {
		return emptyStream[Progress]()
	}
	return b.progress
}

// Cancel sends a new batch frame holding one "cancel" notification per request.  It does
// nothing if the batch has settled, a cancel was already sent, or the batch has no requests.
func (b *Batch) Cancel(ctx context.Context) error {
	if len(b.ids) == 0 || !b.beginCancel() {
		return nil
	}
	hog.From(b.client.ctx).Debug().Strs(`ids`, b.ids).Msg(`canceling batch`)
	frame := make([]any, len(b.ids))
	for i, id := range b.ids {
		frame[i] = NewNotification(protocol.Cancel, protocol.CancelParams{ID: id}).envelope()
	}
	if err := b.client.send(ctx, frame); err != nil {
		return err
	}
	return nil
}

// matches reports whether a response frame holds at least one response for every request.
func (b *Batch) matches(ids map[string]struct{}) bool {
	for _, id := range b.ids {
		if _, ok := ids[id]; !ok {
			return false
		}
	}
	return true
}

func (b *Batch) resolve(responses []Response) {
	if b.settle(responses, nil) {
		b.progress.finish(nil)
	}
}

func (b *Batch) reject(err error) {
	if b.settle(nil, err) {
		b.progress.finish(err)
	}
}

// onProgress folds the progress of one request into the batch aggregate, emitting it when it
// changes, and reports when the aggregate is complete.
func (b *Batch) onProgress(id string, p Progress) bool {
	b.agg.Lock()
	b.latest[id] = p.Amount
	var total float64
	for _, id := range b.ids {
		total += b.latest[id]
	}
	amount := total / float64(len(b.ids))
	changed := !b.hasLast || amount != b.emitted
	b.emitted, b.hasLast = amount, true
	b.agg.Unlock()

	if changed {
		b.progress.publish(Progress{Amount: amount})
	}
	return amount >= 1
}
