package strategy

import (
	"sync"

	"github.com/alexjbarnes/otr-sync/internal/transport"
)

// RequestPromises runs ad-hoc requests queued from any goroutine and
// hands back their response.
type RequestPromises struct {
	status *ApplicationStatus
	wake   func()
	gate   *Gate

	mu    sync.Mutex
	queue []*transport.Request
}

func NewRequestPromises(d Deps) *RequestPromises {
	p := &RequestPromises{status: d.Status, wake: d.wake}
	p.gate = NewGate(d.Status, DefaultGateConfig, generatorFunc(p.next))

	return p
}

// Enqueue queues req. The channel receives exactly one response.
func (p *RequestPromises) Enqueue(req *transport.Request) <-chan *transport.Response {
	ch := make(chan *transport.Response, 1)
	req.OnComplete(func(resp *transport.Response) { ch <- resp })

	p.mu.Lock()
	p.queue = append(p.queue, req)
	p.mu.Unlock()

	p.wake()

	return ch
}

// Len returns the number of queued requests.
func (p *RequestPromises) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

func (p *RequestPromises) NextRequest() *transport.Request {
	if p.status.ClientDeleted() {
		return nil
	}

	return p.gate.NextRequest()
}

func (p *RequestPromises) next() *transport.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil
	}

	req := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	return req
}
