// Package enginetest provides an in-memory engine implementation for tests.
// Resources record their close order so tests can assert teardown
// sequencing without a media stack.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roomcast/roomcast/internal/media/engine"
)

var seq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// CloseLog records resource closures in order.
type CloseLog struct {
	mu      sync.Mutex
	entries []string
}

// Append records one closure.
func (l *CloseLog) Append(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns the recorded closures in order.
func (l *CloseLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Worker is a fake engine worker.
type Worker struct {
	id   string
	died chan error
	Log  *CloseLog

	// RouterErr, when set, fails CreateRouter.
	RouterErr error

	mu      sync.Mutex
	routers []*Router
	closed  bool
}

// NewWorker creates a fake worker.
func NewWorker() *Worker {
	return &Worker{
		id:   nextID("worker"),
		died: make(chan error, 1),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Died() <-chan error { return w.died }

// Kill simulates unrecoverable worker failure.
func (w *Worker) Kill(err error) {
	select {
	case w.died <- err:
	default:
	}
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := append([]*Router(nil), w.routers...)
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.Log.Append("worker:" + w.id)
	close(w.died)
}

func (w *Worker) CreateRouter(_ context.Context, opts engine.RouterOptions) (engine.Router, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, engine.ErrClosed
	}
	w.mu.Unlock()

	if w.RouterErr != nil {
		return nil, w.RouterErr
	}

	codecs := opts.MediaCodecs
	if len(codecs) == 0 {
		codecs = engine.DefaultMediaCodecs()
	}
	r := &Router{
		id:        nextID("router"),
		log:       w.Log,
		caps:      engine.RTPCapabilities{Codecs: codecs},
		producers: make(map[string]*Producer),
	}

	w.mu.Lock()
	w.routers = append(w.routers, r)
	w.mu.Unlock()
	return r, nil
}

// Router is a fake engine router.
type Router struct {
	id   string
	log  *CloseLog
	caps engine.RTPCapabilities

	// TransportErr, when set, fails CreateTransport.
	TransportErr error

	// CanConsumeFunc overrides the default consumability check.
	CanConsumeFunc func(producerID string, rtpCapabilities json.RawMessage) bool

	mu         sync.Mutex
	transports []*Transport
	producers  map[string]*Producer
	closed     bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() engine.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) CreateTransport(_ context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, engine.ErrClosed
	}
	r.mu.Unlock()

	if r.TransportErr != nil {
		return nil, r.TransportErr
	}

	t := &Transport{
		id:        nextID("transport"),
		direction: opts.Direction,
		opts:      opts,
		router:    r,
		log:       r.log,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if r.CanConsumeFunc != nil {
		return r.CanConsumeFunc(producerID, rtpCapabilities)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	return ok && !p.Closed() && len(rtpCapabilities) > 0
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := append([]*Transport(nil), r.transports...)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.log.Append("router:" + r.id)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Transport is a fake engine transport.
type Transport struct {
	id        string
	direction engine.Direction
	opts      engine.TransportOptions
	router    *Router
	log       *CloseLog

	// ConnectErr, ProduceErr and ConsumeErr force failures.
	ConnectErr error
	ProduceErr error
	ConsumeErr error

	mu             sync.Mutex
	connectedWith  json.RawMessage
	maxIncomingBps int
	producers      map[string]*Producer
	consumers      map[string]*Consumer
	dtlsHandlers   []func(engine.DTLSState)
	closeHandlers  []func()
	closed         bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Direction() engine.Direction { return t.direction }

func (t *Transport) Info() engine.TransportInfo {
	return engine.TransportInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"u","password":"p"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[]}`),
	}
}

func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrClosed
	}
	t.connectedWith = append(json.RawMessage(nil), dtlsParameters...)
	return nil
}

// ConnectedWith returns the parameters passed to Connect, nil before.
func (t *Transport) ConnectedWith() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectedWith
}

func (t *Transport) Produce(_ context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.direction != engine.DirectionSend {
		return nil, fmt.Errorf("transport %s cannot produce", t.id)
	}
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.mu.Unlock()

	p := &Producer{
		id:        nextID("producer"),
		kind:      opts.Kind,
		params:    opts.RTPParameters,
		paused:    opts.Paused,
		transport: t,
		log:       t.log,
		consumers: make(map[string]*Consumer),
	}

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.direction != engine.DirectionRecv {
		return nil, fmt.Errorf("transport %s cannot consume", t.id)
	}
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	source, ok := t.router.producer(opts.ProducerID)
	if !ok || source.Closed() {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}

	c := &Consumer{
		id:         nextID("consumer"),
		kind:       source.kind,
		producerID: source.id,
		params:     source.params,
		paused:     opts.Paused,
		transport:  t,
		log:        t.log,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	source.mu.Lock()
	source.consumers[c.id] = c
	source.mu.Unlock()
	return c, nil
}

func (t *Transport) SetMaxIncomingBitrate(bps int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrClosed
	}
	t.maxIncomingBps = bps
	return nil
}

// MaxIncomingBitrate returns the last value passed to SetMaxIncomingBitrate.
func (t *Transport) MaxIncomingBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxIncomingBps
}

// Options returns the options the transport was created with.
func (t *Transport) Options() engine.TransportOptions { return t.opts }

func (t *Transport) OnDTLSStateChange(fn func(engine.DTLSState)) {
	t.mu.Lock()
	t.dtlsHandlers = append(t.dtlsHandlers, fn)
	t.mu.Unlock()
}

// FireDTLSState invokes the registered DTLS handlers.
func (t *Transport) FireDTLSState(state engine.DTLSState) {
	t.mu.Lock()
	handlers := append([]func(engine.DTLSState){}, t.dtlsHandlers...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(state)
	}
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.closeHandlers = append(t.closeHandlers, fn)
	t.mu.Unlock()
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	handlers := append([]func(){}, t.closeHandlers...)
	t.mu.Unlock()

	for _, c := range consumers {
		c.transportClosed()
	}
	for _, p := range producers {
		p.transportClosed()
	}

	t.log.Append("transport:" + t.id)
	for _, fn := range handlers {
		fn()
	}
}

// Producer is a fake engine producer.
type Producer struct {
	id        string
	kind      engine.MediaKind
	params    json.RawMessage
	transport *Transport
	log       *CloseLog

	mu             sync.Mutex
	paused         bool
	consumers      map[string]*Consumer
	closeHandlers  []func()
	closed         bool
	closedByRemote bool
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() engine.MediaKind { return p.kind }

func (p *Producer) RTPParameters() json.RawMessage { return p.params }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.paused = false
	return nil
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	p.closedByRemote = true
	p.mu.Unlock()
	p.Close()
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	byRemote := p.closedByRemote
	handlers := append([]func(){}, p.closeHandlers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.producerClosed()
	}

	p.transport.router.mu.Lock()
	delete(p.transport.router.producers, p.id)
	p.transport.router.mu.Unlock()

	p.log.Append("producer:" + p.id)
	if byRemote {
		for _, fn := range handlers {
			fn()
		}
	}
}

// Consumer is a fake engine consumer.
type Consumer struct {
	id         string
	kind       engine.MediaKind
	producerID string
	params     json.RawMessage
	transport  *Transport
	log        *CloseLog

	// StatsValue is returned by Stats verbatim.
	StatsValue engine.ConsumerStats

	mu               sync.Mutex
	paused           bool
	producerHandlers []func()
	closeHandlers    []func()
	closed           bool
	closedByProducer bool
	closedByRemote   bool
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Kind() engine.MediaKind { return c.kind }

func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Stats() engine.ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StatsValue
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.producerHandlers = append(c.producerHandlers, fn)
	c.mu.Unlock()
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) producerClosed() {
	c.mu.Lock()
	c.closedByProducer = true
	c.mu.Unlock()
	c.Close()
}

func (c *Consumer) transportClosed() {
	c.mu.Lock()
	c.closedByRemote = true
	c.mu.Unlock()
	c.Close()
}

func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	byProducer := c.closedByProducer
	byRemote := c.closedByRemote
	producerHandlers := append([]func(){}, c.producerHandlers...)
	closeHandlers := append([]func(){}, c.closeHandlers...)
	c.mu.Unlock()

	if p, ok := c.transport.router.producer(c.producerID); ok {
		p.mu.Lock()
		delete(p.consumers, c.id)
		p.mu.Unlock()
	}

	c.log.Append("consumer:" + c.id)
	if byProducer {
		for _, fn := range producerHandlers {
			fn()
		}
	}
	if byRemote {
		for _, fn := range closeHandlers {
			fn()
		}
	}
}

// Picker is a fixed-worker picker for tests.
type Picker struct {
	Worker *Worker
}

func (p *Picker) Next() engine.Worker { return p.Worker }
