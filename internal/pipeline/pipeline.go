// Package pipeline wires listeners, parsers, the field mapper, the delivery
// queue and the journal writer into one running unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usrlog/journal-relay/internal/config"
	"github.com/usrlog/journal-relay/internal/journal"
	"github.com/usrlog/journal-relay/internal/listener"
	"github.com/usrlog/journal-relay/internal/mapping"
	"github.com/usrlog/journal-relay/internal/metrics"
	"github.com/usrlog/journal-relay/internal/model"
	"github.com/usrlog/journal-relay/internal/parse"
	"github.com/usrlog/journal-relay/internal/queue"
)

// endpointPath couples one listener with its wire-format parser.
type endpointPath struct {
	listener listener.Listener
	parser   parse.Parser
}

// Pipeline coordinates the ingestion-to-delivery flow for one immutable
// configuration. A configuration change is applied by draining this
// instance and starting a new one.
type Pipeline struct {
	cfg     *config.Config
	log     *logrus.Entry
	metrics *metrics.Registry
	queue   *queue.Queue
	writer  *journal.Writer
	mapper  *mapping.Mapper
	paths   []endpointPath

	mu         sync.Mutex
	killWriter context.CancelFunc
	killRun    context.CancelFunc
}

// Options inject alternates for testing.
type Options struct {
	// ListenerOpts are passed to every listener constructor.
	ListenerOpts []listener.Option
}

// New builds a pipeline from an already-loaded configuration. Any
// configuration error (invalid rule set, endpoint or policy) is fatal here:
// the pipeline never starts.
func New(cfg *config.Config, transport journal.Transport, log *logrus.Entry, opts ...Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	mapper, err := mapping.New(cfg.Mapping.Rules)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		log:     log.WithField("component", "pipeline"),
		metrics: metrics.NewRegistry(),
		mapper:  mapper,
	}

	for _, ep := range cfg.Endpoints {
		parser, err := parse.New(ep.Format)
		if err != nil {
			return nil, fmt.Errorf("configuration error: endpoint %q: %w", ep.Name, err)
		}
		ln, err := listener.New(ep, p.metrics, log, o.ListenerOpts...)
		if err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
		p.paths = append(p.paths, endpointPath{listener: ln, parser: parser})
	}

	p.queue = queue.New(cfg.Queue.Capacity, cfg.Queue.Policy)
	p.writer = journal.NewWriter(p.queue, transport, cfg.Retry, p.metrics, log)

	return p, nil
}

// Run starts all producer paths and the journal writer, and blocks until
// ctx is cancelled (graceful shutdown) or a listener fails. On shutdown it
// stops intake, drains the queue bounded by the drain deadline, and releases
// all resources before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// The writer deliberately outlives runCtx so it can drain after the
	// producers stop; it is killed only by the drain deadline or Kill.
	writerCtx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()

	p.mu.Lock()
	p.killRun = cancelRun
	p.killWriter = cancelWriter
	p.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writer.Run(writerCtx)
	}()

	g, gctx := errgroup.WithContext(runCtx)
	for _, path := range p.paths {
		path := path
		handle := p.makeHandler(path.parser)
		g.Go(func() error {
			err := path.listener.Run(gctx, handle)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	p.log.Infof("pipeline started: endpoints=%d, queue=%d/%s",
		len(p.paths), p.cfg.Queue.Capacity, p.cfg.Queue.Policy)

	err := g.Wait()

	// Producers are gone: stop intake and flush what is queued.
	p.writer.BeginDrain()
	p.queue.Close()

	select {
	case <-writerDone:
	case <-time.After(p.cfg.Drain.Timeout):
		p.log.Warnf("drain deadline %s elapsed with %d records queued",
			p.cfg.Drain.Timeout, p.queue.Len())
		cancelWriter()
		<-writerDone
	}

	s := p.metrics.Snapshot()
	p.log.Infof("pipeline stopped: accepted=%d submitted=%d dropped=%d",
		s.Accepted, s.Submitted, s.Dropped())
	return err
}

// Kill requests an immediate stop: producers and the writer are cancelled
// and queued records are abandoned (counted, never silently).
func (p *Pipeline) Kill() {
	p.mu.Lock()
	killRun, killWriter := p.killRun, p.killWriter
	p.mu.Unlock()

	if killRun != nil {
		killRun()
	}
	if killWriter != nil {
		killWriter()
	}
}

// makeHandler builds the producer path for one endpoint: parse, map,
// enqueue. The handler runs on the connection's goroutine, so blocking in
// Enqueue throttles exactly that connection.
func (p *Pipeline) makeHandler(parser parse.Parser) listener.Handler {
	return func(ctx context.Context, conn *model.ConnContext, raw []byte) {
		p.metrics.Accepted.Inc()

		kv, err := parser.Parse(raw)
		if err != nil {
			p.metrics.ParseErrors.Inc()
			p.log.Debugf("dropping malformed record: endpoint=%s remote=%s: %v",
				conn.Endpoint, conn.Remote, err)
			return
		}
		p.metrics.Parsed.Inc()

		rec, err := p.mapper.Map(kv)
		if err != nil {
			p.metrics.MapErrors.Inc()
			p.log.Debugf("dropping unmappable record: endpoint=%s remote=%s: %v",
				conn.Endpoint, conn.Remote, err)
			return
		}
		p.metrics.Mapped.Inc()

		rec.Source = conn.Endpoint
		rec.ConnSeq = conn.NextSeq()

		evicted, err := p.queue.Enqueue(ctx, rec)
		if evicted != nil {
			p.metrics.DroppedEvicted.Inc()
			p.log.Debugf("evicted oldest queued record: seq=%d", evicted.Seq)
		}
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrFull):
			p.metrics.DroppedQueueFull.Inc()
		default:
			// Shutdown raced the enqueue; the record never entered the
			// queue and is shed with the drain drops.
			p.metrics.DroppedDrain.Inc()
		}
	}
}

// Counters returns a read-only snapshot of the pipeline counters.
func (p *Pipeline) Counters() metrics.Snapshot {
	return p.metrics.Snapshot()
}

// Metrics returns the live counter registry, e.g. for Prometheus exposure.
func (p *Pipeline) Metrics() *metrics.Registry {
	return p.metrics
}

// WriterState reports the journal writer's health for the metrics boundary.
func (p *Pipeline) WriterState() journal.State {
	return p.writer.State()
}

// EndpointCount returns the number of configured input endpoints.
func (p *Pipeline) EndpointCount() int {
	return len(p.paths)
}
