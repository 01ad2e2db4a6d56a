// Package service is the public surface of the block store: it wires
// the store, the reference extractor, the eviction event stream and the
// metrics handle together and instruments every operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WanderningMaster/blockvault/configuration"
	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/dag"
	"github.com/WanderningMaster/blockvault/internal/logging"
	"github.com/WanderningMaster/blockvault/internal/metrics"
	"github.com/WanderningMaster/blockvault/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrNotFound = errors.New("block not found")

type Service struct {
	store *store.Store
	cfg   configuration.Config
	met   *metrics.Handle
	reg   prometheus.Registerer
	coll  prometheus.Collector
	queue *eventQueue
	log   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

type options struct {
	ext store.ReferenceExtractor
	reg prometheus.Registerer
	log *slog.Logger
}

type Option func(*options)

// WithExtractor overrides the default dag extractor used to follow
// block references.
func WithExtractor(ext store.ReferenceExtractor) Option {
	return func(o *options) { o.ext = ext }
}

// WithMetrics registers the service's metrics against r. They are
// unregistered again on Close.
func WithMetrics(r prometheus.Registerer) Option {
	return func(o *options) { o.reg = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Open builds the service on top of a store opened from cfg and starts
// the background garbage collection loop.
func Open(cfg configuration.Config, opts ...Option) (*Service, error) {
	o := options{ext: dag.Extractor{}, log: logging.Nop()}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{
		cfg:   cfg,
		reg:   o.reg,
		queue: newEventQueue(),
		log:   logging.WithComponent(o.log, "service"),
		done:  make(chan struct{}),
	}

	tracker := eventTracker{CacheTracker: store.NewLRUTracker(), queue: s.queue}
	st, err := store.Open(cfg, o.ext, store.WithTracker(tracker), store.WithLogger(o.log))
	if err != nil {
		s.queue.close()
		return nil, err
	}
	s.store = st

	if s.reg != nil {
		s.met = metrics.New()
		if err := s.met.Register(s.reg); err != nil {
			_ = st.Close()
			s.queue.close()
			return nil, err
		}
		s.coll = metrics.NewStoreCollector(func() (uint64, uint64, error) {
			stats, err := st.Stat(context.Background())
			if err != nil {
				return 0, 0, err
			}
			return stats.Count, stats.Size, nil
		})
		if err := s.reg.Register(s.coll); err != nil {
			s.met.Unregister(s.reg)
			_ = st.Close()
			s.queue.close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.gcLoop(ctx, cfg.GCInterval)

	s.log.Info("service started",
		"path", cfg.Path,
		"max_blocks", cfg.MaxBlocks,
		"max_bytes", cfg.MaxBytes,
		"gc_interval", cfg.GCInterval,
	)
	return s, nil
}

// Events is the eviction notification stream: one EventRemove per
// deleted block, in deletion order. The channel closes on Close;
// undelivered events are dropped then.
func (s *Service) Events() <-chan Event {
	return s.queue.out
}

// Close stops the background loop, closes the store and tears down the
// event stream and metrics registrations. Safe to call twice.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done
	err := s.store.Close()
	s.queue.close()
	if s.reg != nil {
		s.met.Unregister(s.reg)
		s.reg.Unregister(s.coll)
	}
	s.log.Info("service stopped")
	return err
}

func (s *Service) gcLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.store.Evict(ctx); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, store.ErrClosed) {
				s.log.Error("background gc", "err", err)
			}
		}
	}
}

// TempPin creates an empty ephemeral pin. Its protection lasts until
// Release or process exit, whichever comes first.
func (s *Service) TempPin() *store.TempPin {
	finish := s.met.Observe("temp_pin")
	pin := s.store.TempPin()
	finish(nil)
	return pin
}

// AssignTempPin adds cids to pin's protected set.
func (s *Service) AssignTempPin(ctx context.Context, pin *store.TempPin, cids ...block.CID) error {
	finish := s.met.Observe("assign_temp_pin")
	err := s.store.Assign(ctx, pin, cids...)
	finish(err)
	return err
}

// CIDs lists every stored block cid.
func (s *Service) CIDs(ctx context.Context) ([]block.CID, error) {
	finish := s.met.Observe("iter")
	cids, err := s.store.CIDs(ctx)
	finish(err)
	return cids, err
}

func (s *Service) Contains(ctx context.Context, c block.CID) (bool, error) {
	finish := s.met.Observe("contains")
	ok, err := s.store.Has(ctx, c)
	finish(err)
	return ok, err
}

// Get returns the stored bytes for c, or nil when absent.
func (s *Service) Get(ctx context.Context, c block.CID) ([]byte, error) {
	finish := s.met.Observe("get")
	data, err := s.store.Get(ctx, c)
	finish(err)
	return data, err
}

// Insert stores a block, optionally under a temp pin.
func (s *Service) Insert(ctx context.Context, b *block.Block, pin *store.TempPin) error {
	finish := s.met.Observe("insert")
	err := s.store.Put(ctx, b, pin)
	finish(err)
	return err
}

// Evict runs a full garbage collection sweep to its fixed point.
func (s *Service) Evict(ctx context.Context) error {
	finish := s.met.Observe("evict")
	err := s.store.Evict(ctx)
	finish(err)
	return err
}

// Alias binds name to c; a nil c removes the binding.
func (s *Service) Alias(ctx context.Context, name []byte, c *block.CID) error {
	finish := s.met.Observe("alias")
	err := s.store.SetAlias(ctx, name, c)
	finish(err)
	return err
}

// Resolve returns the cid bound to name, or nil when the alias does not
// exist.
func (s *Service) Resolve(ctx context.Context, name []byte) (*block.CID, error) {
	finish := s.met.Observe("resolve")
	c, err := s.store.Resolve(ctx, name)
	finish(err)
	return c, err
}

func (s *Service) Aliases(ctx context.Context) ([]store.AliasEntry, error) {
	finish := s.met.Observe("aliases")
	entries, err := s.store.Aliases(ctx)
	finish(err)
	return entries, err
}

// ReverseAlias lists the alias names protecting c. ok is false when c
// is not stored.
func (s *Service) ReverseAlias(ctx context.Context, c block.CID) ([][]byte, bool, error) {
	finish := s.met.Observe("reverse_alias")
	names, ok, err := s.store.ReverseAlias(ctx, c)
	finish(err)
	return names, ok, err
}

// MissingBlocks lists referenced but absent cids under c.
func (s *Service) MissingBlocks(ctx context.Context, c block.CID) ([]block.CID, error) {
	finish := s.met.Observe("missing_blocks")
	missing, err := s.store.MissingBlocks(ctx, c)
	finish(err)
	return missing, err
}

// Flush makes all prior writes durable before returning.
func (s *Service) Flush(ctx context.Context) error {
	finish := s.met.Observe("flush")
	err := s.store.Flush(ctx)
	finish(err)
	return err
}

func (s *Service) Stat(ctx context.Context) (store.Stats, error) {
	finish := s.met.Observe("stat")
	stats, err := s.store.Stat(ctx)
	finish(err)
	return stats, err
}

// blockSource adapts the service to the dag package's block interfaces.
// Inserts go through the given temp pin so a partially built dag stays
// protected until it is anchored.
type blockSource struct {
	s   *Service
	pin *store.TempPin
}

func (b blockSource) PutBlock(ctx context.Context, blk *block.Block) error {
	return b.s.Insert(ctx, blk, b.pin)
}

func (b blockSource) GetBlock(ctx context.Context, c block.CID) (*block.Block, error) {
	return b.s.loadBlock(ctx, c)
}

func (s *Service) loadBlock(ctx context.Context, c block.CID) (*block.Block, error) {
	raw, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	b, err := block.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if b.CID != c {
		return nil, fmt.Errorf("stored bytes for %s decode to %s", c, b.CID)
	}
	return b, nil
}

// AddFromReader chunks r into a dag, stores every block under a temp
// pin and returns the manifest cid. A non-empty alias is bound to the
// manifest before the pin is released, so the dag is never unprotected.
func (s *Service) AddFromReader(ctx context.Context, name string, r io.Reader, alias []byte) (block.CID, error) {
	pin := s.TempPin()
	defer pin.Release()

	builder := dag.DefaultBuilder(blockSource{s: s, pin: pin})
	_, cid, err := builder.BuildFromReader(ctx, name, r)
	if err != nil {
		return block.CID{}, err
	}
	if len(alias) > 0 {
		if err := s.Alias(ctx, alias, &cid); err != nil {
			return block.CID{}, err
		}
	}
	return cid, nil
}

func (s *Service) AddFromPath(ctx context.Context, inPath string, alias []byte) (block.CID, error) {
	name := filepath.Base(inPath)
	if strings.TrimSpace(name) == "" || name == "." || name == string(filepath.Separator) {
		name = "file"
	}
	f, err := os.Open(inPath)
	if err != nil {
		return block.CID{}, err
	}
	defer f.Close()
	return s.AddFromReader(ctx, name, f, alias)
}

// Fetch reassembles the content behind a manifest cid.
func (s *Service) Fetch(ctx context.Context, c block.CID) ([]byte, error) {
	return dag.Fetch(ctx, blockSource{s: s}, c)
}
