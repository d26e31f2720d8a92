// Package ingress runs the HTTP listener that accepts notification
// submissions and feeds them to the delivery coordinator. Submissions
// are acknowledged with 202 before delivery is attempted; a buffered
// queue and a single dispatch loop preserve arrival order.
package ingress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "mxrelay/internal/runtime/supervisor"

	"mxrelay/internal/message"
	logx "mxrelay/pkg/logx"
)

// submitQueueSize bounds how many accepted submissions may wait for the
// dispatcher. A full queue answers 503 instead of blocking the handler.
const submitQueueSize = 256

// Submitter hands an accepted submission to the delivery pipeline.
type Submitter interface {
	Submit(ctx context.Context, msg *message.Message) error
}

type Config struct {
	Listen       string
	APIKey       string
	MaxBodyBytes int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	CertFile string
	KeyFile  string
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	submitter Submitter
	queue     chan *message.Message

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, submitter Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		submitter: submitter,
		queue:     make(chan *message.Message, submitQueueSize),
	}
}

// Reconfigure applies cfg and restarts the listener if needed.
// API key and body limit changes apply to the running server; they are
// read per request.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Listen != b.Listen {
		return true
	}
	if a.CertFile != b.CertFile || a.KeyFile != b.KeyFile {
		return true
	}
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout {
		return true
	}
	return false
}

// snapshot returns the current config; handlers call this per request
// so key rotation via hot-reload takes effect without a restart.
func (s *Service) snapshot() Config {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return cur
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "ingress"))),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.Go0("dispatch", s.dispatch)
		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)

		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ingress stopped")
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

// dispatch delivers accepted submissions one at a time, in arrival
// order. Delivery failures are the coordinator's to log; this loop
// only notes them at debug level.
func (s *Service) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(s.queue); n > 0 {
				s.log.Warn("ingress stopping with queued submissions", logx.Int("count", n))
			}
			return
		case m := <-s.queue:
			if err := s.submitter.Submit(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("submission not delivered",
					logx.String("message_id", m.ID),
					logx.Err(err),
				)
			}
		}
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cur := s.snapshot()
	log := s.log

	addr := strings.TrimSpace(cur.Listen)
	if addr == "" {
		addr = ":8080"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("ingress listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.router(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	tls := cur.CertFile != "" && cur.KeyFile != ""
	log.Info("ingress listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("tls", tls),
		logx.Bool("api_key_set", cur.APIKey != ""),
	)

	if tls {
		err = srv.ServeTLS(ln, cur.CertFile, cur.KeyFile)
	} else {
		err = srv.Serve(ln)
	}

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ingress server exited unexpectedly")
	}
	return err
}
