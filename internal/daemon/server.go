// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livingdata-co/pipex/internal/aggregator"
	"github.com/livingdata-co/pipex/internal/event"
	"github.com/livingdata-co/pipex/internal/history"
	"github.com/livingdata-co/pipex/internal/lifecycle"
	"github.com/livingdata-co/pipex/internal/log"
	"github.com/livingdata-co/pipex/internal/pipeline"
	"github.com/livingdata-co/pipex/internal/runner"
	"github.com/livingdata-co/pipex/internal/step"
	"github.com/livingdata-co/pipex/internal/telemetry"
	"github.com/livingdata-co/pipex/internal/workspace"
	"github.com/livingdata-co/pipex/pkg/executor"
)

// DefaultIdleTimeout is how long the server waits, after the last
// subscriber disconnects with no pipeline running, before shutting
// down.
const DefaultIdleTimeout = 5 * time.Second

// DefaultSubscriberEventRate caps how fast events are flushed to one
// NDJSON client connection. STEP_LOG can emit far faster than a human
// terminal (or a slow remote link) can drain; without a limit a stuck
// client's TCP-like backpressure over the Unix socket would stall
// Emit for every other subscriber sharing the same Reporter.
const DefaultSubscriberEventRate = 200

var ErrAlreadyRunning = errors.New("daemon: a pipeline is already running")

// Config configures a Server.
type Config struct {
	Workspace   *workspace.Workspace
	Executor    executor.Executor
	Kits        pipeline.KitResolver
	SocketPath  string
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// History, if set, records every finished run. Recording failures
	// are logged and otherwise ignored — history is an optional
	// convenience, never a gate on a pipeline's success.
	History *history.Store
	// Telemetry, if set, is attached to every run's pipeline and step
	// runners.
	Telemetry *telemetry.Provider
}

// Server is an NDJSON-over-Unix-socket daemon fronting one workspace.
// Adapted from internal/rpc.Server's shape (config, logger, connection
// tracking, shutdown-once) with the transport swapped from
// net/http+websocket to a raw net.Listen("unix", ...) line protocol, and
// its single-pipeline-at-a-time gate folded in directly rather than
// left to a caller.
type Server struct {
	ws     *workspace.Workspace
	exec   executor.Executor
	kits   pipeline.KitResolver
	logger *slog.Logger

	socketPath string
	lock       *lifecycle.DaemonLock
	listener   net.Listener

	history   *history.Store
	telemetry *telemetry.Provider

	idleTimeout time.Duration

	mu           sync.Mutex
	running      bool
	cancelRun    context.CancelFunc
	currentJobID string
	currentAgg   *aggregator.Aggregator
	lastSnapshot *aggregator.SessionState
	events       *event.Reporter
	stepRunner   *step.Runner

	subMu     sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
	idleTimer *time.Timer

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type subscriber struct {
	id   int
	mu   *sync.Mutex
	enc  *json.Encoder
	logs bool
}

func (s *subscriber) Publish(env event.Envelope) {
	if env.Type == event.TypeStepLog && !s.logs {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(eventMessage(env))
}

// New returns a Server ready to Start. It does not take the workspace
// lock or bind the socket until Start is called.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	events := event.NewReporter(cfg.Workspace.ID, "")
	return &Server{
		ws:          cfg.Workspace,
		exec:        cfg.Executor,
		kits:        cfg.Kits,
		logger:      logger,
		socketPath:  cfg.SocketPath,
		idleTimeout: idle,
		history:     cfg.History,
		telemetry:   cfg.Telemetry,
		events:      events,
		subs:        make(map[int]*subscriber),
		shutdownCh:  make(chan struct{}),
	}
}

// Start acquires the workspace lock and binds the Unix socket, then
// serves connections in a background goroutine. Call Shutdown to stop.
func (s *Server) Start(ctx context.Context) error {
	s.lock = lifecycle.NewDaemonLock(s.ws.DaemonLockPath())
	if err := s.lock.Acquire(lifecycle.DaemonInfo{SocketPath: s.socketPath}); err != nil {
		return fmt.Errorf("acquire workspace lock: %w", err)
	}

	// A socket file left behind by an unclean shutdown would otherwise
	// make net.Listen fail with "address already in use" even though
	// nothing is listening on it — the lock above is the real mutual
	// exclusion; the stale inode is just debris.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.lock.Release()
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	s.logger.Info("daemon listening", "socket", s.socketPath, "workspace", s.ws.ID)
	s.resetIdleTimer()

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.logger.Error("accept error", "error", err)
				return
			}
		}
		s.cancelIdleTimer()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	subID := -1

	correlationID := uuid.New().String()
	connLogger := log.WithCorrelationID(s.logger, correlationID)
	mw := log.NewRPCMiddleware(connLogger)
	remote := conn.RemoteAddr().String()

	defer func() {
		if subID >= 0 {
			s.removeSubscriber(subID)
		}
		s.maybeArmIdleTimer()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		cmd, err := parseCommand(line)
		if err != nil {
			writeMu.Lock()
			_ = enc.Encode(errorMessage(ErrCodeUnknownCommand, err.Error()))
			writeMu.Unlock()
			continue
		}

		req := &log.RPCRequest{
			MessageType:   string(cmd.Type),
			CorrelationID: correlationID,
			RemoteAddr:    remote,
		}

		_ = mw.Handler(req, func() error {
			switch cmd.Type {
			case CommandRun:
				s.handleRun(cmd, &writeMu, enc)
			case CommandStatus:
				s.handleStatus(&writeMu, enc)
			case CommandSubscribe:
				if subID < 0 {
					subID = s.addSubscriber(&writeMu, enc, cmd.Logs)
				}
			case CommandCancel:
				s.handleCancel()
			default:
				writeMu.Lock()
				_ = enc.Encode(errorMessage(ErrCodeUnknownCommand, string(cmd.Type)))
				writeMu.Unlock()
				return fmt.Errorf("unknown command: %s", cmd.Type)
			}
			return nil
		})
	}
}

func (s *Server) handleRun(cmd Command, writeMu *sync.Mutex, enc *json.Encoder) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeMu.Lock()
		_ = enc.Encode(errorMessage(ErrCodeAlreadyRunning, ErrAlreadyRunning.Error()))
		writeMu.Unlock()
		return
	}

	def, err := pipeline.ParseDefinition([]byte(cmd.Pipeline))
	if err != nil {
		s.mu.Unlock()
		writeMu.Lock()
		_ = enc.Encode(errorMessage(ErrCodeInvalidPipeline, err.Error()))
		writeMu.Unlock()
		return
	}
	p, err := pipeline.Resolve(def, cmd.Root, s.kits)
	if err != nil {
		s.mu.Unlock()
		writeMu.Lock()
		_ = enc.Encode(errorMessage(ErrCodeInvalidPipeline, err.Error()))
		writeMu.Unlock()
		return
	}

	jobID := uuid.New().String()
	s.running = true
	s.currentJobID = jobID
	s.currentAgg = aggregator.New(s.ws.ID, jobID)
	s.events.Subscribe("__aggregator__", s.currentAgg, 0)

	opts := runner.Options{JobID: jobID}
	if cmd.Options != nil {
		opts.Target = cmd.Options.Target
		opts.Concurrency = cmd.Options.Concurrency
		opts.Force = cmd.Options.Force
		opts.DryRun = cmd.Options.DryRun
		opts.Ephemeral = cmd.Options.Ephemeral
		opts.Env = cmd.Options.Env
	}
	s.mu.Unlock()

	writeMu.Lock()
	_ = enc.Encode(ackMessage(jobID))
	writeMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	go s.runPipeline(runCtx, p, opts)
}

func (s *Server) runPipeline(ctx context.Context, p *pipeline.Pipeline, opts runner.Options) {
	if s.stepRunner == nil {
		s.logger.Error("daemon has no step runner wired")
	}
	r := runner.New(s.ws, s.exec, s.stepRunner, s.events)
	if s.telemetry != nil {
		r.WithTelemetry(s.telemetry)
	}
	err := r.Run(ctx, p, opts)

	s.mu.Lock()
	s.events.Unsubscribe("__aggregator__")
	snap := s.currentAgg.Snapshot()
	s.lastSnapshot = &snap
	s.currentAgg = nil
	s.running = false
	s.cancelRun = nil
	s.mu.Unlock()

	if s.history != nil {
		if recErr := s.history.Record(context.Background(), snap); recErr != nil {
			s.logger.Warn("failed to record run history", "job", snap.JobID, "error", recErr)
		}
	}

	s.broadcastDone(err == nil)
	s.maybeArmIdleTimer()
}

func (s *Server) broadcastDone(success bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		sub.mu.Lock()
		_ = sub.enc.Encode(doneMessage(success))
		sub.mu.Unlock()
	}
}

func (s *Server) handleStatus(writeMu *sync.Mutex, enc *json.Encoder) {
	s.mu.Lock()
	var snap *aggregator.SessionState
	if s.currentAgg != nil {
		v := s.currentAgg.Snapshot()
		snap = &v
	} else {
		snap = s.lastSnapshot
	}
	s.mu.Unlock()

	writeMu.Lock()
	defer writeMu.Unlock()
	if snap == nil {
		_ = enc.Encode(errorMessage(ErrCodeNoActiveSession, "no pipeline has run in this workspace yet"))
		return
	}
	_ = enc.Encode(stateMessage(snap))
}

func (s *Server) handleCancel() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) addSubscriber(writeMu *sync.Mutex, enc *json.Encoder, logs bool) int {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{id: id, mu: writeMu, enc: enc, logs: logs}
	s.subs[id] = sub
	s.subMu.Unlock()

	s.events.Subscribe(fmt.Sprintf("sub-%d", id), sub, DefaultSubscriberEventRate)
	return id
}

func (s *Server) removeSubscriber(id int) {
	s.subMu.Lock()
	delete(s.subs, id)
	s.subMu.Unlock()
	s.events.Unsubscribe(fmt.Sprintf("sub-%d", id))
}

func (s *Server) subscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Server) cancelIdleTimer() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Server) resetIdleTimer() {
	s.cancelIdleTimer()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running && s.subscriberCount() == 0 {
			s.logger.Info("daemon idle, shutting down", "workspace", s.ws.ID)
			_ = s.Shutdown(context.Background())
		}
	})
}

// maybeArmIdleTimer starts the auto-shutdown countdown if no pipeline
// is running and no subscriber remains connected.
func (s *Server) maybeArmIdleTimer() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running && s.subscriberCount() == 0 {
		s.resetIdleTimer()
	}
}

// Shutdown stops accepting connections, closes the listener, and
// releases the workspace lock. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.cancelIdleTimer()
		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.lock != nil {
			if lockErr := s.lock.Release(); lockErr != nil && err == nil {
				err = lockErr
			}
		}
	})
	return err
}

// SetStepRunner wires the step runner the daemon drives pipelines
// through. Split from New/Start so a caller can build the step runner
// against this same Server's event reporter first.
func (s *Server) SetStepRunner(r *step.Runner) {
	s.stepRunner = r
}

// Events returns the reporter every run's events are published
// through, for a caller that wants to wire its own collaborators
// (e.g. a step runner) against the same reporter instance.
func (s *Server) Events() *event.Reporter {
	return s.events
}
