// Package server dispatches control-protocol commands (§6) against the
// pipeline executor, job store, task manager, and cleanup components,
// the way the original websocket handler's big if/elif chain did —
// split here into one function per command instead, since Go has no
// equivalent of Python's single async handler closing over module
// globals.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/trainforge/trainforge/internal/cleanup"
	"github.com/trainforge/trainforge/internal/executor"
	"github.com/trainforge/trainforge/internal/protocol/wire"
	"github.com/trainforge/trainforge/internal/store"
	"github.com/trainforge/trainforge/internal/taskmanager"
)

// Deps are the components a Server dispatches control-protocol commands
// against.
type Deps struct {
	Store   store.Store
	Sched   *taskmanager.TaskManager
	Exec    *executor.Executor
	Cleaner *cleanup.Cleaner
	// RootDir is the directory pipeline-directory paths in START/SHOW
	// requests are resolved relative to.
	RootDir string
	// DataDir is passed through to pipelinefile.Load as the run
	// directory root; it is not used directly by this package.
	DataDir string
}

// Server dispatches one connection's request frames to the matching
// command handler.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New builds a Server.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: logger}
}

// Serve reads request frames from rwc until it returns io.EOF or ctx is
// done, dispatching each to its command handler and writing the
// handler's response frame(s). A handler error not already reported as
// its own ERROR frame is converted to one here, the way the Python
// handler's outer try/except catches anything that escapes the
// per-command branch.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriter) error {
	dec := wire.NewDecoder(rwc)
	enc := wire.NewEncoder(rwc)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		s.logger.Info("received command", zap.String("command", req.Command))
		if err := s.dispatch(ctx, enc, req); err != nil {
			s.logger.Error("command failed", zap.String("command", req.Command), zap.Error(err))
			if sendErr := enc.Err(err, nil); sendErr != nil {
				return sendErr
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, enc *wire.Encoder, req wire.Request) error {
	switch req.Command {
	case "START":
		return s.handleStart(ctx, enc, req.Request)
	case "STATUS":
		return s.handleStatus(ctx, enc, req.Request)
	case "CLEANUP":
		return s.handleCleanup(ctx, enc, req.Request)
	case "EVENTS":
		return s.handleEvents(ctx, enc, req.Request)
	case "DATA":
		return s.handleData(ctx, enc, req.Request)
	case "LOGS":
		return s.handleLogs(ctx, enc, req.Request)
	case "PING":
		return s.handlePing(ctx, enc, req.Request)
	case "SHOW":
		return s.handleShow(ctx, enc, req.Request)
	case "GENERATE":
		return s.handleGenerate(ctx, enc, req.Request)
	default:
		return fmt.Errorf("%s not found", req.Command)
	}
}

func decodeRequest(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// resolveResource looks up label's resource_type/resource_id from the
// store, the way EVENTS/LOGS resolve a user-visible task name before
// asking the Task Manager for anything k8s-side, mirroring k8s.py's
// ResourceHandler.get_events swapping in the stored resource_id before
// querying.
func resolveResource(ctx context.Context, st store.Store, label string) (resourceType, resourceID string, err error) {
	rec, err := st.Get(ctx, label)
	if err != nil {
		return "", "", err
	}
	resourceType, _ = rec["resource_type"].(string)
	resourceID, _ = rec["resource_id"].(string)
	if resourceType == "" {
		resourceType = "Pod"
	}
	if resourceID == "" {
		resourceID = label
	}
	return resourceType, resourceID, nil
}
