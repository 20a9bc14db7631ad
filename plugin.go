package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailsync/directory"
	"github.com/rbaliyan/mailsync/store"
)

// Plugin extends the service. Init runs on Connect in registration order and
// Close runs on Close in reverse order.
type Plugin interface {
	Name() string
	Init(ctx context.Context) error
	Close(ctx context.Context) error
}

// CopyHook may veto a copy after its arguments validate and before any
// email is processed.
type CopyHook interface {
	Plugin
	BeforeCopy(ctx context.Context, token directory.AccessToken, req *CopyRequest) error
}

// CommitHook observes every durable state change in-process. The mutation
// has already committed, so an error is only logged.
type CommitHook interface {
	Plugin
	AfterCommit(ctx context.Context, sc *store.StateChange) error
}

// PluginError reports which plugin failed and in which phase.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// plugins dispatches lifecycle calls and hooks. started counts the plugins
// whose Init succeeded so Close never reaches one that was not started.
type plugins struct {
	logger  *slog.Logger
	list    []Plugin
	copy    []CopyHook
	commit  []CommitHook
	started int
}

func newPlugins(logger *slog.Logger, list []Plugin) *plugins {
	ps := &plugins{logger: logger, list: list}
	for _, p := range list {
		if h, ok := p.(CopyHook); ok {
			ps.copy = append(ps.copy, h)
		}
		if h, ok := p.(CommitHook); ok {
			ps.commit = append(ps.commit, h)
		}
	}
	return ps
}

// start initializes plugins in order. If one fails the ones already started
// are closed again.
func (ps *plugins) start(ctx context.Context) error {
	for _, p := range ps.list[ps.started:] {
		if err := p.Init(ctx); err != nil {
			if cerr := ps.stop(ctx); cerr != nil {
				ps.logger.Error("plugin rollback incomplete", "error", cerr)
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
		ps.started++
	}
	return nil
}

func (ps *plugins) stop(ctx context.Context) error {
	var errs []error
	for ; ps.started > 0; ps.started-- {
		p := ps.list[ps.started-1]
		if err := p.Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: p.Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

func (ps *plugins) beforeCopy(ctx context.Context, token directory.AccessToken, req *CopyRequest) error {
	for _, h := range ps.copy {
		if err := h.BeforeCopy(ctx, token, req); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeCopy", Err: err}
		}
	}
	return nil
}

func (ps *plugins) afterCommit(ctx context.Context, sc *store.StateChange) {
	for _, h := range ps.commit {
		if err := h.AfterCommit(ctx, sc); err != nil {
			ps.logger.Error("commit hook failed", "plugin", h.Name(), "account_id", sc.AccountID, "error", err)
		}
	}
}
