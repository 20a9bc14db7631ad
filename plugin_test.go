package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type lifecyclePlugin struct {
	name    string
	initErr error
	calls   *[]string
}

func (p *lifecyclePlugin) Name() string { return p.name }

func (p *lifecyclePlugin) Init(context.Context) error {
	*p.calls = append(*p.calls, "init "+p.name)
	return p.initErr
}

func (p *lifecyclePlugin) Close(context.Context) error {
	*p.calls = append(*p.calls, "close "+p.name)
	return nil
}

func TestPluginsLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("reverse close", func(t *testing.T) {
		var calls []string
		ps := newPlugins(slog.Default(), []Plugin{
			&lifecyclePlugin{name: "a", calls: &calls},
			&lifecyclePlugin{name: "b", calls: &calls},
		})
		if err := ps.start(ctx); err != nil {
			t.Fatal(err)
		}
		if err := ps.stop(ctx); err != nil {
			t.Fatal(err)
		}
		// A second stop closes nothing.
		if err := ps.stop(ctx); err != nil {
			t.Fatal(err)
		}
		want := []string{"init a", "init b", "close b", "close a"}
		if diff := cmp.Diff(want, calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("init failure rolls back", func(t *testing.T) {
		var calls []string
		boom := errors.New("boom")
		ps := newPlugins(slog.Default(), []Plugin{
			&lifecyclePlugin{name: "a", calls: &calls},
			&lifecyclePlugin{name: "b", calls: &calls, initErr: boom},
			&lifecyclePlugin{name: "c", calls: &calls},
		})
		err := ps.start(ctx)
		var pe *PluginError
		if !errors.As(err, &pe) || pe.Plugin != "b" || !errors.Is(err, boom) {
			t.Fatalf("start() = %v", err)
		}
		want := []string{"init a", "init b", "close a"}
		if diff := cmp.Diff(want, calls); diff != "" {
			t.Errorf("calls mismatch (-want +got):\n%s", diff)
		}
	})
}
