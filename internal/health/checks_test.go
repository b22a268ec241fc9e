package health

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/docvox/internal/pipeline"
	"github.com/MrWong99/docvox/internal/session"
	"github.com/MrWong99/docvox/internal/worker"
	sttmock "github.com/MrWong99/docvox/pkg/provider/stt/mock"
)

type fakePool struct{ saturated bool }

func (f fakePool) Saturated() bool { return f.saturated }
func (f fakePool) Size() int       { return 8 }

func TestProviders(t *testing.T) {
	t.Parallel()

	p := &pipeline.Pipeline{Transcriber: &pipeline.Transcriber{Provider: &sttmock.Provider{}}}
	c := Providers(p)
	if c.Name != "providers" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("partial pipeline reported ready")
	}
}

func TestWorkers(t *testing.T) {
	t.Parallel()

	if err := Workers(worker.New(2)).Check(context.Background()); err != nil {
		t.Errorf("idle pool: %v", err)
	}
	err := Workers(fakePool{saturated: true}).Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "8 workers") {
		t.Errorf("saturated pool: %v", err)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	m := session.NewManager()
	c := Sessions(m)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("before shutdown: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("still ready after shutdown")
	}
}
