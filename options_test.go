package readback

import (
	"testing"
	"time"
)

func TestDefaultOptions(t *testing.T) {
	o := newOptions(nil)
	if o.entryPoint != DefaultEntryPoint {
		t.Errorf("entryPoint = %q, want %q", o.entryPoint, DefaultEntryPoint)
	}
	if o.label != "readback" {
		t.Errorf("label = %q", o.label)
	}
	if o.pollInterval != defaultPollInterval {
		t.Errorf("pollInterval = %v", o.pollInterval)
	}
	if o.provider != nil || o.onAdapter != nil {
		t.Error("unexpected provider or adapter hook")
	}
}

func TestOptions(t *testing.T) {
	noop := noopBackend(t)
	o := newOptions([]Option{
		WithBackends(noop),
		WithEntryPoint("compute_main"),
		WithLabel("probe"),
		WithPollInterval(5 * time.Millisecond),
	})
	if len(o.backends) != 1 || o.backends[0].Name != BackendNoop {
		t.Errorf("backends = %v", o.backends)
	}
	if o.entryPoint != "compute_main" {
		t.Errorf("entryPoint = %q", o.entryPoint)
	}
	if o.label != "probe" {
		t.Errorf("label = %q", o.label)
	}
	if o.pollInterval != 5*time.Millisecond {
		t.Errorf("pollInterval = %v", o.pollInterval)
	}
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	o := newOptions([]Option{WithEntryPoint(""), WithPollInterval(0)})
	if o.entryPoint != DefaultEntryPoint {
		t.Errorf("empty entry point overrode default: %q", o.entryPoint)
	}
	if o.pollInterval != defaultPollInterval {
		t.Errorf("zero poll interval overrode default: %v", o.pollInterval)
	}
}

func TestWithBackendsEmpty(t *testing.T) {
	o := newOptions([]Option{WithBackends()})
	if o.backends == nil || len(o.backends) != 0 {
		t.Errorf("backends = %v, want an explicit empty list", o.backends)
	}
}

func TestObjectLabel(t *testing.T) {
	d := &Device{label: "probe"}
	if got := d.objectLabel("storage"); got != "probe_storage" {
		t.Errorf("objectLabel = %q", got)
	}
	d.label = ""
	if got := d.objectLabel("storage"); got != "storage" {
		t.Errorf("objectLabel = %q", got)
	}
}
