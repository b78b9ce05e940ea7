package splat

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

// mockAccelerator implements Accelerator for testing.
type mockAccelerator struct {
	name       string
	initErr    error
	projectErr error

	// fill, when set, writes the projection instead of failing.
	fill func(req *ProjectRequest, out *Projection)

	mu       sync.Mutex
	closed   bool
	calls    int
	logger   *slog.Logger
	provider any
}

func (m *mockAccelerator) Name() string { return m.name }

func (m *mockAccelerator) Init() error { return m.initErr }

func (m *mockAccelerator) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockAccelerator) Project(req *ProjectRequest, out *Projection) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fill != nil {
		m.fill(req, out)
		return nil
	}
	if m.projectErr != nil {
		// Scribble on the output so leaks into the result are visible.
		for i := range out.Radii {
			out.Radii[i] = 999
		}
		return m.projectErr
	}
	return ErrFallbackToCPU
}

func (m *mockAccelerator) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
}

func (m *mockAccelerator) SetDeviceProvider(provider any) error {
	if provider == nil {
		return errors.New("mock: nil provider")
	}
	m.mu.Lock()
	m.provider = provider
	m.mu.Unlock()
	return nil
}

func (m *mockAccelerator) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockAccelerator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockAccelerator) getLogger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logger
}

// plainAccelerator has none of the optional interfaces.
type plainAccelerator struct{}

func (plainAccelerator) Name() string                               { return "plain" }
func (plainAccelerator) Init() error                                { return nil }
func (plainAccelerator) Close()                                     {}
func (plainAccelerator) Project(*ProjectRequest, *Projection) error { return ErrFallbackToCPU }

// resetAccelerator clears the global accelerator state between tests.
func resetAccelerator() {
	accelMu.Lock()
	accel = nil
	accelMu.Unlock()
}

// =============================================================================
// Registry
// =============================================================================

func TestRegisterAcceleratorNil(t *testing.T) {
	resetAccelerator()

	err := RegisterAccelerator(nil)
	if err == nil {
		t.Fatal("expected error when registering nil accelerator")
	}
	if err.Error() != "splat: accelerator must not be nil" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
	if RegisteredAccelerator() != nil {
		t.Error("accelerator should remain nil after failed registration")
	}
}

func TestRegisterAcceleratorInitError(t *testing.T) {
	resetAccelerator()

	initErr := errors.New("GPU init failed")
	err := RegisterAccelerator(&mockAccelerator{name: "failing", initErr: initErr})
	if !errors.Is(err, initErr) {
		t.Errorf("RegisterAccelerator() error = %v, want %v", err, initErr)
	}
	if RegisteredAccelerator() != nil {
		t.Error("accelerator should remain nil after Init failure")
	}
}

func TestRegisterAcceleratorReplacesOld(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	first := &mockAccelerator{name: "first"}
	second := &mockAccelerator{name: "second"}
	if err := RegisterAccelerator(first); err != nil {
		t.Fatalf("unexpected error registering first: %v", err)
	}
	if err := RegisterAccelerator(second); err != nil {
		t.Fatalf("unexpected error registering second: %v", err)
	}

	if !first.isClosed() {
		t.Error("expected first accelerator to be closed after replacement")
	}
	if second.isClosed() {
		t.Error("second accelerator should not be closed")
	}
	if a := RegisteredAccelerator(); a == nil || a.Name() != "second" {
		t.Errorf("RegisteredAccelerator() = %v, want second", a)
	}
}

func TestUnregisterAccelerator(t *testing.T) {
	resetAccelerator()

	mock := &mockAccelerator{name: "gone"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}
	UnregisterAccelerator()
	if !mock.isClosed() {
		t.Error("UnregisterAccelerator() did not close the accelerator")
	}
	if RegisteredAccelerator() != nil {
		t.Error("RegisteredAccelerator() != nil after UnregisterAccelerator")
	}

	// Second call is a no-op.
	UnregisterAccelerator()
}

func TestSetAcceleratorDeviceProvider(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	if err := SetAcceleratorDeviceProvider("device"); err != nil {
		t.Errorf("SetAcceleratorDeviceProvider() without accelerator = %v, want nil", err)
	}

	mock := &mockAccelerator{name: "shared"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}
	if err := SetAcceleratorDeviceProvider("device"); err != nil {
		t.Errorf("SetAcceleratorDeviceProvider() = %v", err)
	}
	if mock.provider != "device" {
		t.Errorf("provider = %v, want device", mock.provider)
	}
	if err := SetAcceleratorDeviceProvider(nil); err == nil {
		t.Error("provider error was not returned")
	}

	if err := RegisterAccelerator(plainAccelerator{}); err != nil {
		t.Fatal(err)
	}
	if err := SetAcceleratorDeviceProvider("device"); err != nil {
		t.Errorf("SetAcceleratorDeviceProvider() on plain accelerator = %v, want nil", err)
	}
}

// =============================================================================
// Projector dispatch
// =============================================================================

func TestProjectorFallsBackOnDecline(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	mock := &mockAccelerator{name: "declining"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}

	p := NewProjector(WithWorkers(2))
	defer p.Close()
	proj, _, err := p.Forward([]mgl64.Vec3{{0, 0, 3}}, []Cov3D{isoCov(0.1)}, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if mock.callCount() != 1 {
		t.Errorf("accelerator calls = %d, want 1", mock.callCount())
	}
	if !proj.Visible(0) {
		t.Error("CPU fallback did not project the primitive")
	}
}

func TestProjectorDiscardsFailedAcceleratorOutput(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	mock := &mockAccelerator{name: "broken", projectErr: errors.New("device lost")}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}

	p := NewProjector(WithWorkers(1))
	defer p.Close()
	proj, saved, err := p.Forward([]mgl64.Vec3{{0, 0, 3}}, []Cov3D{isoCov(0.1)}, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if proj.Radii[0] == 999 || saved.Radii[0] == 999 {
		t.Error("output of a failed accelerator leaked into the result")
	}
}

func TestProjectorUsesAcceleratorResult(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	mock := &mockAccelerator{
		name: "filling",
		fill: func(req *ProjectRequest, out *Projection) {
			for i := range req.Len() {
				out.Radii[i] = 7
				out.NumTilesHit[i] = 1
				out.Compensation[i] = 0.5
			}
		},
	}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}

	p := NewProjector()
	defer p.Close()
	proj, saved, err := p.Forward([]mgl64.Vec3{{0, 0, 3}}, []Cov3D{isoCov(0.1)}, testCamera(), DefaultBlockWidth)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if proj.Radii[0] != 7 || saved.Radii[0] != 7 || saved.Compensation[0] != 0.5 {
		t.Errorf("accelerator result not used: radius %d saved %d comp %v",
			proj.Radii[0], saved.Radii[0], saved.Compensation[0])
	}
}

func TestProjectorWithoutAccelerator(t *testing.T) {
	t.Cleanup(resetAccelerator)
	resetAccelerator()

	mock := &mockAccelerator{name: "unused"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatal(err)
	}

	p := NewProjector(WithAccelerator(false))
	defer p.Close()
	if _, _, err := p.Forward([]mgl64.Vec3{{0, 0, 3}}, []Cov3D{isoCov(0.1)}, testCamera(), DefaultBlockWidth); err != nil {
		t.Fatal(err)
	}
	if mock.callCount() != 0 {
		t.Errorf("accelerator calls = %d, want 0", mock.callCount())
	}
}

func TestErrFallbackToCPU(t *testing.T) {
	wrappedErr := errors.Join(ErrFallbackToCPU, errors.New("detail"))
	if !errors.Is(wrappedErr, ErrFallbackToCPU) {
		t.Error("wrapped ErrFallbackToCPU should be detectable with errors.Is")
	}
}

func BenchmarkAcceleratorNilCheck(b *testing.B) {
	resetAccelerator()

	b.ReportAllocs()
	for b.Loop() {
		if RegisteredAccelerator() != nil {
			b.Fatal("should be nil")
		}
	}
}
