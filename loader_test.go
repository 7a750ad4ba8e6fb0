package rkflash

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// staticAssets provides fixed components.
type staticAssets []BootloaderComponent

func (s staticAssets) Components(context.Context, ChipType) ([]BootloaderComponent, error) {
	return s, nil
}

func testComponents(t *testing.T, first, second int) staticAssets {
	t.Helper()
	comps, err := NewComponents(ChipRK3588,
		bytes.Repeat([]byte{0x11}, first),
		bytes.Repeat([]byte{0x22}, second))
	if err != nil {
		t.Fatalf("NewComponents() error = %v", err)
	}
	return comps
}

// dataOuts returns the bulk OUT payloads that are not command packets.
func dataOuts(tr *fakeTransport) [][]byte {
	var out [][]byte
	for _, c := range tr.callsOf("out") {
		if !isPacket(c.data) {
			out = append(out, c.data)
		}
	}
	return out
}

func TestBringToLoaderRejectsSmallComponents(t *testing.T) {
	tests := []struct {
		name          string
		first, second int
		component     string
	}{
		{"first stage 50KiB", 50 << 10, 200 << 10, ComponentIDBLoader},
		{"second stage 100KiB", 100 << 10, 100 << 10, ComponentUBoot},
		{"empty first stage", 0, 200 << 10, ComponentIDBLoader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			dev := newTestDevice(t, tr, false)

			err := BringToLoader(t.Context(), dev, testComponents(t, tt.first, tt.second), fastOptions()...)
			var invErr *InvalidBootloaderError
			if !errors.As(err, &invErr) {
				t.Fatalf("BringToLoader() error = %v, want *InvalidBootloaderError", err)
			}
			if invErr.Component != tt.component {
				t.Errorf("Component = %q, want %q", invErr.Component, tt.component)
			}
			if len(tr.calls) != 0 {
				t.Errorf("%d transfers issued before validation failed", len(tr.calls))
			}
			if dev.Mode() != ModeMaskrom {
				t.Errorf("Mode() = %s, want maskrom", dev.Mode())
			}
		})
	}
}

func TestBringToLoaderNeedsBothStages(t *testing.T) {
	tr := &fakeTransport{}
	dev := newTestDevice(t, tr, false)
	firstOnly := testComponents(t, 100<<10, 200<<10)[:1]

	err := BringToLoader(t.Context(), dev, firstOnly, fastOptions()...)
	var invErr *InvalidBootloaderError
	if !errors.As(err, &invErr) || invErr.Component != ComponentUBoot {
		t.Fatalf("BringToLoader() error = %v, want the second stage reported missing", err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("%d transfers issued, want none", len(tr.calls))
	}
	if dev.Mode() != ModeMaskrom {
		t.Errorf("Mode() = %s, want maskrom", dev.Mode())
	}
}

func TestBringToLoaderDirect(t *testing.T) {
	tr := &fakeTransport{}
	dev := newTestDevice(t, tr, false)
	var rec recorder

	err := BringToLoader(t.Context(), dev, testComponents(t, 100<<10, 200<<10),
		fastOptions(WithProgress(rec.record), WithSettleDelay(20*time.Millisecond, 2*time.Millisecond))...)
	if err != nil {
		t.Fatalf("BringToLoader() error = %v", err)
	}
	if dev.Mode() != ModeLoader {
		t.Errorf("Mode() = %s, want loader", dev.Mode())
	}

	outs := dataOuts(tr)
	if len(outs) != 2 || len(outs[0]) != 100<<10 || len(outs[1]) != 200<<10 {
		t.Errorf("data transfers = %d, want the two components whole", len(outs))
	}
	if n := tr.count(opTestUnitReady, -1); n != 1 {
		t.Errorf("%d TestUnitReady packets, want 1", n)
	}

	events := rec.all()
	checkMonotonic(t, events)
	var sawLoading, sawSettled bool
	for _, e := range events {
		if e.Phase == PhaseLoadingBootloader {
			sawLoading = true
			sawSettled = sawSettled || e.Percent == loaderSendPercent+loaderSettlePercent
		}
	}
	if !sawLoading || !sawSettled {
		t.Errorf("loading phase seen %v, settled %v; events %+v", sawLoading, sawSettled, events)
	}
	if last := events[len(events)-1]; last.Phase != PhaseCompleted || last.Percent != 100 {
		t.Errorf("last event = %+v, want completed at 100", last)
	}
}

func TestBringToLoaderFallsBackToChunked(t *testing.T) {
	tr := &fakeTransport{
		out: func(data []byte) (Status, error) {
			if len(data) > 8<<10 {
				return StatusStall, nil
			}
			return StatusOK, nil
		},
	}
	dev := newTestDevice(t, tr, false)

	if err := BringToLoader(t.Context(), dev, testComponents(t, 100<<10, 200<<10), fastOptions()...); err != nil {
		t.Fatalf("BringToLoader() error = %v", err)
	}

	var chunks, sent int
	for _, d := range dataOuts(tr) {
		if len(d) <= 8<<10 {
			chunks++
			sent += len(d)
		}
	}
	if chunks != 13+25 {
		t.Errorf("%d chunks, want %d", chunks, 13+25)
	}
	if sent != 300<<10 {
		t.Errorf("%d bytes in chunks, want %d", sent, 300<<10)
	}
	if len(tr.callsOf("ctrl")) != 0 {
		t.Error("handshake used although chunking succeeded")
	}
}

func TestBringToLoaderFallsBackToHandshake(t *testing.T) {
	var (
		mu    sync.Mutex
		armed bool
	)
	tr := &fakeTransport{
		out: func(data []byte) (Status, error) {
			if isPacket(data) {
				return StatusOK, nil
			}
			mu.Lock()
			defer mu.Unlock()
			if !armed {
				return StatusStall, nil
			}
			armed = false
			return StatusOK, nil
		},
		ctrl: func(setup SetupPacket, _ []byte) (Status, error) {
			mu.Lock()
			defer mu.Unlock()
			armed = setup.Request == requestLoaderDownload
			return StatusOK, nil
		},
	}
	dev := newTestDevice(t, tr, false)

	if err := BringToLoader(t.Context(), dev, testComponents(t, 100<<10, 200<<10), fastOptions()...); err != nil {
		t.Fatalf("BringToLoader() error = %v", err)
	}

	ctrl := tr.callsOf("ctrl")
	if len(ctrl) != 2 {
		t.Fatalf("%d control transfers, want 2", len(ctrl))
	}
	for i, want := range []uint16{indexFirstStage, indexSecondStage} {
		s := ctrl[i].setup
		if s.RequestType != 0x40 || s.Request != 0x0C || s.Index != want {
			t.Errorf("handshake %d = %+v, want request 0x0C index 0x%04X", i, s, want)
		}
	}
	if dev.Mode() != ModeLoader {
		t.Errorf("Mode() = %s, want loader", dev.Mode())
	}
}

func TestBringToLoaderAllStrategiesFail(t *testing.T) {
	tr := &fakeTransport{
		out: func(data []byte) (Status, error) { return StatusStall, nil },
		ctrl: func(SetupPacket, []byte) (Status, error) {
			return StatusStall, nil
		},
	}
	dev := newTestDevice(t, tr, false)
	var rec recorder

	err := BringToLoader(t.Context(), dev, testComponents(t, 100<<10, 200<<10), fastOptions(WithProgress(rec.record))...)
	var xferErr *BootloaderTransferError
	if !errors.As(err, &xferErr) {
		t.Fatalf("BringToLoader() error = %v, want *BootloaderTransferError", err)
	}
	if xferErr.Component != ComponentIDBLoader {
		t.Errorf("Component = %q, want %q", xferErr.Component, ComponentIDBLoader)
	}
	if len(xferErr.Errs) != len(loaderStrategies) {
		t.Errorf("%d strategy errors, want %d", len(xferErr.Errs), len(loaderStrategies))
	}
	if dev.Mode() != ModeMaskrom {
		t.Errorf("Mode() = %s, want maskrom", dev.Mode())
	}
	events := rec.all()
	if last := events[len(events)-1]; last.Phase != PhaseFailed || last.Kind != "BootloaderTransferFailed" {
		t.Errorf("last event = %+v, want failed BootloaderTransferFailed", last)
	}
}

func TestBringToLoaderVerify(t *testing.T) {
	silent := func([]byte) ([]byte, Status, error) { return nil, StatusStall, nil }

	tests := []struct {
		name     string
		strict   bool
		wantErr  bool
		wantMode Mode
	}{
		{"lenient", false, false, ModeLoader},
		{"strict", true, true, ModeMaskrom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{in: silent}
			dev := newTestDevice(t, tr, false)

			err := BringToLoader(t.Context(), dev, testComponents(t, 100<<10, 200<<10),
				fastOptions(WithStrictLoaderVerify(tt.strict))...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BringToLoader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if dev.Mode() != tt.wantMode {
				t.Errorf("Mode() = %s, want %s", dev.Mode(), tt.wantMode)
			}
		})
	}
}

func TestBringToLoaderAlreadyInLoader(t *testing.T) {
	tr := &fakeTransport{}
	dev := newTestDevice(t, tr, true)
	var rec recorder

	if err := BringToLoader(t.Context(), dev, staticAssets(nil), fastOptions(WithProgress(rec.record))...); err != nil {
		t.Fatalf("BringToLoader() error = %v", err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("%d transfers issued, want none", len(tr.calls))
	}
	events := rec.all()
	if last := events[len(events)-1]; last.Phase != PhaseCompleted {
		t.Errorf("last event = %+v, want completed", last)
	}
}

func TestBringToLoaderProviderError(t *testing.T) {
	dev := newTestDevice(t, &fakeTransport{}, false)
	err := BringToLoader(t.Context(), dev, failingAssets{}, fastOptions()...)
	if !errors.Is(err, errNoAssets) {
		t.Errorf("BringToLoader() error = %v, want errNoAssets", err)
	}
}

var errNoAssets = errors.New("no assets")

type failingAssets struct{}

func (failingAssets) Components(context.Context, ChipType) ([]BootloaderComponent, error) {
	return nil, errNoAssets
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name        string
		delay       time.Duration
		chipDefault time.Duration
		minElapsed  time.Duration
	}{
		{"skip", -1, time.Hour, 0},
		{"chip default", 0, 10 * time.Millisecond, 10 * time.Millisecond},
		{"override", 15 * time.Millisecond, time.Hour, 15 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig([]Option{WithSettleDelay(tt.delay, time.Millisecond)})
			op := newOperation(nil)
			op.enter(PhaseLoadingBootloader, "")

			start := time.Now()
			if err := settle(t.Context(), op, &cfg, tt.chipDefault); err != nil {
				t.Fatalf("settle() error = %v", err)
			}
			if d := time.Since(start); d < tt.minElapsed || d > time.Second {
				t.Errorf("settle() took %s, want at least %s", d, tt.minElapsed)
			}
		})
	}
}
