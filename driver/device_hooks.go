package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arloliu/go-malcolm/device"
	"github.com/arloliu/go-malcolm/logger"
)

// Device is the part of *device.Device that DeviceHooks drives.
type Device interface {
	Name() string
	State() device.State
	Configure(ctx context.Context, params any) error
	Run(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Abort(ctx context.Context) error
	Reset(ctx context.Context) error
	WaitState(ctx context.Context, states ...device.State) (device.State, error)
}

// DeviceHooks drives a set of devices: start configures every device with the same
// parameters and runs them, pause/resume/abort act on the devices in a state that allows it and
// zero resets devices left Armed, Disabled or in Fault.
//
// Runs continue in the background after DoStart returns. When the last run of a start has
// returned, the completion handler is called with the joined run errors. Runs of an earlier
// start that return after a newer start are logged only.
type DeviceHooks struct {
	devices []Device
	params  any
	logger  logger.Logger

	wg         sync.WaitGroup
	mu         sync.Mutex
	onComplete func(error)
	current    *runSet
}

// runSet tracks the runs of one start.
type runSet struct {
	mu      sync.Mutex
	pending int
	errs    []error
}

var _ Hooks = (*DeviceHooks)(nil)

// NewDeviceHooks creates hooks configuring devices with params on start.
func NewDeviceHooks(params any, devices ...Device) *DeviceHooks {
	return &DeviceHooks{
		devices: devices,
		params:  params,
		logger:  logger.GetLogger(),
	}
}

// SetLogger sets the logger of the hooks.
func (h *DeviceHooks) SetLogger(l logger.Logger) {
	if l != nil {
		h.logger = l
	}
}

// SetCompletionHandler sets the function called once every run of a start has returned.
// fn is called from a run goroutine and may call Driver.Complete.
func (h *DeviceHooks) SetCompletionHandler(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onComplete = fn
}

// Wait blocks until every run started by DoStart has returned.
func (h *DeviceHooks) Wait() {
	h.wg.Wait()
}

// DoStart configures every device and starts its run. If a device fails to configure, the
// devices configured before it are reset and no run is started.
func (h *DeviceHooks) DoStart(ctx context.Context) error {
	configured := make([]Device, 0, len(h.devices))
	for _, dev := range h.devices {
		if err := dev.Configure(ctx, h.params); err != nil {
			errs := []error{fmt.Errorf("configure %s: %w", dev.Name(), err)}
			for _, c := range configured {
				if err := c.Reset(ctx); err != nil {
					errs = append(errs, fmt.Errorf("reset %s: %w", c.Name(), err))
				}
			}

			return errors.Join(errs...)
		}
		configured = append(configured, dev)
	}

	runs := &runSet{pending: len(h.devices)}
	h.mu.Lock()
	h.current = runs
	h.mu.Unlock()

	if len(h.devices) == 0 {
		// nothing to run; report completion once the driver has left DoStart
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.complete(runs)
		}()

		return nil
	}

	for _, dev := range h.devices {
		h.startRun(ctx, dev, runs)
	}

	return nil
}

// DoPause pauses the running devices.
func (h *DeviceHooks) DoPause(ctx context.Context) error {
	return h.each(ctx, device.OpPause, Device.Pause)
}

// DoResume resumes the paused devices.
func (h *DeviceHooks) DoResume(ctx context.Context) error {
	return h.each(ctx, device.OpResume, Device.Resume)
}

// DoAbort aborts every device that has a scan configured or running.
func (h *DeviceHooks) DoAbort(ctx context.Context) error {
	return h.each(ctx, device.OpAbort, Device.Abort)
}

// DoZero resets the devices that are Armed, Disabled or in Fault.
func (h *DeviceHooks) DoZero(ctx context.Context) error {
	return h.each(ctx, device.OpReset, Device.Reset)
}

// each runs fn on the devices whose state allows op, concurrently, and joins their errors.
func (h *DeviceHooks) each(ctx context.Context, op device.Op, fn func(Device, context.Context) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, dev := range h.devices {
		if !device.IsLegal(op, dev.State()) {
			h.logger.Debug("skip device", "method", "each", "op", op.String(), "device", dev.Name(), "state", dev.State().String())
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(dev, ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s %s: %w", op, dev.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// startRun starts the run of dev in the background and returns once the run was dispatched
// or has already returned.
func (h *DeviceHooks) startRun(ctx context.Context, dev Device, runs *runSet) {
	returned := make(chan struct{})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(returned)

		err := dev.Run(context.WithoutCancel(ctx))
		h.runDone(runs, dev, err)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-returned:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	_, _ = dev.WaitState(waitCtx,
		device.StateRunning, device.StatePaused, device.StateAborting,
		device.StateIdle, device.StateFault, device.StateDisabled,
	)
}

func (h *DeviceHooks) runDone(runs *runSet, dev Device, err error) {
	if err != nil {
		h.logger.Warn("run ended with error", "method", "runDone", "device", dev.Name(), "error", err)
	} else {
		h.logger.Info("run completed", "method", "runDone", "device", dev.Name())
	}

	runs.mu.Lock()
	if err != nil {
		runs.errs = append(runs.errs, fmt.Errorf("run %s: %w", dev.Name(), err))
	}
	runs.pending--
	last := runs.pending == 0
	runs.mu.Unlock()

	if last {
		h.complete(runs)
	}
}

// complete calls the completion handler for runs unless a newer start replaced them.
func (h *DeviceHooks) complete(runs *runSet) {
	runs.mu.Lock()
	joined := errors.Join(runs.errs...)
	runs.mu.Unlock()

	h.mu.Lock()
	fn, current := h.onComplete, h.current == runs
	if current {
		h.current = nil
	}
	h.mu.Unlock()

	if !current {
		h.logger.Info("runs of an earlier start ended", "method", "complete", "error", joined)
		return
	}
	if fn != nil {
		fn(joined)
	}
}
