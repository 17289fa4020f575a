package monitor

import "context"

// discoveryDriver is the thin sequencing layer around adapter scanning.
// It is owned by the run loop: start and stop are only ever called from
// the event-handling goroutine, and both are idempotent.
type discoveryDriver struct {
	m      *Monitor
	cancel context.CancelFunc // non-nil while a scan is in flight
}

// start begins a filtered search for the configured peripheral address.
// Calling it while already scanning, or while a connection attempt or an
// established link is active, is a no-op.
func (d *discoveryDriver) start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	if d.m.CurrentState().linkActive() {
		return
	}

	scanCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.m.setState(StateScanning)
	d.m.logger.Info("scanning", "address", d.m.opts.Address)

	go func() {
		dev, err := d.m.adapter.Scan(scanCtx, d.m.opts.Address)
		if err != nil {
			d.m.post(event{kind: evScanFailed, err: err})
			return
		}
		d.m.post(event{kind: evFound, dev: dev})
	}()
}

// stop cancels an in-flight scan. Safe to call when not scanning.
func (d *discoveryDriver) stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.cancel = nil
}
