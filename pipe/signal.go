package pipe

import "github.com/c35s/gfpipe/wire"

// Interrupt handles one assertion of the device's interrupt line. It moves
// the pipes the host has signalled onto the signalled list and schedules the
// wake task. It returns false if the interrupt wasn't for this device, either
// because the device is detached or because the host had nothing to report.
func (d *Device) Interrupt() bool {
	d.mu.Lock()

	if d.detached {
		d.mu.Unlock()
		return false
	}

	count := d.regs.ReadUint32(wire.RegGetSignalled)
	if count == 0 {
		d.mu.Unlock()
		return false
	}

	count = min(count, wire.MaxSignalledPipes)
	for i := 0; i < int(count); i++ {
		e := d.signals.Entry(i)
		if !d.reg.signal(e.ID, e.Flags) {
			d.log.Warn("pipe signal for unknown id", "id", e.ID, "flags", e.Flags)
		}
	}

	d.mu.Unlock()

	d.metrics.signals.Add(float64(count))
	d.schedule()

	return true
}

// schedule runs the wake task. Requests made while the task is pending are
// coalesced into one run.
func (d *Device) schedule() {
	select {
	case d.task <- struct{}{}:
	default:
	}
}

// wakeSignalled drains the signalled list, updating each pipe's wake flags and
// waking its waiters.
func (d *Device) wakeSignalled() {
	for {
		d.mu.Lock()
		p, wakes, ok := d.reg.popFront()
		d.mu.Unlock()

		if !ok {
			return
		}

		if wakes&wire.WakeClosed != 0 {
			// closure supersedes any pending wake request
			p.flags.Store(flagClosedOnHost)
		} else {
			var bits uint32
			if wakes&wire.WakeRead != 0 {
				bits |= flagWakeOnRead
			}

			if wakes&wire.WakeWrite != 0 {
				bits |= flagWakeOnWrite
			}

			p.flags.And(^bits)
		}

		p.wq.wakeAll()
		d.metrics.wakeups.Inc()
	}
}
