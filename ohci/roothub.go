package ohci

import (
	"time"

	"github.com/itomato/UsbOHCI.0.5beta/usb"
)

// validIntervalSteps are the interrupt polling intervals schedule.go
// actually supports (its balanceOrder table is sized for these), in
// increasing order.
var validIntervalSteps = []int{1, 2, 4, 8, 16, 32}

// nearestValidInterval rounds a device's declared bInterval down to
// the largest polling interval schedule.go supports that services it
// no less often than requested.
func nearestValidInterval(n int) int {
	best := validIntervalSteps[0]
	for _, v := range validIntervalSteps {
		if v <= n {
			best = v
		}
	}
	return best
}

// handleRootHubStatusChange is the RHSC interrupt handler (spec.md
// §4.6): it reads every port's status and change bits, clears the
// change bits it observed, and posts an install job for each newly
// connected port (or tears down the device on each newly disconnected
// one). RHSC is ignored entirely while the installer worker is mid-way
// through a previous enumeration, preventing re-entry while port state
// is in flux.
func (c *Controller) handleRootHubStatusChange() {
	if c.isEnumerating() {
		return
	}

	for port := 1; port <= c.numPorts; port++ {
		status := c.bus.Read32(HcRhPortStatus(port))
		changes := status & PortAllChanges
		if changes == 0 {
			continue
		}
		c.bus.Write32(HcRhPortStatus(port), changes)

		if changes&PortCSC == 0 {
			continue
		}

		if status&PortCCS != 0 {
			c.postInstall(port)
		} else {
			c.disconnectPort(port)
		}
	}
}

// resetPort drives the port-reset handshake spec.md §4.6 describes:
// write SetPortReset, wait for PortResetStatusChange, clear it.
func (c *Controller) resetPort(port int) error {
	c.bus.Write32(HcRhPortStatus(port), PortSPR)

	deadline := time.Now().Add(500 * time.Millisecond)
	for c.bus.Read32(HcRhPortStatus(port))&PortPRSC == 0 {
		if time.Now().After(deadline) {
			return ErrPortResetTimeout
		}
		time.Sleep(time.Millisecond)
	}

	c.bus.Write32(HcRhPortStatus(port), PortPRSC)
	return nil
}

func (c *Controller) setEnumerating(v bool) {
	c.enumMu.Lock()
	c.enumerating = v
	c.enumMu.Unlock()
}

func (c *Controller) isEnumerating() bool {
	c.enumMu.Lock()
	defer c.enumMu.Unlock()
	return c.enumerating
}

func (c *Controller) postInstall(port int) {
	c.installMu.Lock()
	c.installList = append(c.installList, port)
	c.installCond.Signal()
	c.installMu.Unlock()
}

// installerWorker is the C6 "installer worker" execution context
// (spec.md §5): it serially drains the install list, enumerating one
// newly connected port at a time.
func (c *Controller) installerWorker() {
	defer c.wg.Done()

	c.installMu.Lock()
	defer c.installMu.Unlock()

	for {
		for len(c.installList) == 0 {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.installCond.Wait()
			select {
			case <-c.stopCh:
				return
			default:
			}
		}

		port := c.installList[0]
		c.installList = c.installList[1:]

		c.installMu.Unlock()
		c.enumerate(port)
		c.installMu.Lock()
	}
}

func (c *Controller) allocateAddress() int {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()

	addr := c.nextAddress
	c.nextAddress++
	return addr
}

// disconnectPort tears down the device attached to port, if any:
// unlinks every one of its endpoints from the schedule and drops it
// from the device table. There is no separate disconnect hook in
// spec.md §6 — class drivers learn of a device's departure by its
// requests failing.
func (c *Controller) disconnectPort(port int) {
	c.devicesMu.Lock()
	var addr int
	var dev *Device
	for a, d := range c.devices {
		if d.Port() == port {
			addr, dev = a, d
			break
		}
	}
	if dev != nil {
		delete(c.devices, addr)
	}
	c.devicesMu.Unlock()

	if dev == nil {
		return
	}

	for _, ep := range dev.Endpoints() {
		c.schedule.Remove(ep)
	}

	c.log.Printf("port %d: %s disconnected", port, dev)
}

// enumerate is the installer worker's per-port sequence (spec.md
// §4.6): address the device at 0, assign it a real bus address, read
// its device and configuration descriptors, open every declared
// endpoint, then notify the matching class driver via the connect
// hook.
func (c *Controller) enumerate(port int) {
	c.setEnumerating(true)
	defer c.setEnumerating(false)

	if err := c.resetPort(port); err != nil {
		c.log.Printf("port %d: reset failed: %v", port, err)
		return
	}

	speed := usb.FullSpeed
	if c.bus.Read32(HcRhPortStatus(port))&PortLSDA != 0 {
		speed = usb.LowSpeed
	}

	dev := newDevice(port, speed)

	edSpeed := uint8(SpeedFull)
	if speed == usb.LowSpeed {
		edSpeed = SpeedLow
	}

	ctrl, err := NewEndpoint(c.pool, EndpointConfig{
		Direction: DirTD,
		Speed:     edSpeed,
		MaxPacket: 8,
		Kind:      kindControl,
	})
	if err != nil {
		c.log.Printf("port %d: allocating control endpoint: %v", port, err)
		return
	}
	dev.addEndpoint(0, true, ctrl)
	dev.addEndpoint(0, false, ctrl)
	c.schedule.AppendControl(ctrl)
	ctrl.SetSkip(false)

	addr := c.allocateAddress()

	if _, code, err := c.DoRequest(dev, usb.SetAddress(uint8(addr)), nil, 0); err != nil || code != NoError {
		c.log.Printf("port %d: SET_ADDRESS failed: code=%v err=%v", port, code, err)
		c.schedule.Remove(ctrl)
		return
	}
	ctrl.SetFuncAddress(uint8(addr))
	dev.setAddress(addr)

	probe := make([]byte, 8)
	if _, code, err := c.DoRequest(dev, usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 8), probe, 0); err != nil || code != NoError {
		c.log.Printf("device %d: probing device descriptor: code=%v err=%v", addr, code, err)
		c.schedule.Remove(ctrl)
		return
	}
	if probed, err := usb.ParseDeviceDescriptor(probe); err == nil && probed.BMaxPacketSize0 != 0 {
		ctrl.SetMaxPacket(uint16(probed.BMaxPacketSize0))
	}

	descBuf := make([]byte, usb.DeviceDescriptorLength)
	if _, code, err := c.DoRequest(dev, usb.GetDescriptor(usb.DescriptorTypeDevice, 0, usb.DeviceDescriptorLength), descBuf, 0); err != nil || code != NoError {
		c.log.Printf("device %d: reading device descriptor: code=%v err=%v", addr, code, err)
		c.schedule.Remove(ctrl)
		return
	}
	desc, err := usb.ParseDeviceDescriptor(descBuf)
	if err != nil {
		c.log.Printf("device %d: parsing device descriptor: %v", addr, err)
		c.schedule.Remove(ctrl)
		return
	}
	dev.setDescriptor(desc)

	cfgHeader := make([]byte, 9)
	if _, code, err := c.DoRequest(dev, usb.GetDescriptor(usb.DescriptorTypeConfig, 0, 9), cfgHeader, 0); err != nil || code != NoError {
		c.log.Printf("device %d: reading configuration header: code=%v err=%v", addr, code, err)
		c.schedule.Remove(ctrl)
		return
	}
	cfgHdr, err := usb.ParseConfig(cfgHeader)
	if err != nil {
		c.log.Printf("device %d: parsing configuration header: %v", addr, err)
		c.schedule.Remove(ctrl)
		return
	}

	total := int(cfgHdr.WTotalLength)
	if total < 9 {
		total = 9
	}
	cfgBuf := make([]byte, total)
	if _, code, err := c.DoRequest(dev, usb.GetDescriptor(usb.DescriptorTypeConfig, 0, uint16(total)), cfgBuf, 0); err != nil || code != NoError {
		c.log.Printf("device %d: reading configuration descriptor: code=%v err=%v", addr, code, err)
		c.schedule.Remove(ctrl)
		return
	}
	cfg, err := usb.ParseConfig(cfgBuf)
	if err != nil {
		c.log.Printf("device %d: parsing configuration descriptor: %v", addr, err)
		c.schedule.Remove(ctrl)
		return
	}

	if _, code, err := c.DoRequest(dev, usb.SetConfiguration(cfg.BConfigurationValue), nil, 0); err != nil || code != NoError {
		c.log.Printf("device %d: SET_CONFIGURATION failed: code=%v err=%v", addr, code, err)
		c.schedule.Remove(ctrl)
		return
	}

	for _, iface := range cfg.Interfaces {
		for _, epd := range iface.Endpoints {
			c.openEndpoint(dev, epd)
		}
	}

	c.setDeviceAt(addr, dev)
	c.notifyConnect(dev)

	c.log.Printf("port %d: enumerated %s", port, dev)
}

// openEndpoint creates a C2 Endpoint for one endpoint descriptor
// declared by a device's active configuration and links it into the
// schedule list matching its transfer type (spec.md §4.6 step 3).
func (c *Controller) openEndpoint(dev *Device, epd usb.EndpointDescriptor) {
	dir := DirOut
	if epd.In() {
		dir = DirIn
	}

	edSpeed := uint8(SpeedFull)
	if dev.Speed() == usb.LowSpeed {
		edSpeed = SpeedLow
	}

	kind := kindInterrupt
	if epd.TransferType() == usb.TransferTypeBulk {
		kind = kindBulk
	}

	ep, err := NewEndpoint(c.pool, EndpointConfig{
		FuncAddress: uint8(dev.Address()),
		EPAddress:   uint8(epd.Number()),
		Direction:   dir,
		Speed:       edSpeed,
		MaxPacket:   epd.WMaxPacketSize,
		Kind:        kind,
	})
	if err != nil {
		c.log.Printf("device %d: opening endpoint %d: %v", dev.Address(), epd.Number(), err)
		return
	}
	// Link ep into its schedule list before registering it on the
	// device: a failed admission check must never leave a class driver
	// able to look up an endpoint that can never complete a transfer.
	switch epd.TransferType() {
	case usb.TransferTypeBulk:
		c.schedule.AppendBulk(ep)
	case usb.TransferTypeInterrupt:
		if err := c.schedule.InsertInterrupt(ep, nearestValidInterval(int(epd.BInterval))); err != nil {
			c.log.Printf("device %d: scheduling interrupt endpoint %d: %v", dev.Address(), epd.Number(), err)
			return
		}
	case usb.TransferTypeIso:
		if err := c.schedule.AppendIso(ep); err != nil {
			c.log.Printf("device %d: scheduling isochronous endpoint %d: %v", dev.Address(), epd.Number(), err)
			return
		}
	}

	dev.addEndpoint(epd.Number(), epd.In(), ep)
	ep.SetSkip(false)
}
