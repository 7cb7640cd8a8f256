package ohci

import (
	"testing"

	"github.com/itomato/UsbOHCI.0.5beta/usb"
)

func TestNearestValidInterval(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{1, 1},
		{3, 2},
		{7, 4},
		{10, 8},
		{17, 16},
		{32, 32},
		{255, 32},
	}
	for _, c := range cases {
		if got := nearestValidInterval(c.in); got != c.want {
			t.Errorf("nearestValidInterval(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

// TestResetPortWaitsForResetStatusChange drives resetPort against a
// FakeBus whose WriteHook answers a PortSPR write by synchronously
// setting PortPRSC, the way hardware would complete a reset within one
// poll of resetPort's loop, and answers a PortPRSC write by clearing
// it, the write-one-to-clear behaviour FakeBus does not model itself.
func TestResetPortWaitsForResetStatusChange(t *testing.T) {
	c, bus := newTestController(t)

	bus.WriteHook = func(offset, value uint32) {
		if offset == HcRhPortStatus(1) && value&PortSPR != 0 {
			bus.Set(HcRhPortStatus(1), PortPRSC)
		}
		if offset == HcRhPortStatus(1) && value&PortPRSC != 0 {
			bus.Set(HcRhPortStatus(1), 0)
		}
	}

	if err := c.resetPort(1); err != nil {
		t.Fatalf("resetPort: %v", err)
	}

	if got := bus.Read32(HcRhPortStatus(1)); got&PortPRSC != 0 {
		t.Fatalf("PortPRSC should have been cleared by resetPort, got %#x", got)
	}
}

func TestHandleRootHubStatusChangePostsInstallOnConnect(t *testing.T) {
	c, bus := newTestController(t)
	c.numPorts = 1

	bus.Set(HcRhPortStatus(1), PortCSC|PortCCS)

	c.handleRootHubStatusChange()

	c.installMu.Lock()
	list := append([]int(nil), c.installList...)
	c.installMu.Unlock()

	if len(list) != 1 || list[0] != 1 {
		t.Fatalf("installList = %v, want [1]", list)
	}

	// FakeBus.Write32 stores the written value literally rather than
	// implementing write-one-to-clear semantics, so the driver's
	// clearing write leaves the register holding exactly the change
	// bits it observed (PortCCS, not itself a change bit, is dropped).
	if got := bus.Read32(HcRhPortStatus(1)); got != PortCSC {
		t.Fatalf("register after the clearing write = %#x, want %#x", got, PortCSC)
	}
}

func TestHandleRootHubStatusChangeIgnoredDuringEnumeration(t *testing.T) {
	c, bus := newTestController(t)
	c.numPorts = 1
	c.setEnumerating(true)

	bus.Set(HcRhPortStatus(1), PortCSC|PortCCS)

	c.handleRootHubStatusChange()

	c.installMu.Lock()
	n := len(c.installList)
	c.installMu.Unlock()

	if n != 0 {
		t.Fatalf("installList should stay empty while enumerating, got %d entries", n)
	}
}

func TestHandleRootHubStatusChangeDisconnect(t *testing.T) {
	c, bus := newTestController(t)
	c.numPorts = 1

	dev := newDevice(1, usb.FullSpeed)
	ep, err := NewEndpoint(c.pool, EndpointConfig{MaxPacket: 8})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	dev.addEndpoint(0, true, ep)
	c.schedule.AppendControl(ep)
	c.setDeviceAt(1, dev)

	bus.Set(HcRhPortStatus(1), PortCSC) // PortCCS clear: now disconnected

	c.handleRootHubStatusChange()

	if c.deviceAt(1) != nil {
		t.Fatalf("device should have been removed from the device table")
	}
}

func TestDisconnectPortRemovesDeviceAndEndpoints(t *testing.T) {
	c, bus := newTestController(t)

	dev := newDevice(3, usb.FullSpeed)
	ep, err := NewEndpoint(c.pool, EndpointConfig{MaxPacket: 8})
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	dev.addEndpoint(0, true, ep)
	c.schedule.AppendControl(ep)
	c.setDeviceAt(5, dev)

	c.disconnectPort(3)

	if c.deviceAt(5) != nil {
		t.Fatalf("device should have been removed from the device table")
	}
	if got := bus.Read32(HcCommandStatus); got&HcCommandStatusCLF == 0 {
		t.Fatalf("Schedule.Remove should have set HcCommandStatus.CLF, got %#x", got)
	}
}

func TestDisconnectPortNoDeviceIsNoop(t *testing.T) {
	c, _ := newTestController(t)

	c.disconnectPort(7) // no device attached at this port: must not panic
}

func TestAllocateAddressIncrementsSequentially(t *testing.T) {
	c, _ := newTestController(t)

	first := c.allocateAddress()
	second := c.allocateAddress()

	if first != 1 || second != 2 {
		t.Fatalf("allocateAddress sequence = (%d, %d), want (1, 2)", first, second)
	}
}
