package transfer

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

// ErrNoPorts is returned when every port of the configured range is taken.
var ErrNoPorts = errors.New("transfer: no free port in range")

// ListenFunc opens a listening socket. It matches net.ListenConfig.Listen.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

func defaultListen(ctx context.Context, network, address string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}

// PortRange restricts active mode listeners. Offset is added to the
// advertised port, for NAT routers that remap ports by a fixed amount.
type PortRange struct {
	Enabled bool
	Low     int
	High    int
	Offset  int
}

// nextPort is shared by every connection of the process so consecutive
// transfers do not reuse the port just released.
var nextPort struct {
	sync.Mutex
	port int
}

// listenInRange tries each port of [low, high] once, starting at the
// process-wide cursor and wrapping at high. The cursor starts at a random
// port of the range.
func listenInRange(ctx context.Context, listen ListenFunc, network string, low, high int) (net.Listener, error) {
	if low > high {
		low = high
	}

	nextPort.Lock()
	defer nextPort.Unlock()
	if nextPort.port < low || nextPort.port > high {
		nextPort.port = low + rand.IntN(high-low+1)
	}

	for count := high - low + 1; count > 0; count-- {
		port := nextPort.port
		nextPort.port++
		if nextPort.port > high {
			nextPort.port = low
		}
		ln, err := listen(ctx, network, net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoPorts
}

// listenerPort returns the port a listener is bound to.
func listenerPort(ln net.Listener) int {
	if a, ok := ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	_, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return -1
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return -1
	}
	return port
}
