package gvcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Any option, if left to the zero value, is ignored, and defaults are used instead.
type DiscoverOptions struct {
	Interface string        // Only broadcast on this interface (eg "eth0")
	Timeout   time.Duration // How long to wait for replies
	Max       int           // Stop after this many devices
}

var ErrNoInterfaces = errors.New("no usable IPv4 broadcast interfaces")

// Discover broadcasts a discovery command on every usable IPv4 interface, and returns
// the devices that answered, sorted by IP address.
func Discover(ctx context.Context, options *DiscoverOptions) ([]DeviceInfo, error) {
	opt := DiscoverOptions{}
	if options != nil {
		opt = *options
	}
	if opt.Timeout == 0 {
		opt.Timeout = time.Second
	}

	targets, err := broadcastTargets(opt.Interface)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		devices []DeviceInfo
		errs    []error
		seen    = map[string]bool{}
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t broadcastTarget) {
			defer wg.Done()
			found, err := DiscoverAddr(ctx, t.local, t.broadcast, opt.Timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%v: %w", t.iface, err))
				return
			}
			for _, d := range found {
				key := d.MAC.String()
				if !seen[key] {
					seen[key] = true
					devices = append(devices, d)
				}
			}
		}(t)
	}
	wg.Wait()

	if len(devices) == 0 && len(errs) == len(targets) {
		return nil, errors.Join(errs...)
	}

	// always present a consistent view to the user
	sort.Slice(devices, func(i, j int) bool {
		return ipLess(devices[i].IP, devices[j].IP)
	})
	if opt.Max > 0 && len(devices) > opt.Max {
		devices = devices[:opt.Max]
	}
	return devices, nil
}

// DiscoverAddr sends a single discovery command from 'local' to 'target', and
// collects acknowledges until 'timeout' expires. 'target' may be a broadcast address.
func DiscoverAddr(ctx context.Context, local net.IP, target net.IP, timeout time.Duration) ([]DeviceInfo, error) {
	return DiscoverUDP(ctx, local, &net.UDPAddr{IP: target, Port: Port}, timeout)
}

// DiscoverUDP is DiscoverAddr with an explicit target port
func DiscoverUDP(ctx context.Context, local net.IP, target *net.UDPAddr, timeout time.Duration) ([]DeviceInfo, error) {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(local.String(), "0"))
	if err != nil {
		return nil, err
	}
	defer pc.Close()
	conn := pc.(*net.UDPConn)

	// Go enables SO_BROADCAST on UDP sockets by default
	req := EncodeCommand(CmdDiscovery, 1, FlagAckRequired|FlagAllowBroadcastAck, nil)
	if _, err := conn.WriteToUDP(req, target); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var devices []DeviceInfo
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return devices, err
		}
		ack, err := DecodeAck(buf[:n])
		if err != nil || ack.Command != AckDiscovery || ack.Status != StatusSuccess {
			continue
		}
		info, err := DecodeDiscoveryAck(ack.Payload)
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

type broadcastTarget struct {
	iface     string
	local     net.IP
	broadcast net.IP
}

// Find every interface that is up, can broadcast, and has an IPv4 address
func broadcastTargets(onlyIface string) ([]broadcastTarget, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var targets []broadcastTarget
	for _, iface := range interfaces {
		if onlyIface != "" && iface.Name != onlyIface {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addresses {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			targets = append(targets, broadcastTarget{
				iface:     iface.Name,
				local:     ip4,
				broadcast: bcast,
			})
		}
	}
	if len(targets) == 0 {
		if onlyIface != "" {
			return nil, fmt.Errorf("%w on interface %v", ErrNoInterfaces, onlyIface)
		}
		return nil, ErrNoInterfaces
	}
	return targets, nil
}

func ipLess(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	for i := 0; i < net.IPv4len && a4 != nil && b4 != nil; i++ {
		if a4[i] != b4[i] {
			return a4[i] < b4[i]
		}
	}
	return false
}
