package transfer

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

	// epsvRegex matches the EPSV response format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\((.)(.)(.)(\d+)(.)\)`)
)

// ParsePASV extracts host and port from a 227 reply.
// "227 Entering Passive Mode (192,168,1,1,195,149)" yields 192.168.1.1 and 50069.
func ParsePASV(reply string) (string, int, error) {
	matches := pasvRegex.FindStringSubmatch(reply)
	if len(matches) != 7 {
		return "", 0, fmt.Errorf("invalid PASV reply: %s", reply)
	}

	var h [4]int
	for i := range 4 {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", 0, fmt.Errorf("invalid PASV address octet: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", 0, fmt.Errorf("invalid PASV port: %s,%s", matches[5], matches[6])
	}
	port := p1*256 + p2
	if port == 0 {
		return "", 0, fmt.Errorf("invalid PASV port 0")
	}
	return host, port, nil
}

// ParseEPSV extracts the port from a 229 reply. All three leading
// delimiters and the trailing one must be the same character.
func ParseEPSV(reply string) (int, error) {
	m := epsvRegex.FindStringSubmatch(reply)
	if len(m) != 6 || m[1] != m[2] || m[2] != m[3] || m[3] != m[5] {
		return 0, fmt.Errorf("invalid EPSV reply: %s", reply)
	}
	port, err := strconv.Atoi(m[4])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid EPSV port: %s", m[4])
	}
	return port, nil
}

// FormatPORT renders an IPv4 address and port as PORT arguments,
// "192,168,1,100,195,80".
func FormatPORT(ip net.IP, port int) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address, got %s", ip)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("port %d out of range", port)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], port/256, port%256), nil
}

// FormatEPRT renders |d|net-prt|net-addr|tcp-port| with 1 for IPv4 and
// 2 for IPv6.
func FormatEPRT(ip net.IP, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("port %d out of range", port)
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("|1|%s|%d|", v4, port), nil
	}
	if ip.To16() == nil {
		return "", fmt.Errorf("unknown address family: %s", ip)
	}
	return fmt.Sprintf("|2|%s|%d|", ip, port), nil
}

// PortCommand picks the active-mode command for ip: PORT for IPv4 and
// EPRT for IPv6.
func PortCommand(ip net.IP, port int) (verb, args string, err error) {
	if ip.To4() != nil {
		args, err = FormatPORT(ip, port)
		return "PORT", args, err
	}
	args, err = FormatEPRT(ip, port)
	return "EPRT", args, err
}

// ParsePORT is the inverse of FormatPORT.
func ParsePORT(args string) (net.IP, int, error) {
	parts := strings.Split(strings.TrimSpace(args), ",")
	if len(parts) != 6 {
		return nil, 0, fmt.Errorf("invalid PORT arguments: %s", args)
	}
	var v [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return nil, 0, fmt.Errorf("invalid PORT field: %s", p)
		}
		v[i] = n
	}
	return net.IPv4(byte(v[0]), byte(v[1]), byte(v[2]), byte(v[3])).To4(), v[4]*256 + v[5], nil
}

// DataHost replaces unroutable PASV hosts with the control peer. Servers
// behind NAT commonly report 0.0.0.0 or a private address.
func DataHost(pasvHost string, controlPeer net.IP) string {
	ip := net.ParseIP(pasvHost)
	if ip == nil || controlPeer == nil {
		return pasvHost
	}
	if ip.IsUnspecified() || (ip.IsPrivate() && !controlPeer.IsPrivate() && !controlPeer.IsLoopback()) {
		return controlPeer.String()
	}
	return pasvHost
}
