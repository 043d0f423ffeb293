package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Address identifies a single agent inside an environment. Agents are
// addressed as tcp://<host>:<port>/<index>, where host:port is the
// environment's listen address and index is the slot the agent occupies in
// its environment. Index 0 is reserved for the environment's manager when
// one is attached.
type Address struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Index int    `json:"index"`
}

// ParseAddress parses an agent address of the form tcp://host:port/index.
func ParseAddress(s string) (Address, error) {
	rest, ok := strings.CutPrefix(s, "tcp://")
	if !ok {
		return Address{}, fmt.Errorf("address %q: missing tcp:// scheme", s)
	}
	hostport, idx, ok := strings.Cut(rest, "/")
	if !ok {
		return Address{}, fmt.Errorf("address %q: missing agent index", s)
	}
	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok || host == "" {
		return Address{}, fmt.Errorf("address %q: missing host or port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: invalid port: %v", s, err)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return Address{}, fmt.Errorf("address %q: invalid agent index", s)
	}
	return Address{Host: host, Port: port, Index: index}, nil
}

// String formats the address as tcp://host:port/index.
func (a Address) String() string {
	return fmt.Sprintf("tcp://%s:%d/%d", a.Host, a.Port, a.Index)
}

// HostPort returns the environment part of the address without the scheme
// or agent index, suitable for net.Dial.
func (a Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Manager returns the address of the environment's manager agent, which is
// assumed to occupy index 0 of the same environment.
func (a Address) Manager() Address {
	return Address{Host: a.Host, Port: a.Port, Index: 0}
}

// ManagerAddr returns the assumed manager address for a raw agent address.
func ManagerAddr(addr string) (string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return a.Manager().String(), nil
}

// SortAddrs sorts raw agent addresses in place with hierarchical criteria:
// first by host, then by port (numerically) and finally by the order in
// which the agents were created in their environment. Unparseable addresses
// sort last in their textual order.
func SortAddrs(addrs []string) {
	sort.SliceStable(addrs, func(i, j int) bool {
		ai, erri := ParseAddress(addrs[i])
		aj, errj := ParseAddress(addrs[j])
		if erri != nil || errj != nil {
			if erri == nil {
				return true
			}
			if errj == nil {
				return false
			}
			return addrs[i] < addrs[j]
		}
		if ai.Host != aj.Host {
			return ai.Host < aj.Host
		}
		if ai.Port != aj.Port {
			return ai.Port < aj.Port
		}
		return ai.Index < aj.Index
	})
}

// SplitAddrs buckets agent addresses by their environments. The returned map
// is keyed by host and then by port, each bucket holding all agent addresses
// that live in that environment.
func SplitAddrs(addrs []string) (map[string]map[int][]string, error) {
	split := make(map[string]map[int][]string)
	for _, addr := range addrs {
		a, err := ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		if split[a.Host] == nil {
			split[a.Host] = make(map[int][]string)
		}
		split[a.Host][a.Port] = append(split[a.Host][a.Port], addr)
	}
	return split, nil
}
