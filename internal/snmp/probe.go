// Package snmp checks whether routers are alive. Routers with an SNMP
// community are queried for their system group; others get a TCP connect
// to their API port.
package snmp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/martinsuchenak/routersync/internal/model"
)

const (
	oidSysUpTime = "1.3.6.1.2.1.1.3.0"
	oidSysName   = "1.3.6.1.2.1.1.5.0"

	DefaultTimeout = 2 * time.Second
)

// Method is how a router was probed
type Method string

const (
	MethodSNMP Method = "snmp"
	MethodTCP  Method = "tcp"
)

// Result is the outcome of one probe
type Result struct {
	RouterID  string        `json:"router_id"`
	Reachable bool          `json:"reachable"`
	Method    Method        `json:"method"`
	SysName   string        `json:"sys_name,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	RTT       time.Duration `json:"rtt"`
	Error     string        `json:"error,omitempty"`
}

// Status maps the result to a router status
func (r *Result) Status() model.RouterStatus {
	if r.Reachable {
		return model.RouterStatusOnline
	}
	return model.RouterStatusOffline
}

// Prober probes routers
type Prober struct {
	timeout  time.Duration
	retries  int
	snmpPort uint16
}

// NewProber creates a prober; a zero timeout uses DefaultTimeout
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{timeout: timeout, retries: 1, snmpPort: 161}
}

// Probe checks one router
func (p *Prober) Probe(ctx context.Context, router *model.Router) *Result {
	start := time.Now()
	result := &Result{RouterID: router.ID, Method: MethodTCP}

	var err error
	if router.SNMPCommunity != "" {
		result.Method = MethodSNMP
		err = p.querySystem(ctx, router, result)
	} else {
		err = p.dial(ctx, router)
	}
	result.RTT = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Reachable = true
	return result
}

// ProbeBatch probes routers concurrently, at most maxConcurrent at a time
func (p *Prober) ProbeBatch(ctx context.Context, routers []model.Router, maxConcurrent int) map[string]*Result {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make(map[string]*Result, len(routers))
	sem := make(chan struct{}, maxConcurrent)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range routers {
		wg.Add(1)
		go func(router *model.Router) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			r := p.Probe(ctx, router)
			mu.Lock()
			results[router.ID] = r
			mu.Unlock()
		}(&routers[i])
	}

	wg.Wait()
	return results
}

func (p *Prober) querySystem(ctx context.Context, router *model.Router, result *Result) error {
	client := &gosnmp.GoSNMP{
		Target:    router.Host,
		Port:      p.snmpPort,
		Community: router.SNMPCommunity,
		Version:   gosnmp.Version2c,
		Timeout:   p.timeout,
		Retries:   p.retries,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w", router.Host, err)
	}
	defer client.Conn.Close()

	packet, err := client.Get([]string{oidSysName, oidSysUpTime})
	if err != nil {
		return fmt.Errorf("snmp get %s: %w", router.Host, err)
	}
	if packet.Error != gosnmp.NoError {
		return fmt.Errorf("snmp get %s: %s", router.Host, packet.Error)
	}
	result.SysName, result.Uptime = parseSystem(packet.Variables)
	return nil
}

// parseSystem reads sysName and sysUpTime from a response
func parseSystem(vars []gosnmp.SnmpPDU) (string, time.Duration) {
	var (
		name   string
		uptime time.Duration
	)
	for _, v := range vars {
		switch strings.TrimPrefix(v.Name, ".") {
		case oidSysName:
			if b, ok := v.Value.([]byte); ok {
				name = string(b)
			}
		case oidSysUpTime:
			// TimeTicks are hundredths of a second
			ticks := gosnmp.ToBigInt(v.Value).Int64()
			uptime = time.Duration(ticks) * 10 * time.Millisecond
		}
	}
	return name, uptime
}

func (p *Prober) dial(ctx context.Context, router *model.Router) error {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(router.Host, strconv.Itoa(apiPort(router))))
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func apiPort(router *model.Router) int {
	switch {
	case router.Port > 0:
		return router.Port
	case router.UseTLS:
		return 443
	}
	return 80
}
