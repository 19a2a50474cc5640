package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// HostCapabilities 宿主机 CPU 信息
type HostCapabilities struct {
	Arch     string `json:"arch"`
	Model    string `json:"model"`
	CPUs     int    `json:"cpus"`
	Sockets  int    `json:"sockets"`
	Cores    int    `json:"cores"`
	Threads  int    `json:"threads"`
	SpeedMHz int    `json:"speed_mhz"`
	MemoryKB uint64 `json:"memory_kb"`
}

// GetHostCapabilities 组合 capabilities XML 与 NodeGetInfo
func (c *Client) GetHostCapabilities() (*HostCapabilities, error) {
	capsXML, err := c.conn.ConnectGetCapabilities()
	if err != nil {
		return nil, fmt.Errorf("failed to get capabilities: %w", err)
	}
	hc, err := ParseCapabilities(capsXML)
	if err != nil {
		return nil, err
	}

	model, memory, cpus, mhz, _, _, _, _, err := c.conn.NodeGetInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}
	if hc.Model == "" {
		hc.Model = int8SliceToString(model)
	}
	hc.MemoryKB = memory
	hc.CPUs = int(cpus)
	hc.SpeedMHz = int(mhz)
	return hc, nil
}

// ParseCapabilities 从 capabilities XML 中取架构和拓扑
func ParseCapabilities(capsXML string) (*HostCapabilities, error) {
	var caps libvirtxml.Caps
	if err := caps.Unmarshal(capsXML); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}
	hc := &HostCapabilities{
		Sockets: 1,
		Cores:   1,
		Threads: 1,
	}
	if caps.Host.CPU == nil {
		return hc, nil
	}
	hc.Arch = caps.Host.CPU.Arch
	hc.Model = caps.Host.CPU.Model
	if t := caps.Host.CPU.Topology; t != nil {
		hc.Sockets = t.Sockets
		hc.Cores = t.Cores
		hc.Threads = t.Threads
	}
	return hc, nil
}

// TotalCores 物理核数（sockets × cores）
func (h *HostCapabilities) TotalCores() int {
	return h.Sockets * h.Cores
}

func int8SliceToString(s [32]int8) string {
	b := make([]byte, 0, len(s))
	for _, c := range s {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}
