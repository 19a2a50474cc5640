package libvirt

import (
	"encoding/json"
	"fmt"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
)

// QMPBlockJob QEMU 侧的 block job 状态
type QMPBlockJob struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Len    int    `json:"len"`
	Offset int    `json:"offset"`
	Speed  int    `json:"speed"`
	Ready  bool   `json:"ready"`
	Busy   bool   `json:"busy"`
}

// QueryBlockJobs 通过 libvirt 转发 QMP query-block-jobs
// 用于排查已超时放弃等待、但仍在 QEMU 中运行的 commit。
func (c *Client) QueryBlockJobs(name string) ([]QMPBlockJob, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return nil, err
	}
	cmd, err := json.Marshal(qmp.Command{Execute: "query-block-jobs"})
	if err != nil {
		return nil, err
	}
	raw, err := c.conn.QEMUDomainMonitorCommand(domain, string(cmd), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query block jobs of %s: %w", name, err)
	}
	return parseBlockJobs([]byte(raw))
}

func parseBlockJobs(raw []byte) ([]QMPBlockJob, error) {
	var resp struct {
		Return []qemu.BlockJob `json:"return"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode query-block-jobs response: %w", err)
	}
	jobs := make([]QMPBlockJob, 0, len(resp.Return))
	for _, j := range resp.Return {
		jobs = append(jobs, QMPBlockJob{
			Device: j.Device,
			Type:   j.Type,
			Len:    j.Len,
			Offset: j.Offset,
			Speed:  j.Speed,
			Ready:  j.Ready,
			Busy:   j.Busy,
		})
	}
	return jobs, nil
}
