package libvirt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// SnapshotMetadata 快照元数据，用于停机/迁移前清理、之后恢复
type SnapshotMetadata struct {
	Name    string `json:"name"`
	XML     string `json:"xml"`
	Current bool   `json:"current"`
}

// ListSnapshotMetadata 导出域的全部快照元数据
func (c *Client) ListSnapshotMetadata(name string) ([]SnapshotMetadata, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return nil, err
	}

	snapshots, _, err := c.conn.DomainListAllSnapshots(domain, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", name, err)
	}

	currentName := ""
	if current, err := c.conn.DomainSnapshotCurrent(domain, 0); err == nil {
		currentName = current.Name
	}

	result := make([]SnapshotMetadata, 0, len(snapshots))
	for _, snap := range snapshots {
		xmlDesc, err := c.conn.DomainSnapshotGetXMLDesc(snap, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get snapshot XML %s/%s: %w", name, snap.Name, err)
		}
		result = append(result, SnapshotMetadata{
			Name:    snap.Name,
			XML:     xmlDesc,
			Current: snap.Name == currentName,
		})
	}
	return result, nil
}

// DeleteSnapshotMetadata 只删除快照元数据，不动磁盘
func (c *Client) DeleteSnapshotMetadata(name, snapshot string) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	snap, err := c.conn.DomainSnapshotLookupByName(domain, snapshot, 0)
	if err != nil {
		return wrapLookupErr("snapshot", snapshot, err)
	}
	if err := c.conn.DomainSnapshotDelete(snap, libvirt.DomainSnapshotDeleteMetadataOnly); err != nil {
		return fmt.Errorf("failed to delete snapshot metadata %s/%s: %w", name, snapshot, err)
	}
	return nil
}

// RedefineSnapshot 用导出的 XML 重新定义快照
func (c *Client) RedefineSnapshot(name string, snap SnapshotMetadata) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	flags := uint32(libvirt.DomainSnapshotCreateRedefine)
	if snap.Current {
		flags |= uint32(libvirt.DomainSnapshotCreateCurrent)
	}
	if _, err := c.conn.DomainSnapshotCreateXML(domain, snap.XML, flags); err != nil {
		return fmt.Errorf("failed to redefine snapshot %s/%s: %w", name, snap.Name, err)
	}
	return nil
}
