package libvirt

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// StoragePoolInfo 存储池信息
type StoragePoolInfo struct {
	Name   string
	UUID   string
	Type   string
	State  string
	Path   string
	Hosts  []PoolSourceHost
	Source string
	// AuthUser/AuthSecret 网络存储池的认证信息
	AuthUser   string
	AuthSecret string
}

// VolumeInfo 存储卷信息
type VolumeInfo struct {
	Path     string
	Name     string
	Format   string
	Capacity uint64
	PoolUUID string
}

func mapStoragePoolState(s uint8) string {
	switch libvirt.StoragePoolState(s) {
	case libvirt.StoragePoolInactive:
		return "inactive"
	case libvirt.StoragePoolBuilding:
		return "building"
	case libvirt.StoragePoolRunning:
		return "running"
	case libvirt.StoragePoolDegraded:
		return "degraded"
	case libvirt.StoragePoolInaccessible:
		return "inaccessible"
	default:
		return "unknown"
	}
}

// GetStoragePoolByUUID 按 UUID 查找存储池
func (c *Client) GetStoragePoolByUUID(poolUUID string) (*StoragePoolInfo, error) {
	pool, err := c.lookupPool(poolUUID)
	if err != nil {
		return nil, err
	}
	return c.poolInfo(pool)
}

// EnsurePoolActive 存储池未运行时启动，已运行时刷新
func (c *Client) EnsurePoolActive(poolUUID string) error {
	pool, err := c.lookupPool(poolUUID)
	if err != nil {
		return err
	}
	state, _, _, _, err := c.conn.StoragePoolGetInfo(pool)
	if err != nil {
		return fmt.Errorf("failed to get storage pool info %s: %w", poolUUID, err)
	}
	if libvirt.StoragePoolState(state) != libvirt.StoragePoolRunning {
		if err := c.conn.StoragePoolCreate(pool, 0); err != nil {
			return fmt.Errorf("failed to start storage pool %s: %w", poolUUID, err)
		}
		return nil
	}
	if err := c.conn.StoragePoolRefresh(pool, 0); err != nil {
		return fmt.Errorf("failed to refresh storage pool %s: %w", poolUUID, err)
	}
	return nil
}

// LookupVolumeByPath 按路径查找存储卷
func (c *Client) LookupVolumeByPath(path string) (*VolumeInfo, error) {
	vol, err := c.conn.StorageVolLookupByPath(path)
	if err != nil {
		return nil, wrapLookupErr("volume", path, err)
	}
	xmlDesc, err := c.conn.StorageVolGetXMLDesc(vol, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume XML %s: %w", path, err)
	}
	var volXML VolumeXML
	if err := xml.Unmarshal([]byte(xmlDesc), &volXML); err != nil {
		return nil, fmt.Errorf("failed to parse volume XML %s: %w", path, err)
	}

	info := &VolumeInfo{
		Path:     path,
		Name:     vol.Name,
		Format:   volXML.Target.Format.Type,
		Capacity: volXML.Capacity.Value,
	}
	if pool, err := c.conn.StoragePoolLookupByVolume(vol); err == nil {
		info.PoolUUID = uuid.UUID(pool.UUID).String()
	}
	return info, nil
}

func (c *Client) lookupPool(poolUUID string) (libvirt.StoragePool, error) {
	u, err := uuid.Parse(poolUUID)
	if err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool uuid %q: %w", poolUUID, err)
	}
	pool, err := c.conn.StoragePoolLookupByUUID(libvirt.UUID(u))
	if err != nil {
		return libvirt.StoragePool{}, wrapLookupErr("storage pool", poolUUID, err)
	}
	return pool, nil
}

func (c *Client) poolInfo(pool libvirt.StoragePool) (*StoragePoolInfo, error) {
	state, _, _, _, err := c.conn.StoragePoolGetInfo(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage pool info %s: %w", pool.Name, err)
	}
	xmlDesc, err := c.conn.StoragePoolGetXMLDesc(pool, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage pool XML %s: %w", pool.Name, err)
	}
	info, err := ParsePoolXML(xmlDesc)
	if err != nil {
		return nil, err
	}
	info.State = mapStoragePoolState(state)
	return info, nil
}

// ParsePoolXML 解析存储池 XML
func ParsePoolXML(xmlDesc string) (*StoragePoolInfo, error) {
	var poolXML StoragePoolXML
	if err := xml.Unmarshal([]byte(xmlDesc), &poolXML); err != nil {
		return nil, fmt.Errorf("failed to parse storage pool XML: %w", err)
	}
	info := &StoragePoolInfo{
		Name:   poolXML.Name,
		UUID:   poolXML.UUID,
		Type:   poolXML.Type,
		Path:   poolXML.Target.Path,
		Hosts:  poolXML.Source.Hosts,
		Source: poolXML.Source.Name,
	}
	if poolXML.Source.Dir != nil && info.Source == "" {
		info.Source = poolXML.Source.Dir.Path
	}
	if poolXML.Source.Auth != nil {
		info.AuthUser = poolXML.Source.Auth.Username
		info.AuthSecret = poolXML.Source.Auth.Secret.UUID
	}
	return info, nil
}
