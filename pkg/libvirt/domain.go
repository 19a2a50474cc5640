package libvirt

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// LookupDomain 按名称查找域，不存在时返回 ErrNotFound
func (c *Client) LookupDomain(name string) (libvirt.Domain, error) {
	domain, err := c.conn.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, wrapLookupErr("domain", name, err)
	}
	return domain, nil
}

// GetDomainXML 获取并解析域的当前定义
func (c *Client) GetDomainXML(name string) (*DomainXML, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return nil, err
	}
	xmlDesc, err := c.conn.DomainGetXMLDesc(domain, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get domain XML %s: %w", name, err)
	}
	var def DomainXML
	if err := xml.Unmarshal([]byte(xmlDesc), &def); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML %s: %w", name, err)
	}
	return &def, nil
}

// IsDomainPersistent 域是否有持久化定义
func (c *Client) IsDomainPersistent(name string) (bool, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return false, err
	}
	persistent, err := c.conn.DomainIsPersistent(domain)
	if err != nil {
		return false, fmt.Errorf("failed to check domain persistence %s: %w", name, err)
	}
	return persistent == 1, nil
}

// UndefineDomain 删除持久化定义（连同 NVRAM），运行中的域变为 transient
func (c *Client) UndefineDomain(name string) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	flags := libvirt.DomainUndefineNvram | libvirt.DomainUndefineSnapshotsMetadata
	if err := c.conn.DomainUndefineFlags(domain, flags); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", name, err)
	}
	return nil
}

// DefineTransient 以 transient 方式创建并启动域
func (c *Client) DefineTransient(def *DomainXML) (libvirt.Domain, error) {
	data, err := xml.MarshalIndent(def, "", "  ")
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	domain, err := c.conn.DomainCreateXML(string(data), libvirt.DomainNone)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to create domain %s: %w", def.Name, err)
	}
	return domain, nil
}

// DestroyDomain 强制关闭域，域不存在时返回 ErrNotFound
func (c *Client) DestroyDomain(name string) error {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return err
	}
	if err := c.conn.DomainDestroy(domain); err != nil {
		return fmt.Errorf("failed to destroy domain %s: %w", name, err)
	}
	return nil
}

// AttachDevice 热插设备，同时修改运行态；transient 域只修改运行态
func (c *Client) AttachDevice(name string, device any) error {
	domain, flags, deviceXML, err := c.prepareDeviceChange(name, device)
	if err != nil {
		return err
	}
	if err := c.conn.DomainAttachDeviceFlags(domain, deviceXML, flags); err != nil {
		return fmt.Errorf("failed to attach device to %s: %w", name, err)
	}
	return nil
}

// DetachDevice 热拔设备
func (c *Client) DetachDevice(name string, device any) error {
	domain, flags, deviceXML, err := c.prepareDeviceChange(name, device)
	if err != nil {
		return err
	}
	if err := c.conn.DomainDetachDeviceFlags(domain, deviceXML, flags); err != nil {
		return fmt.Errorf("failed to detach device from %s: %w", name, err)
	}
	return nil
}

func (c *Client) prepareDeviceChange(name string, device any) (libvirt.Domain, uint32, string, error) {
	domain, err := c.LookupDomain(name)
	if err != nil {
		return libvirt.Domain{}, 0, "", err
	}
	deviceXML, err := MarshalDevice(device)
	if err != nil {
		return libvirt.Domain{}, 0, "", fmt.Errorf("failed to marshal device XML: %w", err)
	}

	flags := uint32(libvirt.DomainDeviceModifyLive)
	persistent, err := c.conn.DomainIsPersistent(domain)
	if err == nil && persistent == 1 {
		flags |= uint32(libvirt.DomainDeviceModifyConfig)
	}
	return domain, flags, deviceXML, nil
}
