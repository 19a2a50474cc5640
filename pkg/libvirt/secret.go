package libvirt

import (
	"encoding/xml"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// DefineVolumeSecret 为加密卷定义 passphrase secret
// 同一 UUID 已存在时只更新值。
func (c *Client) DefineVolumeSecret(secretUUID, volumePath string, passphrase []byte) error {
	def := SecretXML{
		Ephemeral:   "no",
		Private:     "yes",
		UUID:        secretUUID,
		Description: "volume passphrase for " + volumePath,
		Usage:       &SecretUsage{Type: "volume", Volume: volumePath},
	}
	data, err := xml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal secret XML: %w", err)
	}
	secret, err := c.conn.SecretDefineXML(string(data), 0)
	if err != nil {
		return fmt.Errorf("failed to define secret %s: %w", secretUUID, err)
	}
	if err := c.conn.SecretSetValue(secret, passphrase, 0); err != nil {
		return fmt.Errorf("failed to set secret value %s: %w", secretUUID, err)
	}
	return nil
}

// SecretExists secret 是否已定义
func (c *Client) SecretExists(secretUUID string) (bool, error) {
	_, err := c.lookupSecret(secretUUID)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// UndefineSecret 删除 secret，不存在时返回 ErrNotFound
func (c *Client) UndefineSecret(secretUUID string) error {
	secret, err := c.lookupSecret(secretUUID)
	if err != nil {
		return wrapLookupErr("secret", secretUUID, err)
	}
	if err := c.conn.SecretUndefine(secret); err != nil {
		return fmt.Errorf("failed to undefine secret %s: %w", secretUUID, err)
	}
	return nil
}

func (c *Client) lookupSecret(secretUUID string) (libvirt.Secret, error) {
	u, err := uuid.Parse(secretUUID)
	if err != nil {
		return libvirt.Secret{}, fmt.Errorf("invalid secret uuid %q: %w", secretUUID, err)
	}
	return c.conn.SecretLookupByUUID(libvirt.UUID(u))
}
