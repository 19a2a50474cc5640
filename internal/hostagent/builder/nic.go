package builder

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

const maxNICQueues = 256

// Interface 由 VIF 驱动生成网卡，再补上多队列和 packed 设置
// 网卡自身的 details 优先于虚拟机的 details。
func (b *Builder) Interface(ctx context.Context, nic *entity.NicSpec, vcpus int, vmDetails map[string]string) (*libvirt.DomainInterface, error) {
	if b.nics == nil {
		return nil, apierror.Errorf(apierror.ErrConfiguration, "no vif driver registry configured")
	}
	iface, err := b.nics.Plug(ctx, nic)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().Str("mac", nic.MAC).Logger()

	var driver libvirt.DomainInterfaceDriver
	if raw, ok := nicDetail(nic, vmDetails, entity.DetailNICMultiqueueNumber); ok {
		if queues, ok := parseQueues(raw, vcpus); ok {
			driver.Queues = queues
		} else {
			logger.Warn().Str("value", raw).Msg("dropping invalid nic multiqueue override")
		}
	}
	if raw, ok := nicDetail(nic, vmDetails, entity.DetailNICPackedVirtqueues); ok {
		if packed, err := strconv.ParseBool(raw); err == nil {
			driver.Packed = "off"
			if packed {
				driver.Packed = "on"
			}
		} else {
			logger.Warn().Str("value", raw).Msg("dropping invalid nic packed virtqueue override")
		}
	}

	if driver != (libvirt.DomainInterfaceDriver{}) {
		if nic.ModelOrDefault() != "virtio" {
			logger.Warn().Str("model", nic.ModelOrDefault()).Msg("nic queue settings require virtio, ignored")
			return iface, nil
		}
		iface.Driver = &driver
	}
	return iface, nil
}

func nicDetail(nic *entity.NicSpec, vmDetails map[string]string, key string) (string, bool) {
	if v, ok := nic.Details[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v, ok := vmDetails[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

// parseQueues 字面值 vcpus 取 vCPU 数，其余必须是 1..256 的整数
func parseQueues(raw string, vcpus int) (int, bool) {
	if strings.EqualFold(raw, "vcpus") {
		raw = strconv.Itoa(vcpus)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxNICQueues {
		return 0, false
	}
	return n, true
}
