package builder

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// peripherals 串口、控制台、guest agent、RNG、看门狗、显卡、VNC、输入、TPM、balloon
func (b *Builder) peripherals(ctx context.Context, spec *entity.VmSpec, arch string, devices *libvirt.DomainDevices) {
	devices.Serials = []libvirt.DomainSerial{{Type: "pty", Target: libvirt.DomainSerialTarget{Port: 0}}}

	consoleTarget := "serial"
	if arch == archS390x {
		consoleTarget = "sclp"
	}
	devices.Consoles = []libvirt.DomainConsole{{Type: "pty", Target: libvirt.DomainConsoleTarget{Type: consoleTarget, Port: 0}}}

	devices.Channels = []libvirt.DomainChannel{{
		Type: "unix",
		Source: &libvirt.DomainChannelSource{
			Mode: "bind",
			Path: filepath.Join(b.opts.QemuSocketsDir, spec.Name+"."+guestAgentChannel),
		},
		Target: &libvirt.DomainChannelTarget{Type: "virtio", Name: guestAgentChannel},
	}}

	devices.RNGs = []libvirt.DomainRNG{{
		Model:   "virtio",
		Backend: libvirt.DomainRNGBackend{Model: "random", Value: "/dev/urandom"},
	}}

	if arch != archS390x {
		devices.Watchdogs = []libvirt.DomainWatchdog{{Model: "i6300esb", Action: "none"}}
	}

	devices.Videos = []libvirt.DomainVideo{b.video(ctx, spec, arch)}

	devices.Graphics = []libvirt.DomainGraphics{{
		Type:     "vnc",
		Autoport: "yes",
		Listen:   spec.VNCAddr,
		Passwd:   spec.VNCPassword,
	}}

	switch arch {
	case archS390x:
	case archAarch64:
		devices.Inputs = []libvirt.DomainInput{
			{Type: "tablet", Bus: "usb"},
			{Type: "keyboard", Bus: "usb"},
			{Type: "mouse", Bus: "usb"},
		}
	default:
		devices.Inputs = []libvirt.DomainInput{{Type: "tablet", Bus: "usb"}}
	}

	if model := spec.Detail(entity.DetailVirtualTPMModel); model != "" {
		version := spec.Detail(entity.DetailVirtualTPMVersion)
		if version == "" {
			version = "2.0"
		}
		devices.TPMs = []libvirt.DomainTPM{{
			Model:   model,
			Backend: libvirt.DomainTPMBackend{Type: "emulator", Version: version},
		}}
	}

	if spec.EnableBallooning {
		devices.MemBalloon = &libvirt.DomainMemBalloon{Model: "virtio", AutoDeflate: "on"}
	} else {
		devices.MemBalloon = &libvirt.DomainMemBalloon{Model: "none"}
	}
}

func (b *Builder) video(ctx context.Context, spec *entity.VmSpec, arch string) libvirt.DomainVideo {
	model := b.opts.VideoHardware
	if model == "" {
		model = "cirrus"
		if arch != archX86 {
			model = "virtio"
		}
	}
	if v := spec.Detail(entity.DetailVideoHardware); v != "" {
		model = v
	}

	vram := b.opts.VideoRAM
	if v := spec.Detail(entity.DetailVideoRAM); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			zerolog.Ctx(ctx).Warn().Str("domain", spec.Name).Str("value", v).Msg("ignoring invalid video ram")
		} else {
			vram = uint(n)
		}
	}
	return libvirt.DomainVideo{Model: libvirt.DomainVideoModel{Type: model, VRam: vram, Heads: 1}}
}
