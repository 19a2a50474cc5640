// Package vif 生成虚拟机网卡定义
//
// 驱动集合是封闭的（bridge、ovs、direct），在加载配置时解析，
// 未知的驱动名直接返回 ErrConfiguration。
package vif

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jimyag/hostagent/internal/hostagent/entity"
	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/executor"
	"github.com/jimyag/hostagent/pkg/libvirt"
)

// Tag 驱动名
type Tag string

const (
	TagBridge Tag = "bridge"
	TagOVS    Tag = "ovs"
	TagDirect Tag = "direct"
)

// Driver 网卡驱动
type Driver interface {
	Tag() Tag
	// Plug 生成 <interface> 定义
	Plug(ctx context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error)
	// Unplug 网卡卸载后清理宿主机侧资源
	Unplug(ctx context.Context, iface *libvirt.DomainInterface) error
}

// Options 驱动公共配置
type Options struct {
	// Bridges 按流量类型指定的默认网桥，NicSpec.Bridge 为空时使用
	Bridges map[entity.TrafficType]string
	// DefaultBridge Bridges 中没有对应流量类型时使用
	DefaultBridge string
	// DirectMode macvtap 模式，默认 bridge
	DirectMode string
	// Runner ovs 驱动清理端口使用
	Runner executor.Runner
	// OVSCtlPath 默认 ovs-vsctl
	OVSCtlPath string
}

func (o *Options) bridgeFor(nic *entity.NicSpec) string {
	if nic.Bridge != "" {
		return nic.Bridge
	}
	if b, ok := o.Bridges[nic.TrafficType]; ok && b != "" {
		return b
	}
	return o.DefaultBridge
}

var constructors = map[Tag]func(*Options) Driver{
	TagBridge: func(o *Options) Driver { return &bridgeDriver{opts: o} },
	TagOVS:    func(o *Options) Driver { return &ovsDriver{opts: o} },
	TagDirect: func(o *Options) Driver { return &directDriver{opts: o} },
}

// Registry 按流量类型选择驱动
type Registry struct {
	defaultDriver Driver
	byTraffic     map[entity.TrafficType]Driver
	drivers       map[Tag]Driver
}

// NewRegistry 解析默认驱动和按流量类型的覆盖
func NewRegistry(defaultTag string, perTraffic map[string]string, opts Options) (*Registry, error) {
	if opts.DirectMode == "" {
		opts.DirectMode = "bridge"
	}
	if opts.OVSCtlPath == "" {
		opts.OVSCtlPath = "ovs-vsctl"
	}
	if opts.Runner == nil {
		opts.Runner = executor.NewLocalRunner()
	}

	r := &Registry{
		byTraffic: make(map[entity.TrafficType]Driver),
		drivers:   make(map[Tag]Driver),
	}
	if defaultTag == "" {
		defaultTag = string(TagBridge)
	}
	d, err := r.driver(Tag(defaultTag), &opts)
	if err != nil {
		return nil, err
	}
	r.defaultDriver = d

	for traffic, tag := range perTraffic {
		tt, err := parseTrafficType(traffic)
		if err != nil {
			return nil, err
		}
		d, err := r.driver(Tag(tag), &opts)
		if err != nil {
			return nil, err
		}
		r.byTraffic[tt] = d
	}
	return r, nil
}

func (r *Registry) driver(tag Tag, opts *Options) (Driver, error) {
	if d, ok := r.drivers[tag]; ok {
		return d, nil
	}
	ctor, ok := constructors[tag]
	if !ok {
		return nil, apierror.Errorf(apierror.ErrConfiguration, "unknown vif driver %q", tag)
	}
	d := ctor(opts)
	r.drivers[tag] = d
	return d, nil
}

func parseTrafficType(s string) (entity.TrafficType, error) {
	switch tt := entity.TrafficType(s); tt {
	case entity.TrafficGuest, entity.TrafficManagement, entity.TrafficPublic, entity.TrafficStorage, entity.TrafficControl:
		return tt, nil
	}
	return "", apierror.Errorf(apierror.ErrConfiguration, "unknown traffic type %q for vif driver", s)
}

// DriverFor 流量类型对应的驱动
func (r *Registry) DriverFor(traffic entity.TrafficType) Driver {
	if d, ok := r.byTraffic[traffic]; ok {
		return d
	}
	return r.defaultDriver
}

// Drivers 所有已实例化的驱动，按名称排序
func (r *Registry) Drivers() []Driver {
	drivers := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		drivers = append(drivers, d)
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].Tag() < drivers[j].Tag() })
	return drivers
}

// Plug 使用流量类型对应的驱动生成网卡定义
func (r *Registry) Plug(ctx context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error) {
	return r.DriverFor(nic.TrafficType).Plug(ctx, nic)
}

// UnplugAll 依次调用所有驱动的 Unplug，失败只记录日志
func (r *Registry) UnplugAll(ctx context.Context, iface *libvirt.DomainInterface) {
	for _, d := range r.Drivers() {
		if err := d.Unplug(ctx, iface); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("driver", string(d.Tag())).Msg("vif unplug failed")
		}
	}
}

func baseInterface(nic *entity.NicSpec, ifaceType string) *libvirt.DomainInterface {
	iface := &libvirt.DomainInterface{
		Type:  ifaceType,
		Model: &libvirt.DomainInterfaceModel{Type: nic.ModelOrDefault()},
	}
	if nic.MAC != "" {
		iface.MAC = &libvirt.DomainInterfaceMAC{Address: nic.MAC}
	}
	return iface
}

type bridgeDriver struct {
	opts *Options
}

func (d *bridgeDriver) Tag() Tag { return TagBridge }

func (d *bridgeDriver) Plug(_ context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error) {
	bridge := d.opts.bridgeFor(nic)
	if bridge == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "no bridge for nic %s (%s)", nic.MAC, nic.TrafficType)
	}
	iface := baseInterface(nic, "bridge")
	iface.Source = &libvirt.DomainInterfaceSource{Bridge: bridge}
	return iface, nil
}

// Unplug tap 设备随 domain 删除，无需处理
func (d *bridgeDriver) Unplug(context.Context, *libvirt.DomainInterface) error { return nil }

type ovsDriver struct {
	opts *Options
}

func (d *ovsDriver) Tag() Tag { return TagOVS }

func (d *ovsDriver) Plug(_ context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error) {
	bridge := d.opts.bridgeFor(nic)
	if bridge == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "no ovs bridge for nic %s (%s)", nic.MAC, nic.TrafficType)
	}
	iface := baseInterface(nic, "bridge")
	iface.Source = &libvirt.DomainInterfaceSource{Bridge: bridge}
	iface.VirtualPort = &libvirt.DomainInterfaceVirtualPort{Type: "openvswitch"}
	return iface, nil
}

// Unplug 删除残留的 ovs 端口
func (d *ovsDriver) Unplug(ctx context.Context, iface *libvirt.DomainInterface) error {
	if iface == nil || iface.VirtualPort == nil || iface.Target == nil || iface.Target.Dev == "" {
		return nil
	}
	result, err := d.opts.Runner.Run(ctx, 30*time.Second, d.opts.OVSCtlPath, "--if-exists", "del-port", iface.Target.Dev)
	if err != nil {
		return fmt.Errorf("delete ovs port %s: %w", iface.Target.Dev, err)
	}
	if !result.Success() {
		return fmt.Errorf("delete ovs port %s: exit %d: %s", iface.Target.Dev, result.ExitCode, result.Output())
	}
	return nil
}

type directDriver struct {
	opts *Options
}

func (d *directDriver) Tag() Tag { return TagDirect }

func (d *directDriver) Plug(_ context.Context, nic *entity.NicSpec) (*libvirt.DomainInterface, error) {
	dev := d.opts.bridgeFor(nic)
	if dev == "" {
		return nil, apierror.Errorf(apierror.ErrInvalidParameter, "no source device for direct nic %s", nic.MAC)
	}
	iface := baseInterface(nic, "direct")
	iface.Source = &libvirt.DomainInterfaceSource{Dev: dev, Mode: d.opts.DirectMode}
	return iface, nil
}

// Unplug macvtap 随 domain 删除
func (d *directDriver) Unplug(context.Context, *libvirt.DomainInterface) error { return nil }
