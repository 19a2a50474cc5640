// Package qemuimg 封装 qemu-img 命令行工具的操作
//
// 该包提供磁盘链维护所需的操作：
//   - 获取镜像信息（Info），包括 backing file 及其格式
//   - 获取镜像格式（GetFormat）
//   - 不安全 rebase（Rebase），只改写 backing file 的元数据
//   - 创建镜像（CreateEmpty、CreateFromBackingFile）
//
// 所有操作都支持 context 超时控制。
//
// 示例：
//
//	client := qemuimg.New("")
//
//	info, err := client.Info(ctx, "/var/lib/libvirt/images/vm-1-root.qcow2")
//	if info.BackingFile != "" && info.BackingFormat == "" {
//		format, _ := client.GetFormat(ctx, info.BackingFile)
//		err = client.Rebase(ctx, "/var/lib/libvirt/images/vm-1-root.qcow2", info.BackingFile, format)
//	}
package qemuimg
