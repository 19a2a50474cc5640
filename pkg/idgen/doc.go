// Package idgen 提供递增 ID 生成器
//
// 使用 Sonyflake 算法生成全局唯一且递增的 ID，用于：
//   - 快照合并任务 ID: merge-{递增数字}
//   - 命令 ID: cmd-{递增数字}
//
// 使用方式：
//
//	jobID, err := idgen.GenerateMergeJobID()
//	// jobID: "merge-1234567890"
//
//	gen := idgen.New()
//	cmdID, err := gen.GenerateCommandID()
package idgen
