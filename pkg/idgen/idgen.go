package idgen

import (
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// Generator 递增 ID 生成器
type Generator struct {
	sf *sonyflake.Sonyflake
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// DefaultGenerator 返回默认的 ID 生成器
func DefaultGenerator() *Generator {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = New()
	})
	return defaultGenerator
}

// New 创建新的 ID 生成器
func New() *Generator {
	startTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: startTime,
	})
	if sf == nil {
		// 主机没有私有 IP 时默认的机器 ID 无法获取，退回到主机名哈希
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: startTime,
			MachineID: hostnameMachineID,
		})
	}

	return &Generator{
		sf: sf,
	}
}

// hostnameMachineID 使用主机名的 FNV 哈希低 16 位作为机器 ID
func hostnameMachineID() (uint16, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return 0, fmt.Errorf("get hostname: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return uint16(h.Sum32()), nil
}

// generateIDWithPrefix 生成带前缀的 ID
func (g *Generator) generateIDWithPrefix(prefix, errorMsg string) (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("%s: %w", errorMsg, err)
	}
	return fmt.Sprintf("%s-%d", prefix, id), nil
}

// GenerateMergeJobID 生成快照合并任务 ID（格式：merge-{递增 ID}）
func (g *Generator) GenerateMergeJobID() (string, error) {
	return g.generateIDWithPrefix("merge", "generate merge job ID")
}

// GenerateCommandID 生成命令 ID（格式：cmd-{递增 ID}）
func (g *Generator) GenerateCommandID() (string, error) {
	return g.generateIDWithPrefix("cmd", "generate command ID")
}

// GenerateID 生成通用递增 ID
func (g *Generator) GenerateID() (uint64, error) {
	return g.sf.NextID()
}

// GenerateMergeJobID 使用默认生成器生成快照合并任务 ID
func GenerateMergeJobID() (string, error) {
	return DefaultGenerator().GenerateMergeJobID()
}

// GenerateCommandID 使用默认生成器生成命令 ID
func GenerateCommandID() (string, error) {
	return DefaultGenerator().GenerateCommandID()
}

// GenerateID 使用默认生成器生成通用递增 ID
func GenerateID() (uint64, error) {
	return DefaultGenerator().GenerateID()
}
