package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号、解锁单号要求全局唯一、趋势递增，并且不暴露业务量。
//
// 【雪花算法结构】64位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 节点实现使用 bwmarrin/snowflake，这里只负责起始时间和单号格式。
// ============================================================================

// 起始时间戳（2024-01-01 00:00:00 UTC）
const epoch = int64(1704067200000)

var (
	defaultNode *snowflake.Node
	once        sync.Once
)

// Init 初始化默认ID生成器，workerID 范围 0-1023
func Init(workerID int64) {
	once.Do(func() {
		snowflake.Epoch = epoch
		node, err := snowflake.NewNode(workerID)
		if err != nil {
			log.Fatalf("初始化雪花节点失败: %v", err)
		}
		defaultNode = node
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	Init(1) // 未显式初始化时使用 workerID = 1
	return defaultNode.Generate().Int64()
}

// generateNo 格式：前缀 + 年月日时分秒 + 完整雪花ID
// 例如：TXN20240115143052105729384617250816
//
// 雪花ID本身全局唯一，截断后不同节点或同一毫秒内可能重复
func generateNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s%d", prefix, timestamp, id)
}

// GenerateTransactionNo 生成流水号
func GenerateTransactionNo() string {
	return generateNo("TXN")
}

// GenerateUnlockNo 生成解锁单号
func GenerateUnlockNo() string {
	return generateNo("UNL")
}

// GenerateRequestID 生成请求标识，用作分布式锁的持有者
func GenerateRequestID() string {
	return generateNo("REQ")
}
