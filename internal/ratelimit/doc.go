// Package ratelimit 实现按用户隔离的滑动窗口限流。
//
// Allow 只读地统计窗口内的请求数，Record 追加当前时间戳并丢弃窗口外的记录。
// 内存实现为每个用户维护独立的桶与锁，Redis 实现使用有序集合在多实例间共享窗口。
package ratelimit
