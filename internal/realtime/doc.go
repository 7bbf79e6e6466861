// Package realtime 维护到实时通道的长连接。
//
// Supervisor 为每个连接维护 CONNECTING → OPEN → CLOSED_NORMAL/CLOSED_ABNORMAL
// 状态机，异常断开后按指数退避重连，连续失败达到上限后向监听器发送
// CONNECTION_LOST 并停止重试。
package realtime
