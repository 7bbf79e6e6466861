// Package orchestrator 串联限流、智能体目录、网页抓取与流式补全，
// 把一条用户消息转换为逐段返回的回答，并在结束后记录对话、更新智能体表现与归档交互。
package orchestrator
