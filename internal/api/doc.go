// Package api 通过 HTTP 暴露对话流、智能体目录、推荐、历史记录与健康检查接口。
package api
